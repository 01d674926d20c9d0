package models

// Match is one catalog entry that resembles a proposed label.
type Match struct {
	ExistingID       string  `json:"existing_id"`
	ExistingLabel    string  `json:"existing_label"`
	Kind             string  `json:"kind"`
	Similarity       float64 `json:"similarity"`
	IsExactDuplicate bool    `json:"is_exact_duplicate"`
}

type CheckItem struct {
	Label            string  `json:"label"`
	NormalizedKey    string  `json:"normalized_key"`
	Matches          []Match `json:"matches"`
	DuplicateInBatch bool    `json:"duplicate_in_batch"`
	// Scanned is false when the scan timed out before reaching this item.
	Scanned bool `json:"scanned"`
}

// ScanTelemetry describes the work a similarity scan performed.
type ScanTelemetry struct {
	Comparisons      int64 `json:"comparisons"`
	SkippedPrefilter int64 `json:"skipped_prefilter"`
	SkippedGuardrail int64 `json:"skipped_guardrail"`
	LatencyMs        int64 `json:"latency_ms"`
	Partial          bool  `json:"partial"`
	Slow             bool  `json:"slow"`
}

type CheckBatchResult struct {
	Threshold float64       `json:"threshold"`
	Items     []CheckItem   `json:"items"`
	Telemetry ScanTelemetry `json:"telemetry"`
}

type CheckBatchRequest struct {
	Threshold *float64 `json:"threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
	Labels    []string `json:"labels" validate:"required,min=1"`
}

// CatalogEntry is a label already in the catalog.
type CatalogEntry struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Key   string `json:"normalized_key"`
	Kind  string `json:"kind"`
	State State  `json:"state,omitempty"`
}

const (
	CatalogKindCandidate = "candidate"
	CatalogKindCanonical = "canonical"
)

type SimilarPair struct {
	A                CatalogEntry `json:"a"`
	B                CatalogEntry `json:"b"`
	Similarity       float64      `json:"similarity"`
	IsExactDuplicate bool         `json:"is_exact_duplicate"`
}

type Cluster struct {
	Members       []CatalogEntry `json:"members"`
	MaxSimilarity float64        `json:"max_similarity"`
}

// AuditReport is the result of a Post-Hoc catalog scan.
type AuditReport struct {
	ProjectID       string        `json:"project_id"`
	Threshold       float64       `json:"threshold"`
	CatalogSize     int           `json:"catalog_size"`
	Clusters        []Cluster     `json:"clusters"`
	ExactDuplicates []SimilarPair `json:"exact_duplicates"`
	Telemetry       ScanTelemetry `json:"telemetry"`
}
