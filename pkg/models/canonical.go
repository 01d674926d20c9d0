package models

import "time"

// CanonicalCode is an accepted label visible to downstream analysis.
type CanonicalCode struct {
	ID                     string     `json:"id" db:"id"`
	ProjectID              string     `json:"project_id" db:"project_id"`
	Label                  string     `json:"label" db:"label"`
	NormalizedKey          string     `json:"normalized_key" db:"normalized_key"`
	CreatedFromCandidateID string     `json:"created_from_candidate_id" db:"created_from_candidate_id"`
	GraphSynced            bool       `json:"graph_synced" db:"graph_synced"`
	SyncAttempts           int        `json:"sync_attempts" db:"sync_attempts"`
	LastSyncError          *string    `json:"last_sync_error,omitempty" db:"last_sync_error"`
	SyncedAt               *time.Time `json:"synced_at,omitempty" db:"synced_at"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}

const CodeEventRelabeled = "relabeled"

// CanonicalCodeEvent records a change to a canonical code without rewriting its history.
type CanonicalCodeEvent struct {
	ID        string    `json:"id" db:"id"`
	CodeID    string    `json:"code_id" db:"code_id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	EventType string    `json:"event_type" db:"event_type"`
	OldLabel  string    `json:"old_label" db:"old_label"`
	NewLabel  string    `json:"new_label" db:"new_label"`
	Actor     string    `json:"actor" db:"actor"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type RelabelRequest struct {
	Label string `json:"label" validate:"required"`
}

// SyncStatus summarizes the graph projection backlog for a project.
type SyncStatus struct {
	Pending         int  `json:"pending"`
	Synced          int  `json:"synced"`
	Total           int  `json:"total"`
	EngineAvailable bool `json:"engine_available"`
}

type SyncResult struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}
