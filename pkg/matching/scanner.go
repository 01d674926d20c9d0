package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	ScanPreHoc  = "pre_hoc"
	ScanPostHoc = "post_hoc"

	// cancellation is checked every cancelCheckEvery comparisons
	cancelCheckEvery = 256
)

// ScanConfig bounds a similarity scan.
type ScanConfig struct {
	Timeout    time.Duration
	SlowBudget time.Duration
	Workers    int
}

func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Timeout:    30 * time.Second,
		SlowBudget: 5 * time.Second,
		Workers:    4,
	}
}

// Scanner compares labels against a catalog in parallel under a time budget.
// A scan that runs out of time returns what it has with Partial set.
type Scanner struct {
	engine SimilarityEngine
	logger ectologger.Logger
	config ScanConfig
}

func NewScanner(engine SimilarityEngine, logger ectologger.Logger, config ScanConfig) *Scanner {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Scanner{engine: engine, logger: logger, config: config}
}

type counters struct {
	comparisons      atomic.Int64
	skippedPrefilter atomic.Int64
	skippedGuardrail atomic.Int64
}

func (c *counters) record(cmp Comparison) {
	switch {
	case cmp.SkippedPrefilter:
		c.skippedPrefilter.Add(1)
	case cmp.SkippedGuardrail:
		c.comparisons.Add(1)
		c.skippedGuardrail.Add(1)
	default:
		c.comparisons.Add(1)
	}
}

func (s *Scanner) scanContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.Timeout)
}

// CheckBatch compares each proposed label against the catalog (Pre-Hoc).
func (s *Scanner) CheckBatch(ctx context.Context, labels []string, catalog []models.CatalogEntry, threshold float64) (*models.CheckBatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Scanner.CheckBatch")
	defer span.End()

	start := time.Now()
	scanCtx, cancel := s.scanContext(ctx)
	defer cancel()

	items := make([]models.CheckItem, len(labels))
	keyCounts := make(map[string]int, len(labels))
	for i, label := range labels {
		key := normalizers.Normalize(label)
		items[i] = models.CheckItem{Label: label, NormalizedKey: key, Matches: []models.Match{}}
		if key != "" {
			keyCounts[key]++
		}
	}
	for i := range items {
		items[i].DuplicateInBatch = keyCounts[items[i].NormalizedKey] > 1
	}

	var c counters
	g, gCtx := errgroup.WithContext(scanCtx)
	g.SetLimit(s.config.Workers)
	for i := range labels {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			matches, done := s.matchOne(gCtx, labels[i], catalog, threshold, &c)
			if done {
				items[i].Matches = matches
				items[i].Scanned = true
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	telemetry := s.finish(ctx, ScanPreHoc, start, scanCtx, &c)
	return &models.CheckBatchResult{
		Threshold: threshold,
		Items:     items,
		Telemetry: telemetry,
	}, nil
}

func (s *Scanner) matchOne(ctx context.Context, label string, catalog []models.CatalogEntry, threshold float64, c *counters) ([]models.Match, bool) {
	matches := []models.Match{}
	for j, entry := range catalog {
		if j%cancelCheckEvery == 0 && ctx.Err() != nil {
			return nil, false
		}
		cmp := s.engine.Compare(label, entry.Label, threshold)
		c.record(cmp)
		if !cmp.Similar {
			continue
		}
		matches = append(matches, models.Match{
			ExistingID:       entry.ID,
			ExistingLabel:    entry.Label,
			Kind:             entry.Kind,
			Similarity:       cmp.Score,
			IsExactDuplicate: cmp.Exact,
		})
	}
	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Similarity != matches[b].Similarity {
			return matches[a].Similarity > matches[b].Similarity
		}
		return matches[a].ExistingLabel < matches[b].ExistingLabel
	})
	return matches, true
}

// Audit scans the catalog pairwise and groups similar labels into clusters (Post-Hoc).
func (s *Scanner) Audit(ctx context.Context, projectID string, catalog []models.CatalogEntry, threshold float64) (*models.AuditReport, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Scanner.Audit")
	defer span.End()

	start := time.Now()
	scanCtx, cancel := s.scanContext(ctx)
	defer cancel()

	var (
		c     counters
		mu    sync.Mutex
		pairs []models.SimilarPair
	)

	g, gCtx := errgroup.WithContext(scanCtx)
	g.SetLimit(s.config.Workers)
	for i := 0; i < len(catalog)-1; i++ {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			var found []models.SimilarPair
			for n, j := 0, i+1; j < len(catalog); n, j = n+1, j+1 {
				if n%cancelCheckEvery == 0 && gCtx.Err() != nil {
					break
				}
				cmp := s.engine.Compare(catalog[i].Label, catalog[j].Label, threshold)
				c.record(cmp)
				if cmp.Similar {
					found = append(found, models.SimilarPair{
						A:                catalog[i],
						B:                catalog[j],
						Similarity:       cmp.Score,
						IsExactDuplicate: cmp.Exact,
					})
				}
			}
			if len(found) > 0 {
				mu.Lock()
				pairs = append(pairs, found...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &models.AuditReport{
		ProjectID:       projectID,
		Threshold:       threshold,
		CatalogSize:     len(catalog),
		Clusters:        buildClusters(catalog, pairs),
		ExactDuplicates: []models.SimilarPair{},
	}
	for _, p := range pairs {
		if p.IsExactDuplicate {
			report.ExactDuplicates = append(report.ExactDuplicates, p)
		}
	}
	sort.Slice(report.ExactDuplicates, func(a, b int) bool {
		return report.ExactDuplicates[a].A.Label < report.ExactDuplicates[b].A.Label
	})
	report.Telemetry = s.finish(ctx, ScanPostHoc, start, scanCtx, &c)
	return report, nil
}

func (s *Scanner) finish(ctx context.Context, scan string, start time.Time, scanCtx context.Context, c *counters) models.ScanTelemetry {
	elapsed := time.Since(start)
	telemetry := models.ScanTelemetry{
		Comparisons:      c.comparisons.Load(),
		SkippedPrefilter: c.skippedPrefilter.Load(),
		SkippedGuardrail: c.skippedGuardrail.Load(),
		LatencyMs:        elapsed.Milliseconds(),
		Partial:          errors.Is(scanCtx.Err(), context.DeadlineExceeded),
		Slow:             s.config.SlowBudget > 0 && elapsed > s.config.SlowBudget,
	}

	metrics.RecordScan(scan, telemetry.Comparisons, telemetry.SkippedPrefilter, telemetry.SkippedGuardrail,
		elapsed.Seconds(), telemetry.Slow, telemetry.Partial)

	if telemetry.Slow || telemetry.Partial {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"scan":        scan,
			"latency_ms":  telemetry.LatencyMs,
			"comparisons": telemetry.Comparisons,
			"partial":     telemetry.Partial,
		}).Warn("Similarity scan exceeded its budget")
	}
	return telemetry
}

// buildClusters groups catalog entries connected by similar pairs (union-find).
func buildClusters(catalog []models.CatalogEntry, pairs []models.SimilarPair) []models.Cluster {
	index := make(map[string]int, len(catalog))
	for i, e := range catalog {
		index[e.Kind+":"+e.ID] = i
	}
	parent := make([]int, len(catalog))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	best := map[int]float64{}
	for _, p := range pairs {
		a, b := find(index[p.A.Kind+":"+p.A.ID]), find(index[p.B.Kind+":"+p.B.ID])
		score := max(p.Similarity, best[a], best[b])
		if a != b {
			parent[a] = b
		}
		best[find(b)] = score
	}

	groups := map[int][]models.CatalogEntry{}
	for _, p := range pairs {
		for _, e := range []models.CatalogEntry{p.A, p.B} {
			root := find(index[e.Kind+":"+e.ID])
			if !containsEntry(groups[root], e) {
				groups[root] = append(groups[root], e)
			}
		}
	}

	clusters := make([]models.Cluster, 0, len(groups))
	for root, members := range groups {
		sort.Slice(members, func(a, b int) bool { return members[a].Label < members[b].Label })
		clusters = append(clusters, models.Cluster{Members: members, MaxSimilarity: best[root]})
	}
	sort.Slice(clusters, func(a, b int) bool {
		if len(clusters[a].Members) != len(clusters[b].Members) {
			return len(clusters[a].Members) > len(clusters[b].Members)
		}
		return clusters[a].Members[0].Label < clusters[b].Members[0].Label
	})
	return clusters
}

func containsEntry(entries []models.CatalogEntry, e models.CatalogEntry) bool {
	for _, x := range entries {
		if x.ID == e.ID && x.Kind == e.Kind {
			return true
		}
	}
	return false
}
