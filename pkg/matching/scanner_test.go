package matching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func newTestScanner(config ScanConfig) *Scanner {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewScanner(NewHybrid(DefaultHybridConfig()), logger, config)
}

func entry(id, label string) models.CatalogEntry {
	return models.CatalogEntry{ID: id, Label: label, Kind: models.CatalogKindCandidate, State: models.StatePending}
}

func TestScannerCheckBatch(t *testing.T) {
	scanner := newTestScanner(DefaultScanConfig())
	catalog := []models.CatalogEntry{
		entry("c1", "organización social"),
		entry("c2", "falta de apoyo"),
		entry("c3", "inundaciones"),
	}

	result, err := scanner.CheckBatch(context.Background(),
		[]string{"Organizacion Social", "falta de agua", "Inundaciones", "inundaciones"}, catalog, 0.88)
	require.NoError(t, err)
	require.Len(t, result.Items, 4)

	first := result.Items[0]
	assert.Equal(t, "organizacion social", first.NormalizedKey)
	require.Len(t, first.Matches, 1)
	assert.Equal(t, "c1", first.Matches[0].ExistingID)
	assert.GreaterOrEqual(t, first.Matches[0].Similarity, 0.95)
	assert.False(t, first.Matches[0].IsExactDuplicate)
	assert.False(t, first.DuplicateInBatch)

	assert.Empty(t, result.Items[1].Matches)

	require.Len(t, result.Items[2].Matches, 1)
	assert.True(t, result.Items[2].Matches[0].IsExactDuplicate)
	assert.True(t, result.Items[2].DuplicateInBatch)
	assert.True(t, result.Items[3].DuplicateInBatch)

	for _, item := range result.Items {
		assert.True(t, item.Scanned)
	}
	assert.False(t, result.Telemetry.Partial)
	assert.Equal(t, int64(12), result.Telemetry.Comparisons+result.Telemetry.SkippedPrefilter)
}

func TestScannerAuditClusters(t *testing.T) {
	scanner := newTestScanner(DefaultScanConfig())
	catalog := []models.CatalogEntry{
		entry("c1", "organización social"),
		entry("c2", "Organizacion Social"),
		entry("c3", "organisación social"),
		entry("c4", "inundaciones"),
		entry("c5", "Inundaciones"),
		entry("c6", "violencia de género"),
	}

	report, err := scanner.Audit(context.Background(), "p1", catalog, 0.80)
	require.NoError(t, err)
	assert.Equal(t, 6, report.CatalogSize)
	require.Len(t, report.Clusters, 2)
	assert.Len(t, report.Clusters[0].Members, 3)
	assert.Len(t, report.Clusters[1].Members, 2)

	require.Len(t, report.ExactDuplicates, 1)
	assert.ElementsMatch(t, []string{"c4", "c5"}, []string{report.ExactDuplicates[0].A.ID, report.ExactDuplicates[0].B.ID})
}

type slowEngine struct {
	SimilarityEngine
	delay time.Duration
}

func (s slowEngine) Compare(a, b string, threshold float64) Comparison {
	time.Sleep(s.delay)
	return s.SimilarityEngine.Compare(a, b, threshold)
}

func TestScannerReturnsPartialResultsOnTimeout(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	engine := slowEngine{SimilarityEngine: NewHybrid(DefaultHybridConfig()), delay: 5 * time.Millisecond}
	scanner := NewScanner(engine, logger, ScanConfig{Timeout: 20 * time.Millisecond, SlowBudget: time.Millisecond, Workers: 1})

	catalog := make([]models.CatalogEntry, 20)
	for i := range catalog {
		catalog[i] = entry(fmt.Sprintf("c%d", i), fmt.Sprintf("etiqueta %d", i))
	}
	labels := make([]string, 300)
	for i := range labels {
		labels[i] = fmt.Sprintf("propuesta %d", i)
	}

	result, err := scanner.CheckBatch(context.Background(), labels, catalog, 0.9)
	require.NoError(t, err)
	assert.True(t, result.Telemetry.Partial)
	assert.True(t, result.Telemetry.Slow)
	assert.False(t, result.Items[len(labels)-1].Scanned)
}

func TestScannerAuditStopsRowsStartedAfterTimeout(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	engine := slowEngine{SimilarityEngine: NewHybrid(DefaultHybridConfig()), delay: 5 * time.Millisecond}
	scanner := NewScanner(engine, logger, ScanConfig{Timeout: 20 * time.Millisecond, Workers: 1})

	catalog := make([]models.CatalogEntry, 40)
	for i := range catalog {
		catalog[i] = entry(fmt.Sprintf("c%d", i), fmt.Sprintf("etiqueta %d", i))
	}

	report, err := scanner.Audit(context.Background(), "p1", catalog, 0.9)
	require.NoError(t, err)
	assert.True(t, report.Telemetry.Partial)
	// only the first row, which was running when the budget ran out, completes
	done := report.Telemetry.Comparisons + report.Telemetry.SkippedPrefilter
	assert.LessOrEqual(t, done, int64(len(catalog)-1))
}

func TestScannerHonorsCallerCancellation(t *testing.T) {
	scanner := newTestScanner(DefaultScanConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scanner.CheckBatch(ctx, []string{"agua"}, []models.CatalogEntry{entry("c1", "agua")}, 0.9)
	assert.ErrorIs(t, err, context.Canceled)
}
