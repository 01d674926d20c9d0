package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func confidence(v float64) *float64 { return &v }

func TestCollapseFoldsIdenticalKeys(t *testing.T) {
	var batch []models.CandidateInput
	for i := 0; i < 5; i++ {
		batch = append(batch, models.CandidateInput{
			Label:      "inundaciones",
			Source:     models.SourceLLM,
			Confidence: confidence(0.5 + float64(i)/10),
			Evidence: []models.EvidenceInput{{
				FragmentRef: fmt.Sprintf("frag-%d", i),
				Quote:       fmt.Sprintf("cita %d", i),
			}},
		})
	}

	groups, stats := Collapse(batch)
	require.Len(t, groups, 1)

	rep := groups[0].Input
	assert.Equal(t, "inundaciones", rep.NormalizedKey)
	assert.Len(t, rep.Evidence, 5)
	require.NotNil(t, rep.Confidence)
	assert.InDelta(t, 0.9, *rep.Confidence, 1e-9)
	assert.Contains(t, rep.SourceDetail, "5 entries collapsed from batch")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, groups[0].Indices)

	assert.Equal(t, models.CollapseStats{Received: 5, Unique: 1, Collapsed: 4, GroupsAffected: 1}, stats)
}

func TestCollapseKeepsDistinctEvidenceOnly(t *testing.T) {
	ev := models.EvidenceInput{FragmentRef: "frag-1", Quote: "el río creció"}
	groups, _ := Collapse([]models.CandidateInput{
		{Label: "Inundaciones", Source: models.SourceLLM, Evidence: []models.EvidenceInput{ev}},
		{Label: "inundaciones ", Source: models.SourceLLM, Evidence: []models.EvidenceInput{ev}},
	})
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Input.Evidence, 1)
}

func TestCollapsePreservesOrderAndSingletons(t *testing.T) {
	groups, stats := Collapse([]models.CandidateInput{
		{Label: "agua", Source: models.SourceManual},
		{Label: "luz", Source: models.SourceManual},
		{Label: "Agua", Source: models.SourceManual},
		{Label: " -- ", Source: models.SourceManual},
	})
	require.Len(t, groups, 3)
	assert.Equal(t, "agua", groups[0].Input.NormalizedKey)
	assert.Equal(t, []int{0, 2}, groups[0].Indices)
	assert.Equal(t, "luz", groups[1].Input.NormalizedKey)
	assert.Empty(t, groups[1].Input.SourceDetail)
	assert.Equal(t, "", groups[2].Input.NormalizedKey)
	assert.Equal(t, 1, stats.Collapsed)
}

func TestCollapsePrefersGroundedSource(t *testing.T) {
	groups, _ := Collapse([]models.CandidateInput{
		{Label: "redes de apoyo", Source: models.SourceStructuralInference},
		{Label: "Redes de apoyo", Source: models.SourceLLM, Evidence: []models.EvidenceInput{{FragmentRef: "f", Quote: "q"}}},
	})
	require.Len(t, groups, 1)
	assert.Equal(t, models.SourceLLM, groups[0].Input.Source)
	assert.True(t, groups[0].Input.HasCompleteEvidence())
}
