package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHybridSimilarityProperties(t *testing.T) {
	h := NewHybrid(DefaultHybridConfig())
	labels := []string{
		"organización social",
		"Organizacion Social",
		"falta de agua",
		"falta de apoyo",
		"falta agua",
		"inundaciones",
		"de la",
		"",
		"auto-gestión comunitaria",
	}

	for _, a := range labels {
		assert.Equal(t, 1.0, h.Similarity(a, a), "self similarity of %q", a)
		for _, b := range labels {
			ab, ba := h.Similarity(a, b), h.Similarity(b, a)
			assert.Equal(t, ab, ba, "symmetry of %q / %q", a, b)
			assert.GreaterOrEqual(t, ab, 0.0)
			assert.LessOrEqual(t, ab, 1.0)
			assert.Equal(t, h.Compare(a, b, 0.85).Similar, h.Compare(b, a, 0.85).Similar)
		}
	}
}

func TestHybridCompareScenarios(t *testing.T) {
	h := NewHybrid(DefaultHybridConfig())

	t.Run("accent and case variant is a near match but not exact", func(t *testing.T) {
		cmp := h.Compare("Organizacion Social", "organización social", 0.88)
		assert.True(t, cmp.Similar)
		assert.GreaterOrEqual(t, cmp.Score, 0.95)
		assert.False(t, cmp.Exact)
	})

	t.Run("case and spacing variant is exact", func(t *testing.T) {
		cmp := h.Compare("Organización  Social", "organización social", 0.88)
		assert.True(t, cmp.Similar)
		assert.True(t, cmp.Exact)
	})

	t.Run("guardrail rejects pairs without a shared concept", func(t *testing.T) {
		cmp := h.Compare("falta de agua", "falta de apoyo", 0.80)
		assert.False(t, cmp.Similar)
		assert.Equal(t, 0.0, cmp.TokenScore)
	})

	t.Run("guardrail rejects high edit similarity without shared tokens", func(t *testing.T) {
		cmp := h.Compare("la casa", "la cosa", 0.5)
		assert.False(t, cmp.Similar)
		assert.True(t, cmp.SkippedGuardrail)
	})

	t.Run("token overlap relaxes the length prefilter", func(t *testing.T) {
		cmp := h.Compare("falta de agua", "falta agua", 0.88)
		assert.False(t, cmp.SkippedPrefilter)
		assert.True(t, cmp.Similar)
		assert.Equal(t, 1.0, cmp.TokenScore)
	})

	t.Run("prefilter skips unreachable pairs", func(t *testing.T) {
		cmp := h.Compare("agua", "organización comunitaria del barrio", 0.88)
		assert.True(t, cmp.SkippedPrefilter)
		assert.False(t, cmp.Similar)
		assert.Equal(t, 0.0, cmp.EditScore)
	})

	t.Run("typo in a content token still matches", func(t *testing.T) {
		cmp := h.Compare("organizacion social", "organisacion social", 0.88)
		assert.True(t, cmp.Similar)
		assert.False(t, cmp.SkippedGuardrail)
	})
}

func TestScorerLevenshtein(t *testing.T) {
	s := NewScorer()
	tests := []struct {
		a, b     string
		distance int
	}{
		{"", "", 0},
		{"agua", "", 4},
		{"agua", "apoyo", 4},
		{"niño", "nino", 1},
		{"kitten", "sitting", 3},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.distance, s.LevenshteinDistance(tt.a, tt.b))
			assert.Equal(t, tt.distance, s.LevenshteinDistance(tt.b, tt.a))
		})
	}
}

func TestMaxDistance(t *testing.T) {
	assert.Equal(t, 2, MaxDistance(0.8, 10))
	assert.Equal(t, 1, MaxDistance(0.88, 13))
	assert.Equal(t, 0, MaxDistance(1.0, 20))
}

func TestIsExactDuplicate(t *testing.T) {
	assert.True(t, IsExactDuplicate(" Falta  de agua", "falta de AGUA"))
	assert.False(t, IsExactDuplicate("Organizacion Social", "organización social"))
}
