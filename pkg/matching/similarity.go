// Package matching scores label pairs for near-duplication and scans catalogs
package matching

import (
	"strings"

	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// SimilarityEngine scores two labels for near-duplication.
// Implementations must be symmetric and score identical labels 1.0.
type SimilarityEngine interface {
	Similarity(a, b string) float64
	Compare(a, b string, threshold float64) Comparison
}

// Comparison is the full outcome of comparing two labels against a threshold.
type Comparison struct {
	Score      float64
	EditScore  float64
	TokenScore float64
	// SameKey is true when both labels normalize to the same key.
	SameKey bool
	// Exact is true when the raw labels differ only by case and spacing.
	Exact            bool
	Similar          bool
	SkippedPrefilter bool
	SkippedGuardrail bool
}

// HybridConfig tunes the hybrid strategy.
type HybridConfig struct {
	// FuzzyTokenMinLength is the shortest token that may match another token fuzzily.
	FuzzyTokenMinLength int
	// FuzzyTokenSimilarity is the minimum edit similarity for two tokens to count as shared.
	FuzzyTokenSimilarity float64
}

func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		FuzzyTokenMinLength:  4,
		FuzzyTokenSimilarity: 0.8,
	}
}

// Hybrid takes the higher of edit-distance similarity and content-token
// overlap, and only declares a pair similar when the labels share at least
// one non-stopword token.
type Hybrid struct {
	scorer *Scorer
	config HybridConfig
}

func NewHybrid(config HybridConfig) *Hybrid {
	return &Hybrid{scorer: NewScorer(), config: config}
}

type preparedLabel struct {
	raw     string
	key     string
	runes   int
	tokens  map[string]struct{}
	content map[string]struct{}
}

func prepare(label string) preparedLabel {
	key := normalizers.Normalize(label)
	p := preparedLabel{
		raw:     label,
		key:     key,
		runes:   len([]rune(key)),
		tokens:  map[string]struct{}{},
		content: map[string]struct{}{},
	}
	for _, tok := range normalizers.Tokens(key) {
		p.tokens[tok] = struct{}{}
		if !IsStopword(tok) {
			p.content[tok] = struct{}{}
		}
	}
	return p
}

// Similarity returns the combined score without applying any threshold.
func (h *Hybrid) Similarity(a, b string) float64 {
	pa, pb := prepare(a), prepare(b)
	if pa.key == pb.key {
		return 1.0
	}
	return max(h.scorer.Levenshtein(pa.key, pb.key), h.tokenScore(pa, pb))
}

// Compare scores a pair and decides similarity against threshold. The edit
// distance is skipped when the length difference alone makes the threshold
// unreachable, unless token overlap already reaches it.
func (h *Hybrid) Compare(a, b string, threshold float64) Comparison {
	return h.compare(prepare(a), prepare(b), threshold)
}

func (h *Hybrid) compare(pa, pb preparedLabel, threshold float64) Comparison {
	c := Comparison{Exact: IsExactDuplicate(pa.raw, pb.raw)}
	if pa.key == pb.key {
		c.SameKey = true
		c.Score, c.EditScore, c.TokenScore = 1.0, 1.0, 1.0
		c.Similar = true
		return c
	}

	c.TokenScore = h.tokenScore(pa, pb)

	maxLen := max(pa.runes, pb.runes)
	lengthGap := pa.runes - pb.runes
	if lengthGap < 0 {
		lengthGap = -lengthGap
	}
	if lengthGap > MaxDistance(threshold, maxLen) && c.TokenScore < threshold {
		c.SkippedPrefilter = true
		c.Score = c.TokenScore
		return c
	}

	c.EditScore = h.scorer.Levenshtein(pa.key, pb.key)
	c.Score = max(c.EditScore, c.TokenScore)
	if c.Score < threshold {
		return c
	}
	if !h.sharesContentToken(pa, pb) {
		c.SkippedGuardrail = true
		return c
	}
	c.Similar = true
	return c
}

// tokenScore is the Jaccard overlap of content tokens. Labels made only of
// stopwords fall back to their full token sets.
func (h *Hybrid) tokenScore(pa, pb preparedLabel) float64 {
	if len(pa.content) == 0 && len(pb.content) == 0 {
		return h.scorer.Jaccard(pa.tokens, pb.tokens)
	}
	return h.scorer.Jaccard(pa.content, pb.content)
}

func (h *Hybrid) sharesContentToken(pa, pb preparedLabel) bool {
	for ta := range pa.content {
		if _, ok := pb.content[ta]; ok {
			return true
		}
	}
	for ta := range pa.content {
		for tb := range pb.content {
			if h.tokensMatch(ta, tb) {
				return true
			}
		}
	}
	return false
}

func (h *Hybrid) tokensMatch(a, b string) bool {
	if len([]rune(a)) < h.config.FuzzyTokenMinLength || len([]rune(b)) < h.config.FuzzyTokenMinLength {
		return false
	}
	return h.scorer.Levenshtein(a, b) >= h.config.FuzzyTokenSimilarity
}

// IsExactDuplicate reports labels that differ only in letter case and spacing.
// Accents are significant, so "Organizacion" is not an exact duplicate of "organización".
func IsExactDuplicate(a, b string) bool {
	return strings.EqualFold(CollapseSpace(a), CollapseSpace(b))
}
