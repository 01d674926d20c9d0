// Package dedup collapses duplicate proposals inside a single submission.
package dedup

import (
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// Group is the representative of one normalized key and the batch
// positions it was built from.
type Group struct {
	Input   models.CandidateInput
	Indices []int
}

// Collapse groups a batch by normalized key and folds every group into one
// representative. Evidence is the union of distinct entries, confidence the
// maximum, and a provenance note records how many entries were folded.
// Groups keep the order of their first member. Inputs whose key is empty
// are passed through untouched so that they fail validation individually.
func Collapse(batch []models.CandidateInput) ([]Group, models.CollapseStats) {
	stats := models.CollapseStats{Received: len(batch)}
	groups := make([]Group, 0, len(batch))
	byKey := make(map[string]int, len(batch))

	for i, in := range batch {
		in.NormalizedKey = normalizers.Normalize(in.Label)
		if in.NormalizedKey == "" {
			groups = append(groups, Group{Input: in, Indices: []int{i}})
			continue
		}
		pos, ok := byKey[in.NormalizedKey]
		if !ok {
			byKey[in.NormalizedKey] = len(groups)
			in.Evidence = distinctEvidence(nil, in.Evidence)
			groups = append(groups, Group{Input: in, Indices: []int{i}})
			continue
		}
		g := &groups[pos]
		g.Indices = append(g.Indices, i)
		fold(&g.Input, in)
	}

	for i := range groups {
		g := &groups[i]
		if n := len(g.Indices); n > 1 {
			stats.GroupsAffected++
			stats.Collapsed += n - 1
			g.Input.SourceDetail = withNote(g.Input.SourceDetail, fmt.Sprintf("%d entries collapsed from batch", n))
		}
	}
	stats.Unique = len(groups)
	return groups, stats
}

func fold(rep *models.CandidateInput, in models.CandidateInput) {
	// an evidence-bearing member decides the source of an ungrounded representative
	if !rep.HasCompleteEvidence() && in.HasCompleteEvidence() {
		rep.Source = in.Source
	}
	rep.Evidence = distinctEvidence(rep.Evidence, in.Evidence)
	rep.Confidence = maxConfidence(rep.Confidence, in.Confidence)
	rep.RequiresSampling = rep.RequiresSampling || in.RequiresSampling
	if rep.Memo == "" {
		rep.Memo = in.Memo
	}
}

func distinctEvidence(existing, incoming []models.EvidenceInput) []models.EvidenceInput {
	seen := make(map[models.EvidenceInput]struct{}, len(existing)+len(incoming))
	out := make([]models.EvidenceInput, 0, len(existing)+len(incoming))
	for _, e := range append(append([]models.EvidenceInput{}, existing...), incoming...) {
		e.FragmentRef = strings.TrimSpace(e.FragmentRef)
		e.Quote = strings.TrimSpace(e.Quote)
		if e.FragmentRef == "" && e.Quote == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func maxConfidence(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	default:
		return a
	}
}

func withNote(detail, note string) string {
	if detail == "" {
		return note
	}
	return detail + "; " + note
}
