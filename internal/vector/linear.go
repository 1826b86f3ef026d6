package vector

import "sort"

// DefaultHighConfidence is the early-exit score: once a candidate scores this
// high the scan may stop without evaluating the rest. Purely a performance
// cutoff; it never reorders the results that are returned.
const DefaultHighConfidence = 0.95

// LinearIndex scans every candidate. Acceptable at the target corpus scale
// (hundreds to low thousands of documents).
type LinearIndex struct {
	candidates     []Candidate
	highConfidence float64
}

func NewLinearIndex(candidates []Candidate) *LinearIndex {
	// Evaluation order is recency-first so that a stable sort on score leaves
	// exact ties ranked newer-first, and the early exit prefers fresher results.
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return &LinearIndex{candidates: sorted, highConfidence: DefaultHighConfidence}
}

// WithHighConfidence overrides the early-exit score. Values > 1 disable the
// early exit entirely.
func (x *LinearIndex) WithHighConfidence(score float64) *LinearIndex {
	x.highConfidence = score
	return x
}

func (x *LinearIndex) Search(query []float32, threshold float64, limit int) []Result {
	if len(query) == 0 || limit == 0 {
		return nil
	}
	if limit < 0 {
		limit = len(x.candidates)
	}

	scored := make([]Result, 0, len(x.candidates))
	for _, c := range x.candidates {
		if len(c.Values) != len(query) {
			continue
		}
		score := Cosine(query, c.Values)
		if score < threshold {
			continue
		}
		scored = append(scored, Result{ID: c.ID, Score: score})
		if score >= x.highConfidence {
			break
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
