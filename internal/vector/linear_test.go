package vector

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{
			name: "identical_unit_vectors",
			a:    []float32{1, 0, 0},
			b:    []float32{1, 0, 0},
			want: 1,
		},
		{
			name: "opposite_vectors",
			a:    []float32{1, 0},
			b:    []float32{-1, 0},
			want: -1,
		},
		{
			name: "orthogonal",
			a:    []float32{1, 0},
			b:    []float32{0, 1},
			want: 0,
		},
		{
			name: "zero_vector_scores_zero",
			a:    []float32{1, 2, 3},
			b:    []float32{0, 0, 0},
			want: 0,
		},
		{
			name: "length_mismatch_scores_zero",
			a:    []float32{1, 2, 3},
			b:    []float32{1, 2},
			want: 0,
		},
		{
			name: "empty_scores_zero",
			a:    nil,
			b:    []float32{1, 2},
			want: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Cosine(tc.a, tc.b)
			if math.IsNaN(got) {
				t.Fatalf("Cosine(%v, %v) = NaN", tc.a, tc.b)
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("Cosine(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestCosineBounds(t *testing.T) {
	vecs := [][]float32{
		{1, 2, 3},
		{-4, 0.5, 2},
		{0.001, -0.002, 0.003},
		{100, 200, -300},
	}
	for _, a := range vecs {
		for _, b := range vecs {
			got := Cosine(a, b)
			if got < -1-1e-9 || got > 1+1e-9 {
				t.Fatalf("Cosine(%v, %v) = %v out of [-1, 1]", a, b, got)
			}
		}
		if self := Cosine(a, a); math.Abs(self-1) > 1e-6 {
			t.Fatalf("Cosine(v, v) = %v, want 1", self)
		}
	}
}

func candidate(values []float32, age time.Duration) Candidate {
	return Candidate{
		ID:        uuid.New(),
		Values:    values,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestSearchThresholdExclusion(t *testing.T) {
	idx := NewLinearIndex([]Candidate{
		candidate([]float32{1, 0}, time.Hour),
		candidate([]float32{0, 1}, time.Hour),
		candidate([]float32{0.7, 0.7}, time.Hour),
	}).WithHighConfidence(2)
	results := idx.Search([]float32{1, 0}, 0.5, 10)
	for _, r := range results {
		if r.Score < 0.5 {
			t.Fatalf("result below threshold: %v", r.Score)
		}
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results >= 0.5, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Fatalf("results not descending: %v", results)
		}
	}
}

func TestSearchSkipsDimensionMismatch(t *testing.T) {
	mismatched := candidate([]float32{1, 0, 0}, time.Hour)
	matched := candidate([]float32{1, 0}, time.Hour)
	idx := NewLinearIndex([]Candidate{mismatched, matched})

	results := idx.Search([]float32{1, 0}, 0.0, 10)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != matched.ID {
		t.Fatalf("mismatched-dimension candidate leaked into results")
	}
}

func TestSearchTieBreaksOnRecency(t *testing.T) {
	older := candidate([]float32{1, 0}, 2*time.Hour)
	newer := candidate([]float32{1, 0}, time.Minute)
	// insertion order deliberately oldest-first
	idx := NewLinearIndex([]Candidate{older, newer}).WithHighConfidence(2)

	results := idx.Search([]float32{1, 0}, 0.9, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != newer.ID {
		t.Fatalf("exact tie should rank the newer record first")
	}
}

func TestSearchEarlyExitStopsScan(t *testing.T) {
	// the newest candidate clears the high-confidence bar, so the older,
	// even-better candidate is never evaluated
	newest := candidate([]float32{0.96, float32(math.Sqrt(1 - 0.96*0.96))}, time.Minute)
	older := candidate([]float32{1, 0}, time.Hour)
	idx := NewLinearIndex([]Candidate{older, newest})

	results := idx.Search([]float32{1, 0}, 0.5, 10)
	if len(results) != 1 {
		t.Fatalf("expected early exit to return 1 result, got %d", len(results))
	}
	if results[0].ID != newest.ID {
		t.Fatalf("early exit should rank the triggering candidate first")
	}

	// with the early exit disabled the full scan sees both, best first
	full := NewLinearIndex([]Candidate{older, newest}).WithHighConfidence(2)
	results = full.Search([]float32{1, 0}, 0.5, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 results without early exit, got %d", len(results))
	}
	if results[0].ID != older.ID {
		t.Fatalf("full scan should rank the higher score first")
	}
}

func TestSearchLimit(t *testing.T) {
	idx := NewLinearIndex([]Candidate{
		candidate([]float32{1, 0}, time.Hour),
		candidate([]float32{0.9, 0.1}, time.Hour),
		candidate([]float32{0.8, 0.2}, time.Hour),
	}).WithHighConfidence(2)

	results := idx.Search([]float32{1, 0}, 0.0, 2)
	if len(results) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(results))
	}
	if results := idx.Search([]float32{1, 0}, 0.0, 0); results != nil {
		t.Fatalf("limit 0 should return nothing")
	}
}
