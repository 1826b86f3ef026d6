// Package vector implements in-process similarity search over fixed-dimension
// embeddings. The Index interface is the seam for swapping the brute-force
// linear scan for an approximate-nearest-neighbor backend later; callers only
// depend on Search semantics.
package vector

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Candidate is one stored embedding under consideration.
type Candidate struct {
	ID        uuid.UUID
	Values    []float32
	CreatedAt time.Time
}

// Result is a scored candidate. Results are ordered descending by score; exact
// ties sort the more recently created candidate first.
type Result struct {
	ID    uuid.UUID
	Score float64
}

type Index interface {
	// Search returns candidates scoring >= threshold against query, descending
	// by score, at most limit entries. Candidates whose dimensionality differs
	// from the query are skipped, never an error.
	Search(query []float32, threshold float64, limit int) []Result
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Zero-magnitude
// or mismatched-length inputs score 0; never NaN.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < len(a); i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
