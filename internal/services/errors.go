package services

import "errors"

// Cache-layer failure taxonomy. Everything except ErrGenerationFailed is
// recovered locally by degrading to unconditional generation; the caller only
// ever sees a result or ErrGenerationFailed.
var (
	// ErrStorageUnavailable: hash lookup, similarity scan, or insert could not
	// reach the store.
	ErrStorageUnavailable = errors.New("document store unavailable")

	// ErrEmbeddingUnavailable: embedding capability unreachable or returned a
	// malformed vector.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrGenerationFailed: the generation capability itself failed or timed
	// out. Terminal for the request; nothing is persisted.
	ErrGenerationFailed = errors.New("generation failed")
)
