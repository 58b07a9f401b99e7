package types

import (
	"errors"
	"fmt"
)

// Error taxonomy for the retrieval/answer engine. Handlers map these onto
// HTTP statuses; everything else surfaces as an internal error.
var (
	// ErrInvalidInput signals a bad query or an out-of-range limit.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmbeddingUnavailable signals that the embedding model could not be
	// reached or returned no vector.
	ErrEmbeddingUnavailable = errors.New("embedding model unavailable")

	// ErrRetrieval signals a search backend failure.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrNoContext signals that fusion produced nothing to pack.
	ErrNoContext = errors.New("no context available")

	// ErrGenerationTimeout signals that the model call exceeded its deadline.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrGeneration signals a transport or model failure during generation.
	ErrGeneration = errors.New("generation failed")

	// ErrCancelled signals a client-initiated abort. It is a distinct
	// terminal status, not treated as an error for user-facing logging.
	ErrCancelled = errors.New("request cancelled")
)

// InvalidInputf wraps ErrInvalidInput with a human-readable detail.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
