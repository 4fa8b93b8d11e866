package domain

import (
	"errors"
	"fmt"
)

// Errors returned by the retrieval engine. Callers match them with
// errors.Is; the more specific errors wrap their category.
var (
	// ErrValidation indicates malformed input rejected before any effect.
	ErrValidation = errors.New("validation error")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// index dimension.
	ErrDimensionMismatch = fmt.Errorf("%w: dimension mismatch", ErrValidation)

	// ErrInvalidTopK indicates a top_k below one.
	ErrInvalidTopK = fmt.Errorf("%w: top_k must be at least 1", ErrValidation)

	// ErrInvalidRRFK indicates a non-positive fusion constant.
	ErrInvalidRRFK = fmt.Errorf("%w: k_rrf must be positive", ErrValidation)

	// ErrNotFound indicates a requested chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmptyIndex indicates a query against a store that never held a chunk.
	ErrEmptyIndex = fmt.Errorf("%w: index is empty", ErrNotFound)

	// ErrConsistency indicates divergence between the chunk store and an index.
	// It is repaired locally and never returned from a query.
	ErrConsistency = errors.New("consistency error")

	// ErrTimeout indicates a retrieval path exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrStorage indicates the durable backend failed or is unavailable.
	ErrStorage = errors.New("storage unavailable")

	// ErrQueryFailed indicates every retrieval path failed.
	ErrQueryFailed = errors.New("query failed")
)
