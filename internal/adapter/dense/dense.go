// Package dense implements nearest-neighbour indexes over fixed-dimension
// vectors using cosine similarity.
package dense

import (
	"fmt"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

const (
	StrategyExact = "exact"
	StrategyLSH   = "lsh"
)

// New builds the index for the named strategy.
func New(strategy string, dimension int, lsh LSHOptions) (port.DenseIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrValidation, dimension)
	}
	switch strategy {
	case "", StrategyExact:
		return NewExactIndex(dimension), nil
	case StrategyLSH:
		return NewLSHIndex(dimension, lsh), nil
	default:
		return nil, fmt.Errorf("%w: unknown dense strategy %q", domain.ErrValidation, strategy)
	}
}
