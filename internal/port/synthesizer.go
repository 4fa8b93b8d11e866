package port

import (
	"context"

	"hybridrag/internal/domain"
)

// Synthesizer turns an assembled query result into an answer that cites the
// chunk ids it relies on.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, result *domain.QueryResult) (domain.Answer, error)
}
