package workers

import (
	"context"

	"github.com/obango/obango/internal/domain"
)

const NoopWorkerName = "noop"

// Noop always completes. Useful for smoke-testing the engine end to end
// without a side effect: insert one, watch it reach the completed state.
func Noop(_ context.Context, _ *domain.Job) domain.Outcome {
	return domain.Complete()
}
