package processor

import (
	"context"

	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/session"
)

// Executor performs a job as the given session. Implementations should
// return promptly when ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, job *jobqueue.Job, view session.View) (*jobqueue.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *jobqueue.Job, view session.View) (*jobqueue.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *jobqueue.Job, view session.View) (*jobqueue.Result, error) {
	return f(ctx, job, view)
}
