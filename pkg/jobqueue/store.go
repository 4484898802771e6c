package jobqueue

import (
	"context"
	"time"
)

// Store holds the pending queue and the job records. Implementations must
// be safe for concurrent use.
type Store interface {
	// Push adds an entry to the queue. A zero Seq is replaced with the next
	// insertion sequence.
	Push(ctx context.Context, qj *QueuedJob) error

	// Pop removes the entry with the highest Score, earliest Seq first on
	// ties. It returns nil, nil when the queue is empty.
	Pop(ctx context.Context) (*QueuedJob, error)

	// Remove drops a pending entry and reports whether it was queued.
	Remove(ctx context.Context, id string) (bool, error)

	Len(ctx context.Context) (int, error)

	// Depths counts pending entries per priority.
	Depths(ctx context.Context) (map[Priority]int, error)

	// Save stores the job record.
	Save(ctx context.Context, job *Job) error

	// Load returns a copy of the job record or ErrJobNotFound.
	Load(ctx context.Context, id string) (*Job, error)

	Delete(ctx context.Context, id string) error

	// Prune drops finished records completed before olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// Name identifies the backend in stats.
	Name() string

	Close() error
}
