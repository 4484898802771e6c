package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/slotpool/internal/observability"
	"github.com/harun/slotpool/internal/tracing"
	"github.com/harun/slotpool/pkg/events"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxSize = 1000

	// waitPerJob is the rough per-job service time behind AvgWaitEstimate.
	waitPerJob = 30 * time.Second

	tracerName = "slotpool.jobqueue"
)

// Options configures a Queue.
type Options struct {
	MaxSize    int
	RateLimit  int
	RateWindow time.Duration
	ResultTTL  time.Duration
	Events     events.Emitter
	Clock      func() time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	QueueSize       int            `json:"queue_size"`
	ProcessingCount int            `json:"processing_count"`
	MaxQueueSize    int            `json:"max_queue_size"`
	PriorityCounts  map[string]int `json:"priority_counts"`
	AvgWaitEstimate float64        `json:"avg_wait_time_seconds"`
	RateLimit       int            `json:"rate_limit"`
	RateWindow      float64        `json:"rate_window_seconds"`
	// RateLimitRemaining maps each owner seen in the window to its quota left.
	RateLimitRemaining map[string]int `json:"rate_limit_remaining"`
	Backend            string         `json:"backend"`
}

// Queue admits jobs, orders them by priority score and keeps their records.
type Queue struct {
	store   Store
	limiter *RateLimiter
	opts    Options
	events  events.Emitter
	now     func() time.Time

	// admitMu makes the size check and the push one step.
	admitMu sync.Mutex

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a queue on top of store.
func New(store Store, opts Options) *Queue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	var emitter events.Emitter = events.Nop{}
	if opts.Events != nil {
		emitter = opts.Events
	}

	return &Queue{
		store:    store,
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateWindow, opts.Clock),
		opts:     opts,
		events:   emitter,
		now:      opts.Clock,
		inFlight: make(map[string]struct{}),
	}
}

// Store returns the backing store.
func (q *Queue) Store() Store { return q.store }

// Enqueue admits a new job. It fails with *RateLimitExceededError when the
// owner is over its window and *QueueFullError when the queue is at capacity.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "jobqueue.enqueue",
		attribute.String("job_id", job.ID),
		attribute.String("owner_id", job.OwnerID),
		attribute.String("priority", string(job.Priority)))

	if !q.limiter.Allow(job.OwnerID) {
		err := &RateLimitExceededError{
			OwnerID:    job.OwnerID,
			Limit:      q.limiter.Limit(),
			Window:     q.limiter.Window(),
			RetryAfter: q.limiter.RetryAfter(job.OwnerID),
		}
		q.reject(job, err)
		tracing.EndSpan(span, err)
		return err
	}

	err := q.admit(ctx, job, events.JobEnqueued, nil)
	tracing.EndSpan(span, err)
	return err
}

// Requeue re-admits a job that is being retried or was handed back by the
// dispatcher. The owner rate limit does not apply; the size bound does.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	return q.admit(ctx, job, events.JobRequeued, nil)
}

// HandBack returns a dequeued entry that could not start. It keeps the
// entry's score and sequence, so it goes back ahead of equal-score jobs
// admitted after it.
func (q *Queue) HandBack(ctx context.Context, qj *QueuedJob) error {
	return q.admit(ctx, qj.Job, events.JobRequeued, qj)
}

// Submit builds a job and enqueues it, returning its id.
func (q *Queue) Submit(ctx context.Context, ownerID, targetID, content string, priority Priority) (string, error) {
	job := NewJob(ownerID, targetID, content, priority, q.now())
	if err := q.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// admit stores job and queues it. A non-nil place supplies the score,
// sequence and enqueue time of an earlier admission.
func (q *Queue) admit(ctx context.Context, job *Job, eventType string, place *QueuedJob) error {
	q.admitMu.Lock()
	defer q.admitMu.Unlock()

	size, err := q.store.Len(ctx)
	if err != nil {
		return err
	}
	if size >= q.opts.MaxSize {
		err := &QueueFullError{Size: size, MaxSize: q.opts.MaxSize}
		q.reject(job, err)
		return err
	}

	now := q.now()
	job.Status = StatusPending
	job.SessionID = ""
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}

	qj := &QueuedJob{
		Job:        job,
		Score:      Score(job.Priority, job.RetryCount, now.Sub(job.CreatedAt)),
		EnqueuedAt: now,
	}
	if place != nil {
		qj.Score, qj.Seq, qj.EnqueuedAt = place.Score, place.Seq, place.EnqueuedAt
	}
	if err := q.store.Save(ctx, job); err != nil {
		return err
	}
	if err := q.store.Push(ctx, qj); err != nil {
		return err
	}
	q.markDone(job.ID)

	observability.RecordEnqueue(string(job.Priority), size+1)
	q.events.Emit(eventType, map[string]interface{}{
		"job_id":      job.ID,
		"owner_id":    job.OwnerID,
		"priority":    string(job.Priority),
		"retry_count": job.RetryCount,
		"score":       qj.Score,
		"queue_size":  size + 1,
	})
	log.Debug().
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Str("priority", string(job.Priority)).
		Int("retry_count", job.RetryCount).
		Float64("score", qj.Score).
		Int("queue_size", size+1).
		Msg("Job queued")

	return nil
}

func (q *Queue) reject(job *Job, err error) {
	reason := "error"
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		reason = coded.Code()
	}

	observability.RecordEnqueueRejected(reason)
	q.events.Emit(events.JobRejected, map[string]interface{}{
		"job_id":   job.ID,
		"owner_id": job.OwnerID,
		"reason":   reason,
	})
	log.Warn().
		Err(err).
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Msg("Job rejected")
}

// Dequeue removes the highest scoring job. It returns nil, nil when the
// queue is empty and never blocks.
func (q *Queue) Dequeue(ctx context.Context) (*QueuedJob, error) {
	qj, err := q.store.Pop(ctx)
	if err != nil || qj == nil {
		return nil, err
	}

	observability.RecordDispatch(q.now().Sub(qj.EnqueuedAt))
	if size, err := q.store.Len(ctx); err == nil {
		observability.SetQueueDepth(size)
	}
	return qj, nil
}

// Size returns the number of pending jobs.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// Get returns the stored record of a job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Load(ctx, id)
}

// Update stores job and tracks whether it is in flight.
func (q *Queue) Update(ctx context.Context, job *Job) error {
	if job.Status == StatusProcessing {
		q.mu.Lock()
		q.inFlight[job.ID] = struct{}{}
		q.mu.Unlock()
	} else {
		q.markDone(job.ID)
	}
	return q.store.Save(ctx, job)
}

func (q *Queue) markDone(id string) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}

// Result returns the outcome of a finished job, or ErrResultNotReady.
func (q *Queue) Result(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.IsTerminal() {
		return job, ErrResultNotReady
	}
	return job, nil
}

// Cancel removes a pending job from the queue and marks it failed. It
// reports whether the job was pending.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := q.store.Remove(ctx, id)
	if err != nil || !removed {
		return false, err
	}

	job, err := q.store.Load(ctx, id)
	if err != nil {
		return true, nil
	}
	job.MarkFailed("cancelled", "cancelled while pending", q.now())
	if err := q.store.Save(ctx, job); err != nil {
		return true, err
	}

	q.events.Emit(events.JobCancelled, map[string]interface{}{
		"job_id":   id,
		"owner_id": job.OwnerID,
		"state":    string(StatusPending),
	})
	log.Info().Str("job_id", id).Msg("Pending job cancelled")
	return true, nil
}

// RemainingQuota returns how many more jobs owner may submit right now.
func (q *Queue) RemainingQuota(owner string) int {
	return q.limiter.RemainingQuota(owner)
}

// Stats reports depth, in-flight count and per-priority counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	size, err := q.store.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	depths, err := q.store.Depths(ctx)
	if err != nil {
		return Stats{}, err
	}

	counts := make(map[string]int, len(Priorities))
	for _, p := range Priorities {
		counts[string(p)] = depths[p]
	}

	q.mu.Lock()
	processing := len(q.inFlight)
	q.mu.Unlock()

	return Stats{
		QueueSize:          size,
		ProcessingCount:    processing,
		MaxQueueSize:       q.opts.MaxSize,
		PriorityCounts:     counts,
		AvgWaitEstimate:    (time.Duration(size) * waitPerJob).Seconds(),
		RateLimit:          q.limiter.Limit(),
		RateWindow:         q.limiter.Window().Seconds(),
		RateLimitRemaining: q.limiter.Snapshot(),
		Backend:            q.store.Name(),
	}, nil
}

// Prune drops finished records older than the result TTL and forgets
// idle rate-limit windows.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.opts.ResultTTL)
	n, err := q.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune job records: %w", err)
	}
	owners := q.limiter.Cleanup()

	if n > 0 || owners > 0 {
		log.Info().
			Int("records", n).
			Int("owners", owners).
			Msg("Pruned finished jobs")
	}
	return n, nil
}

// Close releases the store.
func (q *Queue) Close() error {
	return q.store.Close()
}
