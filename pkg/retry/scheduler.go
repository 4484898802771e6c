package retry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/harun/slotpool/internal/observability"
	"github.com/harun/slotpool/pkg/events"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/rs/zerolog/log"
)

const DefaultTickInterval = time.Second

// Requeuer re-admits a job whose delay has elapsed.
type Requeuer interface {
	Requeue(ctx context.Context, job *jobqueue.Job) error
}

// Item is a job waiting for its next attempt.
type Item struct {
	Job         *jobqueue.Job `json:"job"`
	Error       string        `json:"error"`
	Config      Config        `json:"config"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	Delay       time.Duration `json:"delay"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Options configures a Scheduler.
type Options struct {
	Default Config
	// TickInterval is how often due items are promoted. Values above one
	// second are capped.
	TickInterval time.Duration
	Events       events.Emitter
	Clock        func() time.Time
}

// Stats summarises pending retries.
type Stats struct {
	Total       int            `json:"total_retries"`
	Overdue     int            `json:"overdue_retries"`
	RetryCounts map[string]int `json:"retry_counts"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	Scheduled   int64          `json:"scheduled_total"`
	Promoted    int64          `json:"promoted_total"`
	IsRunning   bool           `json:"is_running"`
}

// Scheduler holds failed jobs until their backoff elapses and hands them
// back to the queue.
type Scheduler struct {
	requeuer Requeuer
	opts     Options
	events   events.Emitter
	now      func() time.Time

	mu        sync.Mutex
	items     map[string]*Item
	scheduled int64
	promoted  int64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler that re-admits through requeuer.
func NewScheduler(requeuer Requeuer, opts Options) *Scheduler {
	if opts.Default == (Config{}) {
		opts.Default = DefaultConfig()
	}
	if opts.TickInterval <= 0 || opts.TickInterval > DefaultTickInterval {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	var emitter events.Emitter = events.Nop{}
	if opts.Events != nil {
		emitter = opts.Events
	}

	return &Scheduler{
		requeuer: requeuer,
		opts:     opts,
		events:   emitter,
		now:      opts.Clock,
		items:    make(map[string]*Item),
	}
}

// ConfigFor returns the policy that governs job: its named preset if any,
// otherwise the default. A job's RetryLimit replaces the policy limit.
func (s *Scheduler) ConfigFor(job *jobqueue.Job) Config {
	cfg := s.opts.Default
	if job.RetryPolicy != "" {
		if preset, ok := Preset(job.RetryPolicy); ok {
			cfg = preset
		}
	}
	if job.RetryLimit != nil {
		cfg.MaxRetries = *job.RetryLimit
	}
	return cfg
}

// DefaultConfig returns the configured default policy.
func (s *Scheduler) DefaultConfig() Config { return s.opts.Default }

// Schedule holds job for its next attempt. It returns false when the job
// has used up its retries. A nil cfg selects ConfigFor(job).
func (s *Scheduler) Schedule(job *jobqueue.Job, cause error, cfg *Config) bool {
	effective := s.ConfigFor(job)
	if cfg != nil {
		effective = *cfg
	}

	if job.RetryCount >= effective.MaxRetries {
		log.Warn().
			Str("job_id", job.ID).
			Int("retry_count", job.RetryCount).
			Int("max_retries", effective.MaxRetries).
			Msg("Job has exceeded max retries")
		return false
	}

	now := s.now()
	delay := effective.Delay(job.RetryCount)
	code, msg := describe(cause)

	held := job.Clone()
	held.MaxRetries = effective.MaxRetries
	held.MarkRetrying(code, msg)

	item := &Item{
		Job:         held,
		Error:       msg,
		Config:      effective,
		NextRetryAt: now.Add(delay),
		Delay:       delay,
		CreatedAt:   now,
	}

	s.mu.Lock()
	s.items[job.ID] = item
	s.scheduled++
	pending := len(s.items)
	s.mu.Unlock()

	observability.RecordRetryScheduled(string(effective.Strategy), pending)
	s.events.Emit(events.JobRetrying, map[string]interface{}{
		"job_id":        job.ID,
		"owner_id":      job.OwnerID,
		"retry_count":   job.RetryCount,
		"delay_seconds": delay.Seconds(),
		"next_retry_at": item.NextRetryAt,
		"error":         msg,
	})
	log.Info().
		Str("job_id", job.ID).
		Dur("delay", delay).
		Int("attempt", job.RetryCount+1).
		Int("max_retries", effective.MaxRetries).
		Str("error", msg).
		Msg("Scheduled retry")

	return true
}

// PromoteDue re-admits every item whose delay has elapsed and returns how
// many were handed back. Items the queue refuses are tried again one tick
// later.
func (s *Scheduler) PromoteDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*Item
	for id, item := range s.items {
		if !item.NextRetryAt.After(now) {
			due = append(due, item)
			delete(s.items, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})

	promoted := 0
	for _, item := range due {
		job := item.Job.Clone()
		job.RetryCount++
		job.Status = jobqueue.StatusPending

		if err := s.requeuer.Requeue(ctx, job); err != nil {
			item.NextRetryAt = now.Add(s.opts.TickInterval)
			s.mu.Lock()
			if _, cancelled := s.items[item.Job.ID]; !cancelled {
				s.items[item.Job.ID] = item
			}
			s.mu.Unlock()

			log.Warn().
				Err(err).
				Str("job_id", job.ID).
				Msg("Failed to re-admit retry, will try again")
			continue
		}

		promoted++
		log.Info().
			Str("job_id", job.ID).
			Int("retry_count", job.RetryCount).
			Str("original_error", item.Error).
			Msg("Retry re-admitted")
	}

	if promoted > 0 {
		s.mu.Lock()
		s.promoted += int64(promoted)
		pending := len(s.items)
		s.mu.Unlock()
		for i := 0; i < promoted; i++ {
			observability.RecordRetryPromoted(pending)
		}
	}
	return promoted
}

// Cancel drops a pending retry.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	_, ok := s.items[jobID]
	delete(s.items, jobID)
	s.mu.Unlock()

	if ok {
		s.events.Emit(events.JobCancelled, map[string]interface{}{
			"job_id": jobID,
			"state":  string(jobqueue.StatusRetrying),
		})
		log.Info().Str("job_id", jobID).Msg("Cancelled retry")
	}
	return ok
}

// Get returns a copy of the pending item for jobID.
func (s *Scheduler) Get(jobID string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[jobID]
	if !ok {
		return Item{}, false
	}
	c := *item
	c.Job = item.Job.Clone()
	return c, true
}

// Pending lists pending items ordered by due time.
func (s *Scheduler) Pending() []Item {
	s.mu.Lock()
	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		c := *item
		c.Job = item.Job.Clone()
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	return out
}

// Stats reports pending retries by attempt and how many are overdue.
func (s *Scheduler) Stats() Stats {
	now := s.now()

	s.mu.Lock()
	stats := Stats{
		Total:       len(s.items),
		RetryCounts: make(map[string]int),
		Scheduled:   s.scheduled,
		Promoted:    s.promoted,
	}
	for _, item := range s.items {
		stats.RetryCounts[strconv.Itoa(item.Job.RetryCount)]++
		if !item.NextRetryAt.After(now) {
			stats.Overdue++
		}
		if stats.NextRetryAt == nil || item.NextRetryAt.Before(*stats.NextRetryAt) {
			t := item.NextRetryAt
			stats.NextRetryAt = &t
		}
	}
	s.mu.Unlock()

	stats.IsRunning = s.IsRunning()
	return stats
}

// Start launches the promotion loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return fmt.Errorf("retry scheduler is already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.run(loopCtx)

	log.Info().Dur("tick", s.opts.TickInterval).Msg("Retry scheduler started")
	return nil
}

// Stop ends the promotion loop. Pending items are kept.
func (s *Scheduler) Stop() error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return fmt.Errorf("retry scheduler is not running")
	}
	s.running = false
	s.cancel()
	s.runMu.Unlock()

	s.wg.Wait()
	log.Info().Int("pending", len(s.Pending())).Msg("Retry scheduler stopped")
	return nil
}

// IsRunning reports whether the promotion loop is active.
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.PromoteDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// describe extracts a machine code and message from err. Errors that carry
// a Reason report it instead of their full text.
func describe(err error) (string, string) {
	if err == nil {
		return "processing_failed", "unknown error"
	}
	code := "processing_failed"
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	var reasoned interface{ Reason() string }
	if errors.As(err, &reasoned) {
		return code, reasoned.Reason()
	}
	return code, err.Error()
}
