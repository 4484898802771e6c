package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/slotpool/internal/tracing"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultExhaustedBackoff = time.Second
	DefaultShutdownTimeout  = 30 * time.Second
)

// Source is where the dispatcher takes jobs from and hands them back to.
type Source interface {
	Dequeue(ctx context.Context) (*jobqueue.QueuedJob, error)
	HandBack(ctx context.Context, qj *jobqueue.QueuedJob) error
	Update(ctx context.Context, job *jobqueue.Job) error
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	PollInterval time.Duration
	// ExhaustedBackoff pauses dispatching after a job found no session.
	ExhaustedBackoff time.Duration
	ShutdownTimeout  time.Duration
	Clock            func() time.Time
}

// Dispatcher moves jobs from the queue onto free sessions. It never holds
// more jobs than the pool has sessions.
type Dispatcher struct {
	source Source
	proc   *Processor
	pool   *session.Pool
	sem    *semaphore.Weighted
	opts   DispatcherOptions
	now    func() time.Time

	dispatched atomic.Int64
	handedBack atomic.Int64
	inFlight   atomic.Int64

	backoffMu    sync.Mutex
	backoffUntil time.Time

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	jobsWG  sync.WaitGroup
}

// NewDispatcher creates a dispatcher feeding proc from source.
func NewDispatcher(source Source, proc *Processor, pool *session.Pool, opts DispatcherOptions) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ExhaustedBackoff <= 0 {
		opts.ExhaustedBackoff = DefaultExhaustedBackoff
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Dispatcher{
		source: source,
		proc:   proc,
		pool:   pool,
		sem:    semaphore.NewWeighted(int64(pool.MaxSessions())),
		opts:   opts,
		now:    opts.Clock,
	}
}

// DispatchOnce starts queued jobs while active sessions outnumber the jobs
// already running and returns how many it started.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	d.backoffMu.Lock()
	waiting := d.now().Before(d.backoffUntil)
	d.backoffMu.Unlock()
	if waiting {
		return 0
	}

	started := 0
	for int64(d.pool.ActiveCount())-d.inFlight.Load() > 0 {
		if !d.sem.TryAcquire(1) {
			break
		}

		qj, err := d.source.Dequeue(ctx)
		if err != nil {
			d.sem.Release(1)
			log.Error().Err(err).Msg("Failed to dequeue job")
			break
		}
		if qj == nil {
			d.sem.Release(1)
			break
		}

		// Every job runs under its own trace; ids already on ctx fill the rest.
		job := qj.Job
		jobCtx := tracing.MergeContext(
			tracing.NewRequestContext(context.Background()),
			tracing.WithJobID(tracing.WithOwnerID(ctx, job.OwnerID), job.ID))

		d.jobsWG.Add(1)
		d.inFlight.Add(1)
		d.dispatched.Add(1)
		started++
		go d.run(jobCtx, qj)
	}
	return started
}

func (d *Dispatcher) run(ctx context.Context, qj *jobqueue.QueuedJob) {
	defer d.jobsWG.Done()
	defer d.sem.Release(1)
	defer d.inFlight.Add(-1)

	job := qj.Job
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	_, err := d.proc.Process(ctx, job)

	var exhausted *SessionPoolExhaustedError
	if !errors.As(err, &exhausted) {
		return
	}

	d.backoffMu.Lock()
	d.backoffUntil = d.now().Add(d.opts.ExhaustedBackoff)
	d.backoffMu.Unlock()

	job.Status = jobqueue.StatusPending
	if rerr := d.source.HandBack(ctx, qj); rerr != nil {
		job.MarkFailed(exhausted.Code(), fmt.Sprintf("%s; hand-back refused: %v", exhausted.Error(), rerr), d.now())
		if uerr := d.source.Update(ctx, job); uerr != nil {
			logger.Warn().Err(uerr).Msg("Failed to record job state")
		}
		logger.Error().
			Err(rerr).
			Msg("Could not hand job back to the queue")
		return
	}

	d.handedBack.Add(1)
	logger.Debug().
		Int("active_sessions", exhausted.Active).
		Int64("seq", qj.Seq).
		Msg("No free session, job handed back")
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.loopWG.Add(1)
	go d.loop(loopCtx)

	log.Info().
		Dur("poll_interval", d.opts.PollInterval).
		Int("max_concurrency", d.pool.MaxSessions()).
		Dur("job_timeout", d.proc.Timeout()).
		Msg("Dispatcher started")
	return nil
}

// Stop ends the loop and waits for in-flight jobs up to the shutdown timeout.
func (d *Dispatcher) Stop() error {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return fmt.Errorf("dispatcher is not running")
	}
	d.running = false
	d.cancel()
	d.runMu.Unlock()

	d.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		d.jobsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Dispatcher stopped, all in-flight jobs finished")
	case <-time.After(d.opts.ShutdownTimeout):
		inFlight := d.proc.InFlight()
		for _, id := range inFlight {
			d.proc.Cancel(context.Background(), id)
		}
		log.Warn().Int("in_flight", len(inFlight)).Msg("Dispatcher shutdown timeout reached, cancelled remaining jobs")
	}
	return nil
}

// IsRunning reports whether the dispatch loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.running
}

// Dispatched is the number of jobs started since creation.
func (d *Dispatcher) Dispatched() int64 { return d.dispatched.Load() }

// InFlight is the number of dispatched jobs that have not finished.
func (d *Dispatcher) InFlight() int { return int(d.inFlight.Load()) }

// HandedBack is the number of jobs returned to the queue for lack of a session.
func (d *Dispatcher) HandedBack() int64 { return d.handedBack.Load() }

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.loopWG.Done()

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.proc.SweepTimeouts()
			d.DispatchOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}
