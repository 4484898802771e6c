package daemon

import (
	"context"
	"time"

	"github.com/harun/slotpool/internal/config"
	"github.com/harun/slotpool/internal/observability"
	"github.com/harun/slotpool/pkg/events"
)

const defaultStatsInterval = 30 * time.Second

// EventLoop reports queue and pool health on a fixed interval
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	interval := config.Seconds(d.config.Housekeeping.StatsInterval)
	if interval <= 0 {
		interval = defaultStatsInterval
	}

	e := &EventLoop{
		daemon:   d,
		interval: interval,
	}
	d.bus.On(events.Wildcard, e.logEvent)
	return e
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks pushes gauges and logs a one-line summary
func (e *EventLoop) processTasks(ctx context.Context) {
	d := e.daemon

	counts := d.pool.Counts()
	observability.SetSessionCounts(counts)

	stats, err := d.queue.Stats(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to read queue stats")
		return
	}
	observability.SetQueueDepth(stats.QueueSize)

	retries := d.retries.Stats()
	proc := d.processor.Stats()

	ev := d.logger.Info()
	if stats.QueueSize == 0 && proc.InFlight == 0 && retries.Total == 0 {
		ev = d.logger.Debug()
	}
	ev.
		Int("queue_size", stats.QueueSize).
		Int("processing", stats.ProcessingCount).
		Int("active_sessions", d.pool.ActiveCount()).
		Int("available_sessions", d.pool.AvailableCount()).
		Int("pending_retries", retries.Total).
		Int("overdue_retries", retries.Overdue).
		Int("in_flight", proc.InFlight).
		Int64("dispatched", d.dispatcher.Dispatched()).
		Int64("handed_back", d.dispatcher.HandedBack()).
		Msg("Pool stats")
}

func (e *EventLoop) logEvent(event events.Event) {
	ev := e.daemon.logger.Debug().Str("event", event.Type)
	for _, key := range []string{"job_id", "session_id", "account"} {
		if v, ok := event.Data[key].(string); ok {
			ev = ev.Str(key, v)
		}
	}
	ev.Msg("Event")
}
