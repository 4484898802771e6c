package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/slotpool/internal/config"
	"github.com/harun/slotpool/internal/observability"
	"github.com/harun/slotpool/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Housekeeping runs periodic chores on cron schedules: pruning finished
// job records and rebalancing session load. An empty spec disables a chore.
type Housekeeping struct {
	daemon *Daemon
	cron   *cron.Cron
	logger zerolog.Logger

	pruneID     cron.EntryID
	rebalanceID cron.EntryID
}

// NewHousekeeping parses the configured schedules.
func NewHousekeeping(d *Daemon, cfg config.HousekeepingConfig) (*Housekeeping, error) {
	logger := d.logger.Component("housekeeping")
	adapter := &cronLoggerAdapter{logger: logger}

	h := &Housekeeping{
		daemon: d,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
	}

	if cfg.PruneSchedule != "" {
		id, err := h.cron.AddFunc(cfg.PruneSchedule, func() { h.RunPrune(context.Background()) })
		if err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.PruneSchedule, err)
		}
		h.pruneID = id
	}
	if cfg.RebalanceSchedule != "" {
		id, err := h.cron.AddFunc(cfg.RebalanceSchedule, func() { h.RunRebalance(context.Background()) })
		if err != nil {
			return nil, fmt.Errorf("invalid rebalance schedule %q: %w", cfg.RebalanceSchedule, err)
		}
		h.rebalanceID = id
	}

	return h, nil
}

// Start begins running scheduled chores.
func (h *Housekeeping) Start() {
	h.cron.Start()
	h.logger.Info().Int("jobs", len(h.cron.Entries())).Msg("Housekeeping started")
}

// Stop waits for any running chore to finish.
func (h *Housekeeping) Stop() {
	ctx := h.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		h.logger.Warn().Msg("Timeout waiting for housekeeping to finish")
	}
}

// NextRuns returns the next scheduled time per chore.
func (h *Housekeeping) NextRuns() map[string]time.Time {
	runs := make(map[string]time.Time)
	if h.pruneID != 0 {
		runs["prune"] = h.cron.Entry(h.pruneID).Next
	}
	if h.rebalanceID != 0 {
		runs["rebalance"] = h.cron.Entry(h.rebalanceID).Next
	}
	return runs
}

// RunPrune drops finished job records past the result TTL.
func (h *Housekeeping) RunPrune(ctx context.Context) int {
	ctx = tracing.NewRequestContext(ctx)
	n, err := h.daemon.queue.Prune(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Job record prune failed")
		return 0
	}

	observability.RecordMaintenanceAudit(ctx, "prune", "housekeeping", map[string]interface{}{
		"records": n,
	})
	return n
}

// RunRebalance points the round-robin cursor at the least-used session.
func (h *Housekeeping) RunRebalance(ctx context.Context) string {
	ctx = tracing.NewRequestContext(ctx)
	target := h.daemon.pool.Rebalance()
	if target == "" {
		h.logger.Debug().Msg("Rebalance skipped, no usable sessions")
		return ""
	}

	observability.RecordMaintenanceAudit(ctx, "rebalance", "housekeeping", map[string]interface{}{
		"session_id": target,
	})
	return target
}

// cronLoggerAdapter adapts zerolog.Logger to cron.Logger
type cronLoggerAdapter struct {
	logger zerolog.Logger
}

func (l *cronLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Debug(), msg, keysAndValues...)
}

func (l *cronLoggerAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Error().Err(err), msg, keysAndValues...)
}

func (l *cronLoggerAdapter) log(ev *zerolog.Event, msg string, fields ...interface{}) {
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			ev.Interface(key, fields[i+1])
		}
	}
	ev.Msg(msg)
}
