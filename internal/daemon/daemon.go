package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/slotpool/internal/config"
	"github.com/harun/slotpool/internal/logger"
	"github.com/harun/slotpool/internal/observability"
	"github.com/harun/slotpool/internal/tracing"
	"github.com/harun/slotpool/pkg/api"
	"github.com/harun/slotpool/pkg/events"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/processor"
	"github.com/harun/slotpool/pkg/retry"
	"github.com/harun/slotpool/pkg/session"
)

// Daemon owns every long-running component of a slotpool process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	bus        *events.Bus
	store      jobqueue.Store
	queue      *jobqueue.Queue
	pool       *session.Pool
	sessionMgr *session.Manager
	retries    *retry.Scheduler
	processor  *processor.Processor
	dispatcher *processor.Dispatcher

	// Services
	hub          *api.Hub
	apiServer    *api.Server
	housekeeping *Housekeeping

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

var newAuthenticator = func(cfg config.IdentityConfig) session.Authenticator {
	return session.NewIdentityAuthenticator(session.IdentityOptions{
		APIKey:      cfg.APIKey,
		IdentityURL: cfg.IdentityURL,
		TokenURL:    cfg.TokenURL,
		Timeout:     config.Seconds(cfg.Timeout),
	})
}

var newExecutor = func(cfg config.ExecutorConfig) (processor.Executor, error) {
	return processor.NewHTTPExecutor(processor.HTTPExecutorOptions{
		URL:     cfg.URL,
		Timeout: config.Seconds(cfg.Timeout),
	})
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("slotpool", 1.0); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
		bus:            events.NewBus(),
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		_ = d.store.Close()
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	store, err := d.openStore()
	if err != nil {
		return err
	}
	d.store = store

	d.queue = jobqueue.New(store, jobqueue.Options{
		MaxSize:    cfg.Queue.MaxSize,
		RateLimit:  cfg.Queue.RateLimit,
		RateWindow: config.Seconds(cfg.Queue.RateWindow),
		ResultTTL:  config.Seconds(cfg.Queue.ResultTTL),
		Events:     d.bus,
	})

	strategy, err := session.ParseStrategy(cfg.Pool.Strategy)
	if err != nil {
		return err
	}
	d.pool = session.NewPool(session.PoolOptions{
		MaxSessions:  cfg.Pool.MaxSessions,
		ErrorCeiling: cfg.Pool.ErrorCeiling,
		Strategy:     strategy,
	})

	accounts := make([]session.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, session.Account{ID: a.ID, Secret: a.Secret, DisplayName: a.DisplayName})
	}
	d.sessionMgr = session.NewManager(d.pool, newAuthenticator(cfg.Identity), session.ManagerOptions{
		Accounts:            accounts,
		RefreshThreshold:    config.Seconds(cfg.Pool.RefreshThreshold),
		MaintenanceInterval: config.Seconds(cfg.Pool.MaintenanceInterval),
		AccountCooldown:     config.Seconds(cfg.Pool.AccountCooldown),
		AuthRate:            cfg.Identity.AuthRate,
		AuthBurst:           cfg.Identity.AuthBurst,
		SessionTTL:          config.Seconds(cfg.Pool.SessionTTL),
		Events:              d.bus,
	})

	retryStrategy, err := retry.ParseStrategy(cfg.Retry.Strategy)
	if err != nil {
		return err
	}
	defaults := retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		Strategy:   retryStrategy,
		BaseDelay:  config.Seconds(cfg.Retry.BaseDelay),
		MaxDelay:   config.Seconds(cfg.Retry.MaxDelay),
		Multiplier: cfg.Retry.Multiplier,
	}
	if err := defaults.Validate(); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	d.retries = retry.NewScheduler(d.queue, retry.Options{
		Default:      defaults,
		TickInterval: config.Millis(cfg.Retry.TickInterval),
		Events:       d.bus,
	})

	executor, err := newExecutor(cfg.Executor)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	d.processor = processor.New(d.pool, executor, d.queue, d.retries, processor.Options{
		Timeout: config.Seconds(cfg.Executor.Timeout),
		Events:  d.bus,
	})
	d.dispatcher = processor.NewDispatcher(d.queue, d.processor, d.pool, processor.DispatcherOptions{
		PollInterval:    config.Millis(cfg.Queue.PollInterval),
		ShutdownTimeout: config.Seconds(cfg.Server.ShutdownTimeout),
	})

	d.logger.Info().
		Str("backend", store.Name()).
		Int("accounts", len(accounts)).
		Int("max_sessions", d.pool.MaxSessions()).
		Str("strategy", string(strategy)).
		Msg("Core modules initialized")

	return nil
}

func (d *Daemon) openStore() (jobqueue.Store, error) {
	switch d.config.Queue.Backend {
	case "", "memory":
		return jobqueue.NewMemoryStore(), nil
	case "redis":
		ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
		defer cancel()
		store, err := jobqueue.NewRedisStore(ctx, jobqueue.RedisOptions{
			Addr:      d.config.Redis.Addr,
			Password:  d.config.Redis.Password,
			DB:        d.config.Redis.DB,
			Prefix:    d.config.Redis.Prefix,
			ResultTTL: config.Seconds(d.config.Queue.ResultTTL),
			PoolSize:  d.config.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", d.config.Queue.Backend)
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log, using stdout")
		}
	}

	d.hub = api.NewHub(d.logger.Component("stream"))
	d.hub.Attach(d.bus)

	if cfg.Server.Enabled {
		server, err := api.NewServer(api.ServerOptions{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			AuthToken:       cfg.Server.AuthToken,
			ShutdownTimeout: config.Seconds(cfg.Server.ShutdownTimeout),
		}, api.Deps{
			Queue:     d.queue,
			Processor: d.processor,
			Retries:   d.retries,
			Pool:      d.pool,
			Manager:   d.sessionMgr,
			Hub:       d.hub,
		}, d.logger.Component("api"))
		if err != nil {
			return fmt.Errorf("failed to create api server: %w", err)
		}
		d.apiServer = server
	}

	housekeeping, err := NewHousekeeping(d, cfg.Housekeeping)
	if err != nil {
		return err
	}
	d.housekeeping = housekeeping

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting slotpool daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Sessions first so the dispatcher finds capacity on its first tick.
	if err := d.sessionMgr.Start(tracing.WithTraceID(d.ctx, traceID)); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	logger.Info().Int("active_sessions", d.pool.ActiveCount()).Msg("Session manager started")

	if err := d.retries.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start retry scheduler: %w", err)
	}

	if err := d.dispatcher.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	d.housekeeping.Start()

	if d.apiServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server failed")
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully, in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping slotpool daemon")

	if d.apiServer != nil {
		if err := d.apiServer.Stop(context.Background()); err != nil {
			logger.Error().Err(err).Msg("Failed to stop api server")
		}
	}

	d.housekeeping.Stop()

	if err := d.dispatcher.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop dispatcher")
	}

	if err := d.retries.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop retry scheduler")
	}
	if pending := d.retries.Stats().Total; pending > 0 {
		logger.Warn().Int("pending_retries", pending).Msg("Pending retries dropped on shutdown")
	}

	if err := d.sessionMgr.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop session manager")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close job queue")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config { return d.config }

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger { return d.logger }

// GetQueue returns the job queue
func (d *Daemon) GetQueue() *jobqueue.Queue { return d.queue }

// GetPool returns the session pool
func (d *Daemon) GetPool() *session.Pool { return d.pool }

// GetSessionManager returns the session lifecycle manager
func (d *Daemon) GetSessionManager() *session.Manager { return d.sessionMgr }

// GetRetryScheduler returns the retry scheduler
func (d *Daemon) GetRetryScheduler() *retry.Scheduler { return d.retries }

// GetProcessor returns the job processor
func (d *Daemon) GetProcessor() *processor.Processor { return d.processor }

// GetDispatcher returns the dispatcher
func (d *Daemon) GetDispatcher() *processor.Dispatcher { return d.dispatcher }

// GetAPIServer returns the API server, nil when disabled
func (d *Daemon) GetAPIServer() *api.Server { return d.apiServer }

// GetEventBus returns the event bus
func (d *Daemon) GetEventBus() *events.Bus { return d.bus }
