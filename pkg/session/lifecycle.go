package session

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
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultRefreshThreshold    = 5 * time.Minute
	DefaultMaintenanceInterval = 60 * time.Second
	DefaultAccountCooldown     = 5 * time.Minute
	DefaultAuthRate            = 2.0

	tracerName = "slotpool.session"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Accounts            []Account
	RefreshThreshold    time.Duration
	MaintenanceInterval time.Duration
	// AccountCooldown keeps an account that just failed to authenticate
	// out of backfill for this long.
	AccountCooldown time.Duration
	// AuthRate and AuthBurst throttle calls to the Authenticator.
	AuthRate   float64
	AuthBurst  int
	SessionTTL time.Duration
	Events     events.Emitter
	Clock      func() time.Time
}

// MaintenanceReport is the outcome of one maintenance pass.
type MaintenanceReport struct {
	Expired        int `json:"expired"`
	Refreshed      int `json:"refreshed"`
	RefreshFailed  int `json:"refresh_failed"`
	Evicted        int `json:"evicted"`
	Created        int `json:"created"`
	PresenceFailed int `json:"presence_failed"`
}

// Manager creates, authenticates, refreshes and retires the sessions in a Pool.
type Manager struct {
	pool    *Pool
	auth    Authenticator
	opts    ManagerOptions
	limiter *rate.Limiter
	events  events.Emitter
	now     func() time.Time

	mu       sync.Mutex
	pending  map[string]bool
	failedAt map[string]time.Time

	// maintMu serialises maintenance passes.
	maintMu sync.Mutex

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager for pool backed by auth.
func NewManager(pool *Pool, auth Authenticator, opts ManagerOptions) *Manager {
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = DefaultRefreshThreshold
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if opts.AccountCooldown <= 0 {
		opts.AccountCooldown = DefaultAccountCooldown
	}
	if opts.AuthRate <= 0 {
		opts.AuthRate = DefaultAuthRate
	}
	if opts.AuthBurst <= 0 {
		opts.AuthBurst = pool.MaxSessions()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = pool.now
	}
	var emitter events.Emitter = events.Nop{}
	if opts.Events != nil {
		emitter = opts.Events
	}

	return &Manager{
		pool:     pool,
		auth:     auth,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.AuthRate), opts.AuthBurst),
		events:   emitter,
		now:      opts.Clock,
		pending:  make(map[string]bool),
		failedAt: make(map[string]time.Time),
	}
}

// Pool returns the managed pool.
func (m *Manager) Pool() *Pool { return m.pool }

// Start authenticates the configured accounts and launches the maintenance
// loop. Accounts that fail to authenticate are logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return fmt.Errorf("session manager is already running")
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.runMu.Unlock()

	created := m.initialize(ctx)

	log.Info().
		Int("active", created).
		Int("accounts", len(m.opts.Accounts)).
		Int("max_sessions", m.pool.MaxSessions()).
		Dur("maintenance_interval", m.opts.MaintenanceInterval).
		Msg("Session manager started")

	if created == 0 && len(m.opts.Accounts) > 0 {
		log.Warn().Msg("No session could be authenticated, starting with zero capacity")
	}

	m.wg.Add(1)
	go m.run(loopCtx)

	return nil
}

func (m *Manager) initialize(ctx context.Context) int {
	accounts := m.opts.Accounts
	if len(accounts) > m.pool.MaxSessions() {
		accounts = accounts[:m.pool.MaxSessions()]
	}

	var (
		mu      sync.Mutex
		created int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.pool.MaxSessions())
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			if _, err := m.createAndAdd(gctx, account); err != nil {
				log.Warn().
					Err(err).
					Str("account", account.ID).
					Msg("Failed to initialize session for account")
				return nil
			}
			mu.Lock()
			created++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return created
}

// Stop ends the maintenance loop and empties the pool.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return fmt.Errorf("session manager is not running")
	}
	m.running = false
	m.cancel()
	m.runMu.Unlock()

	m.wg.Wait()
	closed := m.pool.CloseAll()

	log.Info().Int("closed", closed).Msg("Session manager stopped")
	return nil
}

// IsRunning reports whether the maintenance loop is active.
func (m *Manager) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunMaintenance(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CreateAndAuthenticate builds a session for account and signs it in. On
// failure the returned session is in Error and err is an *AuthenticationError.
func (m *Manager) CreateAndAuthenticate(ctx context.Context, account Account) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.authenticate",
		attribute.String("account", account.ID))

	s := New(account, m.now())
	if err := s.Transition(StatusAuthenticating); err != nil {
		tracing.EndSpan(span, err)
		return s, err
	}

	if err := m.limiter.Wait(ctx); err != nil {
		_ = s.MarkError()
		authErr := &AuthenticationError{AccountID: account.ID, Op: "authenticate", Err: err}
		tracing.EndSpan(span, authErr)
		return s, authErr
	}

	start := time.Now()
	creds, err := m.auth.Authenticate(ctx, account)
	observability.RecordAuth("authenticate", time.Since(start), err == nil)
	if err != nil {
		_ = s.MarkError()
		m.markFailed(account.ID)
		authErr := asAuthError(err, account.ID, "authenticate")
		tracing.EndSpan(span, authErr)
		return s, authErr
	}

	if err := s.Activate(creds, m.now(), m.opts.SessionTTL); err != nil {
		tracing.EndSpan(span, err)
		return s, err
	}
	tracing.EndSpan(span, nil)

	log.Info().
		Str("session_id", s.ID()).
		Str("account", account.ID).
		Time("expires_at", s.ExpiresAt()).
		Msg("Session authenticated")

	return s, nil
}

func (m *Manager) createAndAdd(ctx context.Context, account Account) (*Session, error) {
	if !m.claim(account.ID) {
		return nil, fmt.Errorf("account %s is already being authenticated", account.ID)
	}
	defer m.unclaim(account.ID)

	s, err := m.CreateAndAuthenticate(ctx, account)
	if err != nil {
		return nil, err
	}
	if err := m.pool.Add(s); err != nil {
		return nil, err
	}

	m.events.Emit(events.SessionActive, map[string]interface{}{
		"session_id": s.ID(),
		"account_id": account.ID,
	})
	observability.SetSessionCounts(m.pool.Counts())
	return s, nil
}

// Refresh re-authenticates s in place. On failure s is left in Error and
// the caller is expected to evict it. A failed refresh of credentials that
// already lapsed comes back as *SessionExpiredError.
func (m *Manager) Refresh(ctx context.Context, s *Session) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.refresh",
		attribute.String("session_id", s.ID()))

	creds := s.Credentials()
	expiresAt := s.ExpiresAt()
	lapsed := !expiresAt.IsZero() && !expiresAt.After(m.now())
	if err := s.Transition(StatusAuthenticating); err != nil {
		tracing.EndSpan(span, err)
		return err
	}

	if err := m.limiter.Wait(ctx); err != nil {
		_ = s.MarkError()
		tracing.EndSpan(span, err)
		return &AuthenticationError{AccountID: s.Account().ID, Op: "refresh", Err: err}
	}

	start := time.Now()
	fresh, err := m.auth.Refresh(ctx, creds)
	observability.RecordAuth("refresh", time.Since(start), err == nil)
	if err != nil {
		_ = s.MarkError()
		m.markFailed(s.Account().ID)
		authErr := asAuthError(err, s.Account().ID, "refresh")
		if lapsed {
			expired := &SessionExpiredError{SessionID: s.ID(), Err: authErr}
			tracing.EndSpan(span, expired)
			return expired
		}
		tracing.EndSpan(span, authErr)
		return authErr
	}

	if err := s.Activate(fresh, m.now(), m.opts.SessionTTL); err != nil {
		tracing.EndSpan(span, err)
		return err
	}
	tracing.EndSpan(span, nil)

	m.events.Emit(events.SessionRefresh, map[string]interface{}{
		"session_id": s.ID(),
		"expires_at": s.ExpiresAt(),
	})
	log.Info().
		Str("session_id", s.ID()).
		Time("expires_at", s.ExpiresAt()).
		Msg("Session refreshed")

	return nil
}

// EnsureCapacity creates an emergency session from a spare account when
// the pool has room. It returns nil, nil when there is nothing to do.
func (m *Manager) EnsureCapacity(ctx context.Context) (*Session, error) {
	if m.pool.Len() >= m.pool.MaxSessions() {
		return nil, nil
	}

	account, ok := m.spareAccount()
	if !ok {
		return nil, nil
	}

	s, err := m.createAndAdd(ctx, account)
	if err != nil {
		log.Warn().
			Err(err).
			Str("account", account.ID).
			Msg("Failed to create emergency session")
		return nil, err
	}

	m.events.Emit(events.SessionCreated, map[string]interface{}{
		"session_id": s.ID(),
		"account_id": account.ID,
	})
	log.Info().
		Str("session_id", s.ID()).
		Str("account", account.ID).
		Msg("Emergency session created")

	return s, nil
}

// spareAccount returns the first account with no active session that is
// neither mid-authentication nor cooling down after a failure.
func (m *Manager) spareAccount() (Account, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, account := range m.opts.Accounts {
		if m.pending[account.ID] {
			continue
		}
		if at, failed := m.failedAt[account.ID]; failed && now.Sub(at) < m.opts.AccountCooldown {
			continue
		}
		if _, active := m.pool.GetByAccount(account.ID); active {
			continue
		}
		return account, true
	}
	return Account{}, false
}

func (m *Manager) claim(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[accountID] {
		return false
	}
	m.pending[accountID] = true
	return true
}

func (m *Manager) unclaim(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, accountID)
}

func (m *Manager) markFailed(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedAt[accountID] = m.now()
}

// Evict removes s from the pool and records why.
func (m *Manager) Evict(ctx context.Context, s *Session, reason string) bool {
	if !m.pool.Remove(s.ID()) {
		return false
	}

	observability.RecordEviction(reason)
	observability.RecordSessionAudit(ctx, "session_evicted", s.ID(), "success", map[string]interface{}{
		"account_id": s.Account().ID,
		"reason":     reason,
	})
	m.events.Emit(events.SessionEvicted, map[string]interface{}{
		"session_id": s.ID(),
		"account_id": s.Account().ID,
		"reason":     reason,
	})
	log.Warn().
		Str("session_id", s.ID()).
		Str("account", s.Account().ID).
		Str("reason", reason).
		Msg("Session evicted")

	return true
}

// RunMaintenance performs one maintenance pass: drop expired sessions,
// refresh those close to expiry, evict failures, keep healthy sessions
// alive and backfill free slots from spare accounts.
func (m *Manager) RunMaintenance(ctx context.Context) MaintenanceReport {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	var report MaintenanceReport

	for _, s := range m.pool.cleanupExpired() {
		report.Expired++
		observability.RecordEviction("expired")
		m.events.Emit(events.SessionEvicted, map[string]interface{}{
			"session_id": s.ID(),
			"account_id": s.Account().ID,
			"reason":     "expired",
		})
	}
	if report.Expired > 0 {
		log.Info().Int("count", report.Expired).Msg("Cleaned up expired sessions")
	}

	now := m.now()
	for _, s := range m.pool.Sessions() {
		if ctx.Err() != nil {
			return report
		}

		switch {
		case s.Status() == StatusError:
			if m.Evict(ctx, s, "error") {
				report.Evicted++
			}

		case s.Status() == StatusActive && s.ErrorCount() > m.pool.errorCeiling && m.pool.errorCeiling >= 0:
			if m.Evict(ctx, s, "error_budget") {
				report.Evicted++
			}

		case s.Status() == StatusActive && s.TimeUntilExpiry(now) < m.opts.RefreshThreshold:
			if err := m.Refresh(ctx, s); err != nil {
				report.RefreshFailed++
				log.Warn().
					Err(err).
					Str("session_id", s.ID()).
					Msg("Session refresh failed")
				reason := "refresh_failed"
				var expired *SessionExpiredError
				if errors.As(err, &expired) {
					reason = "expired"
				}
				if m.Evict(ctx, s, reason) {
					report.Evicted++
				}
				if created, _ := m.EnsureCapacity(ctx); created != nil {
					report.Created++
				}
				continue
			}
			report.Refreshed++

		case s.IsUsable(now, m.pool.errorCeiling):
			if err := m.MaintainPresence(ctx, s); err != nil {
				report.PresenceFailed++
			}
		}
	}

	for i := 0; i < m.pool.MaxSessions(); i++ {
		created, err := m.EnsureCapacity(ctx)
		if err != nil || created == nil {
			break
		}
		report.Created++
	}

	observability.RecordMaintenanceRun()
	observability.SetSessionCounts(m.pool.Counts())
	m.events.Emit(events.MaintenanceDone, map[string]interface{}{
		"expired":        report.Expired,
		"refreshed":      report.Refreshed,
		"refresh_failed": report.RefreshFailed,
		"evicted":        report.Evicted,
		"created":        report.Created,
	})

	log.Debug().
		Int("expired", report.Expired).
		Int("refreshed", report.Refreshed).
		Int("evicted", report.Evicted).
		Int("created", report.Created).
		Int("pool_size", m.pool.Len()).
		Msg("Session maintenance completed")

	return report
}

// MaintainPresence is a lightweight keep-alive. Failures are logged and
// returned but never evict the session.
func (m *Manager) MaintainPresence(ctx context.Context, s *Session) error {
	pinger, ok := m.auth.(Pinger)
	if !ok {
		return nil
	}

	if err := pinger.Ping(ctx, s.Credentials()); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", s.ID()).
			Msg("Failed to maintain presence")
		return err
	}

	log.Debug().Str("session_id", s.ID()).Msg("Presence maintained")
	return nil
}

// HealthCheckAll classifies every session and, when the authenticator
// supports it, pings the healthy ones. A failed ping counts against the
// session's error budget.
func (m *Manager) HealthCheckAll(ctx context.Context) HealthCheckResult {
	res := m.pool.HealthCheckAll()

	if _, ok := m.auth.(Pinger); !ok {
		return res
	}

	healthy := res.Healthy[:0:0]
	for _, info := range res.Healthy {
		s, found := m.pool.Get(info.ID)
		if !found {
			continue
		}
		if err := m.MaintainPresence(ctx, s); err != nil {
			s.RecordError()
			res.Unhealthy = append(res.Unhealthy, s.Snapshot())
			continue
		}
		healthy = append(healthy, info)
	}
	res.Healthy = healthy
	res.HealthyCount = len(res.Healthy)
	res.UnhealthyCount = len(res.Unhealthy)
	res.TotalChecked = res.HealthyCount + res.UnhealthyCount
	return res
}

func asAuthError(err error, accountID, op string) *AuthenticationError {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		if authErr.AccountID == "" {
			authErr.AccountID = accountID
		}
		return authErr
	}
	return &AuthenticationError{AccountID: accountID, Op: op, Err: err}
}
