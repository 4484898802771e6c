package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusInactive       Status = "inactive"
	StatusAuthenticating Status = "authenticating"
	StatusActive         Status = "active"
	StatusExpired        Status = "expired"
	StatusError          Status = "error"
)

// DefaultTTL applies when the authenticator does not report an expiry.
const DefaultTTL = 24 * time.Hour

var transitions = map[Status][]Status{
	StatusInactive:       {StatusAuthenticating},
	StatusAuthenticating: {StatusActive, StatusError},
	StatusActive:         {StatusAuthenticating, StatusExpired, StatusError},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Credentials is what an Authenticator hands back.
type Credentials struct {
	Token        string
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
	Store        map[string]string
}

// View is the read-only slice of a session an Executor gets to see.
type View struct {
	ID        string
	AccountID string
	Token     string
	Store     map[string]string
}

// Info is a point-in-time snapshot of a session for reporting.
type Info struct {
	ID              string     `json:"session_id"`
	AccountID       string     `json:"account_id"`
	Status          Status     `json:"status"`
	MessageCount    int        `json:"message_count"`
	ErrorCount      int        `json:"error_count"`
	CreatedAt       time.Time  `json:"created_at"`
	AuthenticatedAt *time.Time `json:"authenticated_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	Busy            bool       `json:"busy"`
}

// Session is one authenticated capacity slot bound to a single Account.
type Session struct {
	mu sync.RWMutex

	id      string
	account Account
	status  Status
	creds   Credentials

	messageCount int
	errorCount   int

	createdAt       time.Time
	authenticatedAt time.Time
	expiresAt       time.Time
	lastUsedAt      time.Time
}

// New creates an Inactive session for account.
func New(account Account, now time.Time) *Session {
	return &Session{
		id:        uuid.New().String(),
		account:   account,
		status:    StatusInactive,
		createdAt: now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Account() Account { return s.account }

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageCount
}

func (s *Session) ErrorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorCount
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ExpiresAt is zero unless the session is Active.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Credentials returns a copy of the current credentials.
func (s *Session) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCredentials(s.creds)
}

// View returns what an Executor needs to act as this session.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		ID:        s.id,
		AccountID: s.account.ID,
		Token:     s.creds.Token,
		Store:     copyStore(s.creds.Store),
	}
}

// Transition moves the session to status to.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to Status) error {
	if !CanTransition(s.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.status = to
	if to != StatusActive {
		s.expiresAt = time.Time{}
	}
	return nil
}

// Activate installs creds and moves Authenticating -> Active. A zero expiry
// in creds falls back to now + ttl.
func (s *Session) Activate(creds Credentials, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(StatusActive); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if creds.ExpiresAt.IsZero() {
		creds.ExpiresAt = now.Add(ttl)
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = s.creds.RefreshToken
	}
	s.creds = copyCredentials(creds)
	s.authenticatedAt = now
	s.expiresAt = creds.ExpiresAt
	return nil
}

// MarkError moves the session to Error and counts the failure.
func (s *Session) MarkError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(StatusError); err != nil {
		return err
	}
	s.errorCount++
	return nil
}

// MarkExpired moves an Active session to Expired.
func (s *Session) MarkExpired() error {
	return s.Transition(StatusExpired)
}

// MarkUsed records a completed job.
func (s *Session) MarkUsed(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
	s.lastUsedAt = now
}

// RecordError counts a failure without changing status.
func (s *Session) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
}

// IsExpired reports status Expired, or an Active session past its expiry.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isExpiredLocked(now)
}

func (s *Session) isExpiredLocked(now time.Time) bool {
	if s.status == StatusExpired {
		return true
	}
	return s.status == StatusActive && !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

// IsUsable reports whether the session may be handed a job: Active, not
// expired and with no more than errorCeiling errors. A negative ceiling
// disables the error check.
func (s *Session) IsUsable(now time.Time, errorCeiling int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status != StatusActive || s.isExpiredLocked(now) {
		return false
	}
	return errorCeiling < 0 || s.errorCount <= errorCeiling
}

// TimeUntilExpiry is zero for sessions that are not Active.
func (s *Session) TimeUntilExpiry(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusActive || s.expiresAt.IsZero() {
		return 0
	}
	if d := s.expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Snapshot copies the reportable fields.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:           s.id,
		AccountID:    s.account.ID,
		Status:       s.status,
		MessageCount: s.messageCount,
		ErrorCount:   s.errorCount,
		CreatedAt:    s.createdAt,
	}
	if !s.authenticatedAt.IsZero() {
		t := s.authenticatedAt
		info.AuthenticatedAt = &t
	}
	if !s.expiresAt.IsZero() {
		t := s.expiresAt
		info.ExpiresAt = &t
	}
	if !s.lastUsedAt.IsZero() {
		t := s.lastUsedAt
		info.LastUsedAt = &t
	}
	return info
}

func copyCredentials(c Credentials) Credentials {
	c.Store = copyStore(c.Store)
	return c
}

func copyStore(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
