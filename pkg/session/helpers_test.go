package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func activeSession(t *testing.T, accountID string, now time.Time, ttl time.Duration) *Session {
	t.Helper()

	s := New(Account{ID: accountID, Secret: "pw"}, now)
	require.NoError(t, s.Transition(StatusAuthenticating))
	require.NoError(t, s.Activate(Credentials{
		Token:        "tok-" + accountID,
		RefreshToken: "refresh-" + accountID,
		ExpiresAt:    now.Add(ttl),
	}, now, ttl))
	return s
}
