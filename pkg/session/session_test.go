package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusInactive, StatusAuthenticating, true},
		{StatusInactive, StatusActive, false},
		{StatusAuthenticating, StatusActive, true},
		{StatusAuthenticating, StatusError, true},
		{StatusActive, StatusAuthenticating, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusError, true},
		{StatusActive, StatusInactive, false},
		{StatusExpired, StatusActive, false},
		{StatusExpired, StatusAuthenticating, false},
		{StatusError, StatusAuthenticating, false},
		{StatusError, StatusActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(Account{ID: "a@example.com", Secret: "pw"}, now)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, StatusInactive, s.Status())
	assert.True(t, s.ExpiresAt().IsZero())

	err := s.Activate(Credentials{Token: "t"}, now, time.Hour)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, s.Transition(StatusAuthenticating))
	require.NoError(t, s.Activate(Credentials{Token: "t", RefreshToken: "r"}, now, time.Hour))

	assert.Equal(t, StatusActive, s.Status())
	assert.Equal(t, now.Add(time.Hour), s.ExpiresAt())
	assert.True(t, s.IsUsable(now, 5))

	t.Run("refresh clears expiry until reactivated", func(t *testing.T) {
		require.NoError(t, s.Transition(StatusAuthenticating))
		assert.True(t, s.ExpiresAt().IsZero())
		assert.False(t, s.IsUsable(now, 5))

		require.NoError(t, s.Activate(Credentials{Token: "t2"}, now, time.Hour))
		assert.Equal(t, "r", s.Credentials().RefreshToken, "refresh token carried over")
		assert.Equal(t, "t2", s.View().Token)
	})

	t.Run("error is terminal", func(t *testing.T) {
		require.NoError(t, s.MarkError())
		assert.Equal(t, StatusError, s.Status())
		assert.Equal(t, 1, s.ErrorCount())
		assert.Error(t, s.Transition(StatusAuthenticating))
		assert.True(t, s.ExpiresAt().IsZero())
	})
}

func TestSessionExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := activeSession(t, "a", now, 10*time.Minute)

	assert.False(t, s.IsExpired(now))
	assert.Equal(t, 10*time.Minute, s.TimeUntilExpiry(now))
	assert.Equal(t, 4*time.Minute, s.TimeUntilExpiry(now.Add(6*time.Minute)))

	later := now.Add(10 * time.Minute)
	assert.True(t, s.IsExpired(later))
	assert.False(t, s.IsUsable(later, 5))
	assert.Zero(t, s.TimeUntilExpiry(later))

	require.NoError(t, s.MarkExpired())
	assert.True(t, s.IsExpired(now))
}

func TestSessionErrorCeiling(t *testing.T) {
	now := time.Now()
	s := activeSession(t, "a", now, time.Hour)

	for i := 0; i < 3; i++ {
		s.RecordError()
	}
	assert.True(t, s.IsUsable(now, 3))
	s.RecordError()
	assert.False(t, s.IsUsable(now, 3))
	assert.True(t, s.IsUsable(now, -1), "negative ceiling disables the check")
}

func TestSessionDefaultTTL(t *testing.T) {
	now := time.Now()
	s := New(Account{ID: "a"}, now)
	require.NoError(t, s.Transition(StatusAuthenticating))
	require.NoError(t, s.Activate(Credentials{Token: "t"}, now, 0))

	assert.Equal(t, now.Add(DefaultTTL), s.ExpiresAt())
}

func TestSessionSnapshotAndView(t *testing.T) {
	now := time.Now()
	s := New(Account{ID: "a"}, now)
	require.NoError(t, s.Transition(StatusAuthenticating))
	require.NoError(t, s.Activate(Credentials{Token: "t", Store: map[string]string{"sid": "1"}}, now, time.Hour))
	s.MarkUsed(now)

	view := s.View()
	view.Store["sid"] = "changed"
	assert.Equal(t, "1", s.Credentials().Store["sid"], "view store is a copy")

	info := s.Snapshot()
	assert.Equal(t, "a", info.AccountID)
	assert.Equal(t, 1, info.MessageCount)
	require.NotNil(t, info.LastUsedAt)
	require.NotNil(t, info.ExpiresAt)
}

func TestAccountString(t *testing.T) {
	assert.Equal(t, "a@example.com", Account{ID: "a@example.com", Secret: "pw"}.String())
	assert.Equal(t, "Main (a@example.com)", Account{ID: "a@example.com", DisplayName: "Main"}.String())
	assert.NotContains(t, Account{ID: "x", Secret: "hunter2"}.String(), "hunter2")
}
