package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harun/slotpool/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		assert.True(t, hasCommand(GetRootCmd(), "submit"), "submit command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "submit", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "retry-policy")
		assert.Contains(t, out, "priority")
	})

	t.Run("posts job", func(t *testing.T) {
		var got api.SubmitRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/jobs", r.URL.Path)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(api.SubmitResponse{JobID: "job-1", Status: "queued", QueueSize: 1, RemainingQuota: 9})
		}))
		defer srv.Close()

		host, port := splitHostPort(t, srv.Listener.Addr().String())
		useConfig(t, fmt.Sprintf(`{"data_dir": %q, "server": {"enabled": true, "host": %q, "port": %d}}`, t.TempDir(), host, port))

		out, err := execute(t, "submit", "hello", "--target", "t-1", "--priority", "HIGH", "--retry-policy", "aggressive")
		require.NoError(t, err)

		assert.Contains(t, out, "Job ID: job-1")
		assert.Contains(t, out, "Remaining quota: 9")
		assert.Equal(t, "hello", got.Content)
		assert.Equal(t, "t-1", got.TargetID)
		assert.Equal(t, "high", got.Priority)
		assert.Equal(t, "aggressive", got.RetryPolicy)
		assert.Nil(t, got.MaxRetries)
	})

	t.Run("surfaces api errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "rate_limited", Message: "rate limit exceeded"})
		}))
		defer srv.Close()

		host, port := splitHostPort(t, srv.Listener.Addr().String())
		useConfig(t, fmt.Sprintf(`{"data_dir": %q, "server": {"enabled": true, "host": %q, "port": %d}}`, t.TempDir(), host, port))

		_, err := execute(t, "submit", "hello", "--target", "t-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limit exceeded")
	})
}

func TestBuildSubmitRequest(t *testing.T) {
	set := func(target, priority, policy string, maxRetries int) {
		submitOwner, submitTarget, submitPriority, submitRetryPolicy, submitMaxRetries = "me", target, priority, policy, maxRetries
	}
	t.Cleanup(func() { set("", "normal", "", -1) })

	set("", "normal", "", -1)
	_, err := buildSubmitRequest("x")
	assert.ErrorContains(t, err, "--target")

	set("t", "extreme", "", -1)
	_, err = buildSubmitRequest("x")
	assert.ErrorContains(t, err, "unknown priority")

	set("t", "low", "nope", -1)
	_, err = buildSubmitRequest("x")
	assert.ErrorContains(t, err, "unknown retry policy")

	set("t", "", "", 0)
	req, err := buildSubmitRequest("x")
	require.NoError(t, err)
	assert.Equal(t, "normal", req.Priority)
	require.NotNil(t, req.MaxRetries)
	assert.Equal(t, 0, *req.MaxRetries)
}
