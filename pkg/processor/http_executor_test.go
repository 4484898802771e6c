package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExecutor(t *testing.T) {
	var got executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jobqueue.Result{
			Success: true,
			Content: "sent",
			Changes: map[string]interface{}{"message_id": "m-1"},
		})
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPExecutorOptions{URL: srv.URL})
	require.NoError(t, err)

	job := jobqueue.NewJob("owner", "target", "hello", jobqueue.PriorityHigh, time.Now())
	result, err := exec.Execute(context.Background(), job, session.View{
		ID:        "sess-1",
		AccountID: "acct-1",
		Token:     "tok-1",
		Store:     map[string]string{"sid": "abc"},
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "sent", result.Content)
	assert.Equal(t, job.ID, got.Job.ID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, "abc", got.Store["sid"])
}

func TestHTTPExecutorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "target unreachable", http.StatusBadGateway)
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPExecutorOptions{URL: srv.URL})
	require.NoError(t, err)

	job := jobqueue.NewJob("owner", "target", "hello", jobqueue.PriorityNormal, time.Now())
	_, err = exec.Execute(context.Background(), job, session.View{ID: "s", Token: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "target unreachable")
}

func TestHTTPExecutorHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPExecutorOptions{URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	job := jobqueue.NewJob("owner", "target", "hello", jobqueue.PriorityNormal, time.Now())
	_, err = exec.Execute(ctx, job, session.View{ID: "s", Token: "t"})
	assert.Error(t, err)
}

func TestNewHTTPExecutorRequiresURL(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPExecutorOptions{})
	assert.Error(t, err)
}
