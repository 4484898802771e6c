package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/slotpool/internal/config"
	"github.com/harun/slotpool/internal/logger"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/processor"
	"github.com/harun/slotpool/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Logging.AuditFile = filepath.Join(tmpDir, "audit.log")
	cfg.Identity.APIKey = "test-key"
	cfg.Accounts = []config.AccountConfig{
		{ID: "a@example.com", Secret: "pw-a"},
		{ID: "b@example.com", Secret: "pw-b"},
	}
	cfg.Pool.MaxSessions = 2
	cfg.Executor.URL = "http://127.0.0.1:1/unused"
	cfg.Queue.PollInterval = 5
	cfg.Retry.TickInterval = 50
	cfg.Retry.BaseDelay = 1
	cfg.Server.Enabled = false
	return cfg
}

func fakeAuthenticator() session.Authenticator {
	return session.AuthenticatorFunc{
		AuthenticateFn: func(_ context.Context, account session.Account) (session.Credentials, error) {
			return session.Credentials{
				Token:     "token-" + account.ID,
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
	}
}

// stubDeps swaps the authenticator and executor factories for the test.
func stubDeps(t *testing.T, exec processor.Executor) {
	t.Helper()
	origAuth, origExec := newAuthenticator, newExecutor
	newAuthenticator = func(config.IdentityConfig) session.Authenticator { return fakeAuthenticator() }
	newExecutor = func(config.ExecutorConfig) (processor.Executor, error) { return exec, nil }
	t.Cleanup(func() {
		newAuthenticator, newExecutor = origAuth, origExec
	})
}

func succeed() processor.Executor {
	return processor.ExecutorFunc(func(_ context.Context, job *jobqueue.Job, view session.View) (*jobqueue.Result, error) {
		return &jobqueue.Result{Success: true, Content: "done by " + view.AccountID}, nil
	})
}

// createTestDaemon creates a daemon with stubbed collaborators
func createTestDaemon(t *testing.T, cfg *config.Config, exec processor.Executor) (*Daemon, *logger.Logger) {
	t.Helper()
	stubDeps(t, exec)

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d, log
}

func waitForJob(t *testing.T, q *jobqueue.Queue, id string, status jobqueue.Status) *jobqueue.Job {
	t.Helper()
	var job *jobqueue.Job
	require.Eventually(t, func() bool {
		j, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestNew(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t), succeed())

	assert.NotNil(t, d.GetQueue())
	assert.NotNil(t, d.GetPool())
	assert.NotNil(t, d.GetSessionManager())
	assert.NotNil(t, d.GetRetryScheduler())
	assert.NotNil(t, d.GetProcessor())
	assert.NotNil(t, d.GetDispatcher())
	assert.NotNil(t, d.GetEventBus())
	assert.Nil(t, d.GetAPIServer(), "server disabled")
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.NotNil(t, d.housekeeping)
	assert.Equal(t, 2, d.GetPool().MaxSessions())
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Queue.Backend = "kafka"
		stubDeps(t, succeed())
		log, err := logger.New(logger.Config{Level: "info"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown queue backend")
	})

	t.Run("bad schedule", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Housekeeping.PruneSchedule = "whenever"
		stubDeps(t, succeed())
		log, err := logger.New(logger.Config{Level: "info"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid prune schedule")
	})
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t), succeed())

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "already running")

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 2, d.GetPool().ActiveCount())

	require.NoError(t, d.Stop())
	assert.Error(t, d.Stop(), "not running")

	status = d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 0, d.GetPool().ActiveCount(), "sessions closed on stop")
}

func TestDaemonStatus(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t), succeed())

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	defer d.Stop()

	time.Sleep(20 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.False(t, status.StartTime.IsZero())
}

func TestDaemonProcessesJobs(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t), succeed())
	require.NoError(t, d.Start())
	defer d.Stop()

	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := d.GetQueue().Submit(ctx, "owner-1", "target", fmt.Sprintf("msg %d", i), jobqueue.PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		job := waitForJob(t, d.GetQueue(), id, jobqueue.StatusCompleted)
		require.NotNil(t, job.Result)
		assert.Contains(t, job.Result.Content, "done by ")
	}
	assert.EqualValues(t, 5, d.GetDispatcher().Dispatched())
}

func TestDaemonRetriesFailedJob(t *testing.T) {
	var calls atomic.Int32
	flaky := processor.ExecutorFunc(func(context.Context, *jobqueue.Job, session.View) (*jobqueue.Result, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("upstream unavailable")
		}
		return &jobqueue.Result{Success: true}, nil
	})

	d, _ := createTestDaemon(t, testConfig(t), flaky)
	require.NoError(t, d.Start())
	defer d.Stop()

	id, err := d.GetQueue().Submit(context.Background(), "owner-1", "target", "hello", jobqueue.PriorityHigh)
	require.NoError(t, err)

	job := waitForJob(t, d.GetQueue(), id, jobqueue.StatusCompleted)
	assert.Equal(t, 1, job.RetryCount)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDaemonRetryLimitFromConfig(t *testing.T) {
	var calls atomic.Int32
	failing := processor.ExecutorFunc(func(context.Context, *jobqueue.Job, session.View) (*jobqueue.Result, error) {
		calls.Add(1)
		return nil, fmt.Errorf("upstream unavailable")
	})

	cfg := testConfig(t)
	cfg.Retry.MaxRetries = 0
	d, _ := createTestDaemon(t, cfg, failing)
	require.NoError(t, d.Start())
	defer d.Stop()

	id, err := d.GetQueue().Submit(context.Background(), "owner-1", "target", "hello", jobqueue.PriorityHigh)
	require.NoError(t, err)

	job := waitForJob(t, d.GetQueue(), id, jobqueue.StatusFailed)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 0, job.MaxRetries)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, d.GetRetryScheduler().Pending())
}

func TestDaemonServesAPI(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig(t)
	cfg.Server.Enabled = true
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Server.ShutdownTimeout = 1

	d, _ := createTestDaemon(t, cfg, succeed())
	require.NotNil(t, d.GetAPIServer())
	require.NoError(t, d.Start())
	defer d.Stop()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}
