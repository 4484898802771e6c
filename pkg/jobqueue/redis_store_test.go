package jobqueue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, redis store tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if err := connectTestRedis(ctx); err != nil {
		fmt.Printf("Failed to connect to redis container: %v\n", err)
		skipIntegration = true
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

func connectTestRedis(ctx context.Context) error {
	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}
	testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	return testRedisClient.Ping(ctx).Err()
}

// getRedis returns the shared client on a flushed database.
func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping redis store test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewRedisStoreFromClient(getRedis(t), "test", time.Hour)
	})
}

func TestRedisStoreFinishedRecordsExpire(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewRedisStoreFromClient(rdb, "test", time.Hour)

	job := &Job{ID: "j1", Status: StatusPending, CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, job))

	ttl, err := rdb.TTL(ctx, "test:job:j1").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "pending records do not expire")

	job.MarkCompleted(&Result{Success: true, Content: "ok"}, time.Now())
	require.NoError(t, s.Save(ctx, job))

	ttl, err = rdb.TTL(ctx, "test:job:j1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	loaded, err := s.Load(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, loaded.Result)
	assert.Equal(t, "ok", loaded.Result.Content)
}

func TestRedisStoreBacksQueue(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	clock := newTestClock()

	q := New(NewRedisStoreFromClient(rdb, "test", time.Hour), Options{Clock: clock.Now})

	low, err := q.Submit(ctx, "owner", "t", "low", PriorityLow)
	require.NoError(t, err)
	urgent, err := q.Submit(ctx, "owner", "t", "urgent", PriorityUrgent)
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, urgent, first.Job.ID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, low, second.Job.ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "redis", stats.Backend)
	assert.Equal(t, 0, stats.QueueSize)
}
