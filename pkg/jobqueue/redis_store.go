package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRedisPrefix = "slotpool"
	DefaultResultTTL   = 24 * time.Hour

	// seqSpan bounds the sequence component of the composite sorted-set
	// score. Priority scores are quantized to 1/scoreScale steps, so two
	// scores closer than that order by sequence. The product of the two
	// must stay below 2^53 for the composite to be exact.
	seqSpan    = 1e10
	scoreScale = 1e4
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	ResultTTL time.Duration
	PoolSize  int
}

// RedisStore keeps the queue in a sorted set so several processes can
// share it. Keys:
//
//	<prefix>:queue      ZSET  job id -> composite score
//	<prefix>:entries    HASH  job id -> QueuedJob JSON
//	<prefix>:depth      HASH  priority -> pending count
//	<prefix>:seq        STRING insertion sequence
//	<prefix>:job:<id>   STRING job record JSON, expires result TTL after finishing
type RedisStore struct {
	client    redis.UniversalClient
	owned     bool
	prefix    string
	resultTTL time.Duration
}

// popScript atomically takes the highest entry and its payload.
var popScript = redis.NewScript(`
local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then
  return false
end
local entry = redis.call('HGET', KEYS[2], popped[1])
redis.call('HDEL', KEYS[2], popped[1])
if entry then
  local prio = cjson.decode(entry)['job']['priority']
  redis.call('HINCRBY', KEYS[3], prio, -1)
end
return entry
`)

// removeScript atomically drops one pending entry.
var removeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local entry = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if entry then
  local prio = cjson.decode(entry)['job']['priority']
  redis.call('HINCRBY', KEYS[3], prio, -1)
end
return 1
`)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Redis job store connected")

	s := NewRedisStoreFromClient(client, opts.Prefix, opts.ResultTTL)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps
// ownership of it.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, resultTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &RedisStore{client: client, prefix: prefix, resultTTL: resultTTL}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// compositeScore folds the priority score and the insertion sequence into
// one sorted-set score: equal priority scores order by earlier sequence.
// The Redis backend therefore resolves scores to 1e-4, which is 0.6s of
// age penalty; the memory backend compares exact scores.
func compositeScore(score float64, seq int64) float64 {
	q := math.Round(score * scoreScale)
	return q*seqSpan + (seqSpan - 1 - float64(seq%int64(seqSpan)))
}

func (s *RedisStore) Push(ctx context.Context, qj *QueuedJob) error {
	if qj.Seq == 0 {
		seq, err := s.client.Incr(ctx, s.key("seq")).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		qj.Seq = seq
	}

	payload, err := json.Marshal(qj)
	if err != nil {
		return fmt.Errorf("failed to encode queued job: %w", err)
	}

	id := qj.Job.ID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.key("queue"), redis.Z{Score: compositeScore(qj.Score, qj.Seq), Member: id})
		pipe.HSet(ctx, s.key("entries"), id, payload)
		pipe.HIncrBy(ctx, s.key("depth"), string(qj.Job.Priority), 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Pop(ctx context.Context) (*QueuedJob, error) {
	keys := []string{s.key("queue"), s.key("entries"), s.key("depth")}
	raw, err := popScript.Run(ctx, s.client, keys).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	var qj QueuedJob
	if err := json.Unmarshal([]byte(raw), &qj); err != nil {
		return nil, fmt.Errorf("failed to decode queued job: %w", err)
	}
	return &qj, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) (bool, error) {
	keys := []string{s.key("queue"), s.key("entries"), s.key("depth")}
	n, err := removeScript.Run(ctx, s.client, keys, id).Int()
	if err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key("queue")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Depths(ctx context.Context) (map[Priority]int, error) {
	raw, err := s.client.HGetAll(ctx, s.key("depth")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}

	depths := make(map[Priority]int, len(raw))
	for p, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		depths[Priority(p)] = n
	}
	return depths, nil
}

// Save writes the record. Finished records expire after the result TTL.
func (s *RedisStore) Save(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	var ttl time.Duration
	if job.IsTerminal() {
		ttl = s.resultTTL
	}
	if err := s.client.Set(ctx, s.key("job", job.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Job, error) {
	raw, err := s.client.Get(ctx, s.key("job", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key("job", id)).Err()
}

// Prune is a no-op: finished records carry a native expiry.
func (s *RedisStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
