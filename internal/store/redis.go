package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRevRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) *redis.IntCmd
}

// RedisStoreConfig configures the Redis-backed snapshot store.
type RedisStoreConfig struct {
	Namespace  string
	Retention  time.Duration
	MaxHistory int
}

// RedisStore stores audit snapshots and run locks in Redis.
//
// Keys, under the namespace:
//
//	audit:scopes                  set of scopes with stored runs
//	audit:<scope>:latest          latest snapshot JSON
//	audit:<scope>:history         sorted set of run ids scored by completion unix millis
//	audit:<scope>:run:<run id>    snapshot JSON of one run
//	lock:run:<scope>              run lock
type RedisStore struct {
	client     redisCommander
	closeFn    func() error
	namespace  string
	retention  time.Duration
	maxHistory int
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "scm-audit"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:     client,
		closeFn:    closeFn,
		namespace:  namespace,
		retention:  cfg.Retention,
		maxHistory: cfg.MaxHistory,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// SaveSnapshot writes snapshot as the latest run of its scope and appends it to the history.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) (err error) {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	snapshot, err = normalizeSnapshot(snapshot)
	if err != nil {
		return err
	}
	scope := snapshot.Scope()

	ctx, span := startStoreSpan(ctx, "redis.save_snapshot", scope)
	defer func() { endStoreSpan(span, err) }()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	runKey := s.runKey(scope, snapshot.RunID)
	if err := s.client.Set(ctx, runKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("write run snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.latestKey(scope), payload, 0).Err(); err != nil {
		return fmt.Errorf("write latest snapshot: %w", err)
	}
	if s.retention > 0 {
		expiresAt := snapshot.CompletedAt.Add(s.retention)
		if err := s.client.ExpireAt(ctx, runKey, expiresAt).Err(); err != nil {
			return fmt.Errorf("set run snapshot ttl: %w", err)
		}
		if err := s.client.ExpireAt(ctx, s.latestKey(scope), expiresAt).Err(); err != nil {
			return fmt.Errorf("set latest snapshot ttl: %w", err)
		}
	}

	historyKey := s.historyKey(scope)
	if err := s.client.ZAdd(ctx, historyKey, redis.Z{
		Score:  float64(snapshot.CompletedAt.UnixMilli()),
		Member: snapshot.RunID,
	}).Err(); err != nil {
		return fmt.Errorf("index run snapshot: %w", err)
	}
	if s.maxHistory > 0 {
		if err := s.client.ZRemRangeByRank(ctx, historyKey, 0, int64(-s.maxHistory-1)).Err(); err != nil {
			return fmt.Errorf("trim run history: %w", err)
		}
	}
	if err := s.client.SAdd(ctx, s.scopesKey(), scope).Err(); err != nil {
		return fmt.Errorf("index scope: %w", err)
	}
	return nil
}

// Latest returns the most recent run of scope.
func (s *RedisStore) Latest(ctx context.Context, scope string) (Snapshot, bool, error) {
	if s == nil || s.client == nil {
		return Snapshot{}, false, fmt.Errorf("redis store is not initialized")
	}
	return s.readSnapshot(ctx, s.latestKey(scope))
}

// History returns the runs of scope completed at or after since, newest first.
// Runs whose snapshot already expired are skipped.
func (s *RedisStore) History(ctx context.Context, scope string, since time.Time) (result []Snapshot, err error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis store is not initialized")
	}

	ctx, span := startStoreSpan(ctx, "redis.history", scope)
	defer func() { endStoreSpan(span, err) }()

	runIDs, err := s.client.ZRevRangeByScore(ctx, s.historyKey(scope), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read run history: %w", err)
	}

	result = make([]Snapshot, 0, len(runIDs))
	for _, runID := range runIDs {
		snapshot, ok, err := s.readSnapshot(ctx, s.runKey(scope, runID))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		result = append(result, snapshot)
	}
	return result, nil
}

// AcquireRunLock acquires the run lock of scope for ttl.
func (s *RedisStore) AcquireRunLock(ctx context.Context, scope string, ttl time.Duration, now time.Time) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis store is not initialized")
	}
	if ttl <= 0 {
		return true, nil
	}

	acquired, err := s.client.SetNX(ctx, s.lockKey(scope), now.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return acquired, nil
}

// ReleaseRunLock releases the run lock of scope.
func (s *RedisStore) ReleaseRunLock(ctx context.Context, scope string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := s.client.Del(ctx, s.lockKey(scope)).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// GC trims history entries older than the retention and forgets scopes whose
// latest snapshot has expired.
func (s *RedisStore) GC(ctx context.Context, now time.Time) (err error) {
	if s == nil || s.client == nil {
		return nil
	}

	ctx, span := startStoreSpan(ctx, "redis.gc", "")
	defer func() { endStoreSpan(span, err) }()

	scopes, err := s.client.SMembers(ctx, s.scopesKey()).Result()
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}

	var errs []error
	for _, scope := range scopes {
		if s.retention > 0 {
			cutoff := now.Add(-s.retention).UnixMilli()
			if err := s.client.ZRemRangeByScore(ctx, s.historyKey(scope), "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
				errs = append(errs, fmt.Errorf("trim history of %s: %w", scope, err))
				continue
			}
		}

		exists, err := s.client.Exists(ctx, s.latestKey(scope)).Result()
		if err != nil {
			errs = append(errs, fmt.Errorf("check latest of %s: %w", scope, err))
			continue
		}
		if exists == 0 {
			_ = s.client.SRem(ctx, s.scopesKey(), scope).Err()
		}
	}
	return errors.Join(errs...)
}

func (s *RedisStore) readSnapshot(ctx context.Context, key string) (Snapshot, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", key, err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snapshot, true, nil
}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *RedisStore) scopesKey() string {
	return s.prefixed("audit:scopes")
}

func (s *RedisStore) latestKey(scope string) string {
	return s.prefixed("audit:" + scope + ":latest")
}

func (s *RedisStore) historyKey(scope string) string {
	return s.prefixed("audit:" + scope + ":history")
}

func (s *RedisStore) runKey(scope, runID string) string {
	return s.prefixed("audit:" + scope + ":run:" + runID)
}

func (s *RedisStore) lockKey(scope string) string {
	return s.prefixed("lock:run:" + scope)
}

func startStoreSpan(ctx context.Context, name, scope string) (context.Context, trace.Span) {
	return otel.Tracer("scm-audit/internal/store").Start(
		ctx,
		name,
		trace.WithAttributes(attribute.String("scm.scope", scope)),
	)
}

func endStoreSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
