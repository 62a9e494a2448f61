package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/scm-audit/internal/apiclient"
	"github.com/cam3ron2/scm-audit/internal/config"
	"github.com/cam3ron2/scm-audit/internal/store"
	"github.com/cam3ron2/scm-audit/internal/upload"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisPingTimeout   = 5 * time.Second
	uploadRetryBackoff = 10 * time.Second
)

// newStore returns the configured snapshot store, or nil when storage is disabled.
// An unreachable Redis falls back to the in-memory store.
//
// The memory store keeps history and run locks for the life of the Runtime.
// It serves processes that embed app.Runtime and run several audits; a single
// CLI invocation gets no comparison or cross-process locking from it.
func newStore(cfg *config.Config, logger *zap.Logger) store.Store {
	if cfg == nil {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "memory":
		return store.NewMemoryStore(cfg.Store.Retention, cfg.Store.MaxHistory)
	case "redis":
		redisStore, err := newRedisStoreFromConfig(cfg)
		if err != nil {
			logger.Warn("failed to initialize redis store; falling back to in-memory store", zap.Error(err))
			return store.NewMemoryStore(cfg.Store.Retention, cfg.Store.MaxHistory)
		}
		return redisStore
	default:
		return nil
	}
}

func newRedisStoreFromConfig(cfg *config.Config) (*store.RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var redisClient redis.UniversalClient
	if strings.EqualFold(cfg.Store.RedisMode, "sentinel") {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Store.RedisMasterSet,
			SentinelAddrs: cfg.Store.RedisSentinelAddrs,
			Password:      cfg.Store.RedisPassword,
			DB:            cfg.Store.RedisDB,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return store.NewRedisStore(redisClient, store.RedisStoreConfig{
		Namespace:  cfg.Store.Namespace,
		Retention:  cfg.Store.Retention,
		MaxHistory: cfg.Store.MaxHistory,
	}), nil
}

// newUploader builds the reporting service client, or returns nil when upload is disabled.
func newUploader(
	cfg *config.Config,
	transport http.RoundTripper,
	sleep func(ctx context.Context, d time.Duration) error,
	logger *zap.Logger,
) (*upload.Client, error) {
	if cfg == nil || !cfg.Upload.Enabled {
		return nil, nil
	}

	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient := &http.Client{
		Timeout:   cfg.HTTP.RequestTimeout,
		Transport: transport,
	}
	requestClient := apiclient.NewClient(
		"upload",
		httpClient,
		upload.NewPolicy(cfg.HTTP.MaxRateLimitRetries, uploadRetryBackoff),
		logger,
	)
	if sleep != nil {
		requestClient.Sleep = sleep
	}

	client, err := upload.NewClient(upload.Config{
		BaseURL:  cfg.Upload.HooksBaseURL(),
		ClientID: cfg.Upload.ClientID,
		APIKey:   cfg.Upload.APIKey,
	}, requestClient, logger)
	if err != nil {
		return nil, fmt.Errorf("create upload client: %w", err)
	}
	return client, nil
}

func auditScope(cfg *config.Config) string {
	organization := cfg.GitHub.OrganizationName
	if cfg.Audit.SCMType == config.SCMTypeBitbucketCloud {
		organization = cfg.Bitbucket.Workspace
	}
	return store.ScopeKey(string(cfg.Audit.SCMType), organization)
}
