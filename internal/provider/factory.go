package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/scm-audit/internal/apiclient"
	"github.com/cam3ron2/scm-audit/internal/bitbucketapi"
	"github.com/cam3ron2/scm-audit/internal/config"
	"github.com/cam3ron2/scm-audit/internal/githubapi"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options carries what New needs to build a provider and its API client.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
	// Transport replaces http.DefaultTransport under the auth transport.
	Transport http.RoundTripper
	// Sleep replaces the rate-limit backoff sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New builds the provider for scmType. The lookback window is fixed here, once per run.
func New(scmType config.SCMType, opts Options) (Provider, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	cfg := opts.Config
	window := apiclient.NewWindow(cfg.Audit.Days, now())

	switch config.ParseSCMType(string(scmType)) {
	case config.SCMTypeGitHub:
		httpClient, err := newGitHubHTTPClient(cfg, opts.Transport)
		if err != nil {
			return nil, err
		}
		policy := apiclient.GitHubRateLimitPolicy(cfg.HTTP.MaxRateLimitRetries, cfg.HTTP.GitHubFallbackBackoff)
		policy.Now = now
		requestClient := newRequestClient("github", httpClient, policy, cfg.HTTP, opts.Sleep, logger)

		dataClient, err := githubapi.NewDataClient(cfg.GitHub.APIBaseURL, requestClient, window, logger)
		if err != nil {
			return nil, fmt.Errorf("create github client: %w", err)
		}
		return NewGitHubProvider(dataClient, cfg.GitHub.OrganizationName, cfg.Audit.BatchSize, logger), nil

	case config.SCMTypeBitbucketCloud:
		httpClient, err := bitbucketapi.NewBasicAuthHTTPClient(bitbucketapi.BasicAuthConfig{
			Username:      cfg.Bitbucket.Username,
			AppPassword:   cfg.Bitbucket.AppPassword,
			Timeout:       cfg.HTTP.RequestTimeout,
			BaseTransport: opts.Transport,
		})
		if err != nil {
			return nil, fmt.Errorf("create bitbucket http client: %w", err)
		}
		policy := apiclient.BitbucketRateLimitPolicy(cfg.HTTP.MaxRateLimitRetries, cfg.HTTP.BitbucketRetryBackoff)
		requestClient := newRequestClient("bitbucket", httpClient, policy, cfg.HTTP, opts.Sleep, logger)

		dataClient, err := bitbucketapi.NewDataClient(cfg.Bitbucket.APIBaseURL, cfg.Bitbucket.Workspace, requestClient, window, logger)
		if err != nil {
			return nil, fmt.Errorf("create bitbucket client: %w", err)
		}
		return NewBitbucketProvider(dataClient, cfg.Audit.BatchSize, logger), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSCMType, scmType)
	}
}

func newGitHubHTTPClient(cfg *config.Config, transport http.RoundTripper) (*http.Client, error) {
	if cfg.GitHub.App.Enabled() {
		client, err := githubapi.NewInstallationHTTPClient(githubapi.InstallationAuthConfig{
			AppID:          cfg.GitHub.App.AppID,
			InstallationID: cfg.GitHub.App.InstallationID,
			PrivateKeyPath: cfg.GitHub.App.PrivateKeyPath,
			Timeout:        cfg.HTTP.RequestTimeout,
			BaseTransport:  transport,
		})
		if err != nil {
			return nil, fmt.Errorf("create github app http client: %w", err)
		}
		return client, nil
	}

	client, err := githubapi.NewTokenHTTPClient(githubapi.TokenAuthConfig{
		Token:         cfg.GitHub.Token,
		Timeout:       cfg.HTTP.RequestTimeout,
		BaseTransport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create github http client: %w", err)
	}
	return client, nil
}

func newRequestClient(
	name string,
	httpClient *http.Client,
	policy apiclient.RateLimitPolicy,
	httpCfg config.HTTPConfig,
	sleep func(ctx context.Context, d time.Duration) error,
	logger *zap.Logger,
) *apiclient.Client {
	client := apiclient.NewClient(name, httpClient, policy, logger)
	if sleep != nil {
		client.Sleep = sleep
	}
	if httpCfg.RequestsPerSecond > 0 {
		burst := max(1, int(httpCfg.RequestsPerSecond))
		client.Limiter = rate.NewLimiter(rate.Limit(httpCfg.RequestsPerSecond), burst)
	}
	return client
}
