package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validStoreBackends = []string{"none", "memory", "redis"}
	validTraceModes    = []string{"off", "errors", "sampled", "detailed"}
)

// DefaultDays is the lookback window used when none is configured.
const DefaultDays = 90

// SCMType identifies the source-control provider to audit.
type SCMType string

const (
	// SCMTypeGitHub audits one GitHub organization.
	SCMTypeGitHub SCMType = "GitHub"
	// SCMTypeBitbucketCloud audits one Bitbucket Cloud workspace.
	SCMTypeBitbucketCloud SCMType = "BitbucketCloud"
)

// ParseSCMType maps raw to a known SCM type, ignoring case. Unknown values are returned trimmed and unchanged.
func ParseSCMType(raw string) SCMType {
	trimmed := strings.TrimSpace(raw)
	for _, known := range []SCMType{SCMTypeGitHub, SCMTypeBitbucketCloud} {
		if strings.EqualFold(trimmed, string(known)) {
			return known
		}
	}
	return SCMType(trimmed)
}

// ResultsFormat is the layout of the local results file.
type ResultsFormat string

const (
	// ResultsFormatJSON writes the audit result as indented JSON.
	ResultsFormatJSON ResultsFormat = "JSON"
	// ResultsFormatTXT writes the human-readable contributor listing.
	ResultsFormatTXT ResultsFormat = "TXT"
)

// ParseResultsFormat maps raw to a results format, ignoring case. Unknown values are returned upper-cased.
func ParseResultsFormat(raw string) ResultsFormat {
	return ResultsFormat(strings.ToUpper(strings.TrimSpace(raw)))
}

// Config is the root application configuration.
type Config struct {
	LogLevel  string
	Audit     AuditConfig
	GitHub    GitHubConfig
	Bitbucket BitbucketConfig
	HTTP      HTTPConfig
	Upload    UploadConfig
	Store     StoreConfig
	Metrics   MetricsConfig
	Telemetry TelemetryConfig
}

// AuditConfig contains the parameters of one audit run.
type AuditConfig struct {
	SCMType       SCMType
	Days          int
	ScriptVersion string
	ResultsFormat ResultsFormat
	ResultsDir    string
	BatchSize     int
}

// GitHubConfig configures GitHub API access.
type GitHubConfig struct {
	APIBaseURL       string
	OrganizationName string
	Token            string
	App              GitHubAppConfig
}

// GitHubAppConfig configures GitHub App installation authentication.
type GitHubAppConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Enabled reports whether any GitHub App credential was configured.
func (a GitHubAppConfig) Enabled() bool {
	return a.AppID != 0 || a.InstallationID != 0 || a.PrivateKeyPath != ""
}

// BitbucketConfig configures Bitbucket Cloud API access.
type BitbucketConfig struct {
	APIBaseURL  string `yaml:"api_base_url"`
	Workspace   string `yaml:"workspace"`
	Username    string `yaml:"username"`
	AppPassword string `yaml:"app_password"`
}

// HTTPConfig configures the shared provider HTTP client.
type HTTPConfig struct {
	RequestTimeout        time.Duration
	MaxRateLimitRetries   int
	BitbucketRetryBackoff time.Duration
	GitHubFallbackBackoff time.Duration
	RequestsPerSecond     float64
}

// UploadConfig configures result upload to the reporting service.
type UploadConfig struct {
	Enabled bool
	// APIURL is the reporting service API root; the hooks endpoint is derived from it.
	APIURL string
	// APIBaseURL overrides the derived hooks endpoint.
	APIBaseURL string
	ClientID   string
	APIKey     string
}

// StoreConfig configures result snapshot storage.
type StoreConfig struct {
	// Backend is none, memory or redis. Memory history and locks live only as
	// long as the process, so it only helps embedders that call
	// app.Runtime.RunOnce more than once. A one-shot CLI run wants redis.
	Backend            string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	Namespace          string
	Retention          time.Duration
	// MaxHistory caps stored runs per organization; zero keeps every run inside Retention.
	MaxHistory int
}

// MetricsConfig configures audit metrics output.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

// Load reads configuration from YAML, applies defaults and validates the result.
func Load(reader io.Reader) (*Config, error) {
	cfg, err := Decode(reader)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads configuration from YAML and applies defaults. Callers that
// layer overrides on top must call Validate themselves.
func Decode(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with every default applied and nothing else set.
func Default() *Config {
	cfg := rawConfig{}.toConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, "log_level must be one of debug|info|warn|error")
	}

	if c.Audit.SCMType == "" {
		errs = append(errs, "audit.scm_type is required")
	}
	if c.Audit.ResultsFormat != ResultsFormatJSON && c.Audit.ResultsFormat != ResultsFormatTXT {
		errs = append(errs, "audit.results_format must be JSON or TXT")
	}
	if c.Audit.BatchSize <= 0 {
		errs = append(errs, "audit.batch_size must be > 0")
	}

	switch c.Audit.SCMType {
	case SCMTypeGitHub:
		errs = append(errs, c.GitHub.validate()...)
	case SCMTypeBitbucketCloud:
		errs = append(errs, c.Bitbucket.validate()...)
	}

	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, "http.request_timeout must be > 0")
	}
	if c.HTTP.MaxRateLimitRetries < 0 {
		errs = append(errs, "http.max_rate_limit_retries must be >= 0")
	}
	if c.HTTP.BitbucketRetryBackoff < 0 || c.HTTP.GitHubFallbackBackoff < 0 {
		errs = append(errs, "http retry backoffs must be >= 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		errs = append(errs, "http.requests_per_second must be >= 0")
	}

	if c.Upload.Enabled {
		if strings.TrimSpace(c.Upload.ClientID) == "" {
			errs = append(errs, "upload.client_id is required when upload.enabled=true")
		}
		if strings.TrimSpace(c.Upload.APIKey) == "" {
			errs = append(errs, "upload.api_key is required when upload.enabled=true")
		}
		if strings.TrimSpace(c.Upload.APIURL) == "" && strings.TrimSpace(c.Upload.APIBaseURL) == "" {
			errs = append(errs, "upload.api_url or upload.api_base_url is required when upload.enabled=true")
		}
	}

	if !slices.Contains(validStoreBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be one of none|memory|redis")
	}
	if c.Store.Backend == "redis" {
		if c.Store.RedisMode != "standalone" && c.Store.RedisMode != "sentinel" {
			errs = append(errs, "store.redis_mode must be standalone or sentinel")
		}
		if c.Store.RedisMode == "standalone" && c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required when store.redis_mode=standalone")
		}
		if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
			errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
		}
	}
	if c.Store.Retention <= 0 {
		errs = append(errs, "store.retention must be > 0")
	}
	if c.Store.MaxHistory < 0 {
		errs = append(errs, "store.max_history must be >= 0")
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (g GitHubConfig) validate() []string {
	var errs []string
	if strings.TrimSpace(g.OrganizationName) == "" {
		errs = append(errs, "github.organization_name is required when audit.scm_type=GitHub")
	}
	if !g.App.Enabled() {
		if strings.TrimSpace(g.Token) == "" {
			errs = append(errs, "github.token or github.app is required when audit.scm_type=GitHub")
		}
		return errs
	}
	if g.App.AppID <= 0 {
		errs = append(errs, "github.app.app_id must be > 0")
	}
	if g.App.InstallationID <= 0 {
		errs = append(errs, "github.app.installation_id must be > 0")
	}
	if g.App.PrivateKeyPath == "" {
		errs = append(errs, "github.app.private_key_path is required")
	}
	return errs
}

func (b BitbucketConfig) validate() []string {
	var errs []string
	if strings.TrimSpace(b.Workspace) == "" {
		errs = append(errs, "bitbucket.workspace is required when audit.scm_type=BitbucketCloud")
	}
	if strings.TrimSpace(b.Username) == "" {
		errs = append(errs, "bitbucket.username is required when audit.scm_type=BitbucketCloud")
	}
	if strings.TrimSpace(b.AppPassword) == "" {
		errs = append(errs, "bitbucket.app_password is required when audit.scm_type=BitbucketCloud")
	}
	return errs
}

// HooksBaseURL returns the upload endpoint root: the explicit override when
// set, otherwise APIURL with its "api." host prefix replaced by "api-hooks.".
func (u UploadConfig) HooksBaseURL() string {
	if override := strings.TrimSpace(u.APIBaseURL); override != "" {
		return override
	}
	return strings.Replace(strings.TrimSpace(u.APIURL), "api.", "api-hooks.", 1)
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Audit.SCMType == "" {
		cfg.Audit.SCMType = SCMTypeGitHub
	}
	if cfg.Audit.ResultsFormat == "" {
		cfg.Audit.ResultsFormat = ResultsFormatTXT
	}
	if cfg.Audit.ResultsDir == "" {
		cfg.Audit.ResultsDir = "."
	}
	if cfg.Audit.BatchSize == 0 {
		cfg.Audit.BatchSize = 10
	}
	if cfg.HTTP.RequestTimeout == 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTP.BitbucketRetryBackoff == 0 {
		cfg.HTTP.BitbucketRetryBackoff = 60 * time.Second
	}
	if cfg.HTTP.GitHubFallbackBackoff == 0 {
		cfg.HTTP.GitHubFallbackBackoff = 60 * time.Second
	}
	if cfg.Upload.APIURL == "" {
		cfg.Upload.APIURL = "https://api.soos.io/api/"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "none"
	}
	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "scm-audit"
	}
	if cfg.Store.Retention == 0 {
		cfg.Store.Retention = 30 * 24 * time.Hour
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := ParseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// ParseFlexibleDuration parses Go durations plus day ("7d") and week ("2w") suffixes.
func ParseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	LogLevel  string          `yaml:"log_level"`
	Audit     rawAudit        `yaml:"audit"`
	GitHub    rawGitHub       `yaml:"github"`
	Bitbucket BitbucketConfig `yaml:"bitbucket"`
	HTTP      rawHTTP         `yaml:"http"`
	Upload    rawUpload       `yaml:"upload"`
	Store     rawStore        `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type rawAudit struct {
	SCMType       string `yaml:"scm_type"`
	Days          *int   `yaml:"days"`
	ScriptVersion string `yaml:"script_version"`
	ResultsFormat string `yaml:"results_format"`
	ResultsDir    string `yaml:"results_dir"`
	BatchSize     int    `yaml:"batch_size"`
}

type rawGitHub struct {
	APIBaseURL       string          `yaml:"api_base_url"`
	OrganizationName string          `yaml:"organization_name"`
	Token            string          `yaml:"token"`
	App              GitHubAppConfig `yaml:"app"`
}

type rawHTTP struct {
	RequestTimeout        duration `yaml:"request_timeout"`
	MaxRateLimitRetries   *int     `yaml:"max_rate_limit_retries"`
	BitbucketRetryBackoff duration `yaml:"bitbucket_retry_backoff"`
	GitHubFallbackBackoff duration `yaml:"github_fallback_backoff"`
	RequestsPerSecond     float64  `yaml:"requests_per_second"`
}

type rawUpload struct {
	Enabled    bool   `yaml:"enabled"`
	APIURL     string `yaml:"api_url"`
	APIBaseURL string `yaml:"api_base_url"`
	ClientID   string `yaml:"client_id"`
	APIKey     string `yaml:"api_key"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	Namespace          string   `yaml:"namespace"`
	Retention          duration `yaml:"retention"`
	MaxHistory         int      `yaml:"max_history"`
}

func (r rawConfig) toConfig() *Config {
	maxRetries := 3
	if r.HTTP.MaxRateLimitRetries != nil {
		maxRetries = *r.HTTP.MaxRateLimitRetries
	}
	// An explicit days value is kept as is, zero and negative included, and rejected by the audit.
	days := DefaultDays
	if r.Audit.Days != nil {
		days = *r.Audit.Days
	}

	return &Config{
		LogLevel: strings.ToLower(strings.TrimSpace(r.LogLevel)),
		Audit: AuditConfig{
			SCMType:       ParseSCMType(r.Audit.SCMType),
			Days:          days,
			ScriptVersion: r.Audit.ScriptVersion,
			ResultsFormat: ParseResultsFormat(r.Audit.ResultsFormat),
			ResultsDir:    r.Audit.ResultsDir,
			BatchSize:     r.Audit.BatchSize,
		},
		GitHub: GitHubConfig{
			APIBaseURL:       r.GitHub.APIBaseURL,
			OrganizationName: r.GitHub.OrganizationName,
			Token:            r.GitHub.Token,
			App:              r.GitHub.App,
		},
		Bitbucket: r.Bitbucket,
		HTTP: HTTPConfig{
			RequestTimeout:        r.HTTP.RequestTimeout.Duration,
			MaxRateLimitRetries:   maxRetries,
			BitbucketRetryBackoff: r.HTTP.BitbucketRetryBackoff.Duration,
			GitHubFallbackBackoff: r.HTTP.GitHubFallbackBackoff.Duration,
			RequestsPerSecond:     r.HTTP.RequestsPerSecond,
		},
		Upload: UploadConfig{
			Enabled:    r.Upload.Enabled,
			APIURL:     r.Upload.APIURL,
			APIBaseURL: r.Upload.APIBaseURL,
			ClientID:   r.Upload.ClientID,
			APIKey:     r.Upload.APIKey,
		},
		Store: StoreConfig{
			Backend:            r.Store.Backend,
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			Namespace:          r.Store.Namespace,
			Retention:          r.Store.Retention.Duration,
			MaxHistory:         r.Store.MaxHistory,
		},
		Metrics:   r.Metrics,
		Telemetry: r.Telemetry,
	}
}
