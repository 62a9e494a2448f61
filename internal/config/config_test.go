package config

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		yaml       string
		wantErr    bool
		errSubstrs []string
	}{
		{
			name: "valid_github_configuration",
			yaml: `
log_level: "debug"
audit:
  scm_type: "github"
  days: 30
  script_version: "1.4.0"
  results_format: "json"
  results_dir: "/tmp/out"
  batch_size: 5
github:
  api_base_url: "https://api.github.com"
  organization_name: "acme"
  token: "ghp_example"
http:
  request_timeout: "20s"
  max_rate_limit_retries: 5
  bitbucket_retry_backoff: "30s"
  github_fallback_backoff: "2m"
  requests_per_second: 10
upload:
  enabled: true
  api_url: "https://api.example.io/api/"
  client_id: "client-1"
  api_key: "key-1"
store:
  backend: "redis"
  redis_mode: "standalone"
  redis_addr: "redis:6379"
  retention: "2w"
metrics:
  textfile_path: "/var/lib/node_exporter/scm_audit.prom"
telemetry:
  otel_enabled: true
  otel_trace_mode: "detailed"
  otel_trace_sample_ratio: 0.5
`,
		},
		{
			name: "valid_bitbucket_configuration",
			yaml: `
audit:
  scm_type: "BitbucketCloud"
bitbucket:
  workspace: "acme"
  username: "dev"
  app_password: "secret"
`,
		},
		{
			name: "valid_github_app_configuration",
			yaml: `
github:
  organization_name: "acme"
  app:
    app_id: 1
    installation_id: 2
    private_key_path: "/etc/keys/app.pem"
`,
		},
		{
			name: "github_requires_organization_and_credentials",
			yaml: `
audit:
  scm_type: "GitHub"
`,
			wantErr:    true,
			errSubstrs: []string{"github.organization_name is required", "github.token or github.app is required"},
		},
		{
			name: "partial_github_app_configuration",
			yaml: `
github:
  organization_name: "acme"
  app:
    app_id: 1
`,
			wantErr:    true,
			errSubstrs: []string{"github.app.installation_id", "github.app.private_key_path"},
		},
		{
			name: "bitbucket_requires_workspace_and_credentials",
			yaml: `
audit:
  scm_type: "bitbucketcloud"
`,
			wantErr:    true,
			errSubstrs: []string{"bitbucket.workspace", "bitbucket.username", "bitbucket.app_password"},
		},
		{
			name: "invalid_results_format_and_log_level",
			yaml: `
log_level: "verbose"
audit:
  results_format: "xml"
github:
  organization_name: "acme"
  token: "t"
`,
			wantErr:    true,
			errSubstrs: []string{"log_level", "audit.results_format must be JSON or TXT"},
		},
		{
			name: "upload_requires_client_and_key",
			yaml: `
github:
  organization_name: "acme"
  token: "t"
upload:
  enabled: true
`,
			wantErr:    true,
			errSubstrs: []string{"upload.client_id", "upload.api_key"},
		},
		{
			name: "sentinel_requires_addresses",
			yaml: `
github:
  organization_name: "acme"
  token: "t"
store:
  backend: "redis"
  redis_mode: "sentinel"
`,
			wantErr:    true,
			errSubstrs: []string{"store.redis_sentinel_addrs"},
		},
		{
			name: "unknown_field_rejected",
			yaml: `
github:
  organization_name: "acme"
  token: "t"
  orgs: []
`,
			wantErr:    true,
			errSubstrs: []string{"unmarshal yaml", "orgs"},
		},
		{
			name: "negative_retries_rejected",
			yaml: `
github:
  organization_name: "acme"
  token: "t"
http:
  max_rate_limit_retries: -1
`,
			wantErr:    true,
			errSubstrs: []string{"http.max_rate_limit_retries"},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load(strings.NewReader(tc.yaml))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Load() expected error, got nil")
				}
				for _, substr := range tc.errSubstrs {
					if !strings.Contains(err.Error(), substr) {
						t.Fatalf("Load() error = %q, missing substring %q", err.Error(), substr)
					}
				}
				return
			}

			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if cfg == nil {
				t.Fatalf("Load() returned nil config")
			}
		})
	}
}

func TestLoadAdditionalBehaviors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		reader      io.Reader
		wantErr     bool
		errContains string
		assert      func(t *testing.T, cfg *Config)
	}{
		{
			name:        "nil_reader_returns_error",
			reader:      nil,
			wantErr:     true,
			errContains: "config reader is nil",
		},
		{
			name:        "invalid_yaml_returns_parse_error",
			reader:      strings.NewReader("audit: [oops"),
			wantErr:     true,
			errContains: "unmarshal yaml",
		},
		{
			name: "applies_defaults",
			reader: strings.NewReader(`
github:
  organization_name: "acme"
  token: "t"
`),
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.LogLevel != "info" {
					t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
				}
				if cfg.Audit.SCMType != SCMTypeGitHub {
					t.Fatalf("Audit.SCMType = %q, want %q", cfg.Audit.SCMType, SCMTypeGitHub)
				}
				if cfg.Audit.Days != 90 {
					t.Fatalf("Audit.Days = %d, want 90", cfg.Audit.Days)
				}
				if cfg.Audit.ResultsFormat != ResultsFormatTXT {
					t.Fatalf("Audit.ResultsFormat = %q, want TXT", cfg.Audit.ResultsFormat)
				}
				if cfg.Audit.BatchSize != 10 {
					t.Fatalf("Audit.BatchSize = %d, want 10", cfg.Audit.BatchSize)
				}
				if cfg.HTTP.RequestTimeout != 30*time.Second {
					t.Fatalf("HTTP.RequestTimeout = %s, want 30s", cfg.HTTP.RequestTimeout)
				}
				if cfg.HTTP.MaxRateLimitRetries != 3 {
					t.Fatalf("HTTP.MaxRateLimitRetries = %d, want 3", cfg.HTTP.MaxRateLimitRetries)
				}
				if cfg.HTTP.BitbucketRetryBackoff != time.Minute {
					t.Fatalf("HTTP.BitbucketRetryBackoff = %s, want 1m", cfg.HTTP.BitbucketRetryBackoff)
				}
				if cfg.Store.Backend != "none" {
					t.Fatalf("Store.Backend = %q, want none", cfg.Store.Backend)
				}
				if cfg.Store.Retention != 30*24*time.Hour {
					t.Fatalf("Store.Retention = %s, want %s", cfg.Store.Retention, 30*24*time.Hour)
				}
				if cfg.Telemetry.OTELTraceMode != "off" {
					t.Fatalf("Telemetry.OTELTraceMode = %q, want off", cfg.Telemetry.OTELTraceMode)
				}
			},
		},
		{
			name: "explicit_zero_retries_kept",
			reader: strings.NewReader(`
github:
  organization_name: "acme"
  token: "t"
http:
  max_rate_limit_retries: 0
store:
  retention: "1w"
`),
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.HTTP.MaxRateLimitRetries != 0 {
					t.Fatalf("HTTP.MaxRateLimitRetries = %d, want 0", cfg.HTTP.MaxRateLimitRetries)
				}
				if cfg.Store.Retention != 7*24*time.Hour {
					t.Fatalf("Store.Retention = %s, want 168h", cfg.Store.Retention)
				}
			},
		},
		{
			name:        "empty_document_still_validated",
			reader:      strings.NewReader(""),
			wantErr:     true,
			errContains: "github.organization_name is required",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load(tc.reader)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Load() expected error, got nil")
				}
				if tc.errContains != "" && !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("Load() error = %q, missing %q", err.Error(), tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestParseSCMType(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw  string
		want SCMType
	}{
		{raw: "GitHub", want: SCMTypeGitHub},
		{raw: " github ", want: SCMTypeGitHub},
		{raw: "BITBUCKETCLOUD", want: SCMTypeBitbucketCloud},
		{raw: "GitLab", want: SCMType("GitLab")},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.raw, func(t *testing.T) {
			t.Parallel()
			if got := ParseSCMType(tc.raw); got != tc.want {
				t.Fatalf("ParseSCMType(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestHooksBaseURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		cfg  UploadConfig
		want string
	}{
		{
			name: "derived_from_api_url",
			cfg:  UploadConfig{APIURL: "https://api.example.io/api/"},
			want: "https://api-hooks.example.io/api/",
		},
		{
			name: "explicit_override_wins",
			cfg:  UploadConfig{APIURL: "https://api.example.io/api/", APIBaseURL: "http://localhost:9000/"},
			want: "http://localhost:9000/",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.cfg.HooksBaseURL(); got != tc.want {
				t.Fatalf("HooksBaseURL() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseFlexibleDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "90s", want: 90 * time.Second},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "1.5d", want: 36 * time.Hour},
		{raw: "2w", want: 14 * 24 * time.Hour},
		{raw: "", want: 0},
		{raw: "3y", wantErr: true},
		{raw: "xd", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.raw, func(t *testing.T) {
			t.Parallel()

			got, err := ParseFlexibleDuration(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseFlexibleDuration(%q) expected error, got nil", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFlexibleDuration(%q) unexpected error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseFlexibleDuration(%q) = %s, want %s", tc.raw, got, tc.want)
			}
		})
	}
}

func TestDecodeSkipsValidation(t *testing.T) {
	t.Parallel()

	cfg, err := Decode(strings.NewReader("audit:\n  scm_type: github\n"))
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	if cfg.Audit.SCMType != SCMTypeGitHub {
		t.Fatalf("Audit.SCMType = %q, want GitHub", cfg.Audit.SCMType)
	}
	if cfg.Audit.Days != 90 {
		t.Fatalf("Audit.Days = %d, want default 90", cfg.Audit.Days)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing organization and token")
	}

	if _, err := Decode(strings.NewReader("unknown_key: 1\n")); err == nil {
		t.Fatalf("Decode() expected error for unknown field")
	}
}

func TestDecodeKeepsExplicitDays(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		yaml string
		want int
	}{
		{name: "absent_uses_default", yaml: "audit:\n  scm_type: GitHub\n", want: DefaultDays},
		{name: "explicit_zero", yaml: "audit:\n  days: 0\n", want: 0},
		{name: "explicit_negative", yaml: "audit:\n  days: -1\n", want: -1},
		{name: "explicit_positive", yaml: "audit:\n  days: 14\n", want: 14},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Decode(strings.NewReader(tc.yaml))
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if cfg.Audit.Days != tc.want {
				t.Fatalf("Audit.Days = %d, want %d", cfg.Audit.Days, tc.want)
			}
		})
	}
}
