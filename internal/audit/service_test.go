package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cam3ron2/scm-audit/internal/config"
	"github.com/cam3ron2/scm-audit/internal/contributors"
	"github.com/cam3ron2/scm-audit/internal/provider"
)

type fakeProvider struct {
	result contributors.AuditResult
	err    error
	params provider.Params
}

func (p *fakeProvider) Audit(_ context.Context, params provider.Params) (contributors.AuditResult, error) {
	p.params = params
	return p.result, p.err
}

type fakeWriter struct {
	format config.ResultsFormat
	result contributors.AuditResult
	err    error
}

func (w *fakeWriter) Write(result contributors.AuditResult, format config.ResultsFormat) (string, error) {
	w.result = result
	w.format = format
	if w.err != nil {
		return "", w.err
	}
	return "/tmp/scm_audit_results.txt", nil
}

type fakeUploader struct {
	calls int
	err   error
}

func (u *fakeUploader) Upload(context.Context, contributors.AuditResult) error {
	u.calls++
	return u.err
}

func testConfig(days int) *config.Config {
	cfg := config.Default()
	cfg.Audit.Days = days
	cfg.Audit.ScriptVersion = "1.2.3"
	cfg.GitHub.OrganizationName = "acme"
	cfg.GitHub.Token = "t"
	return cfg
}

func TestServiceAudit(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	want := contributors.AuditResult{
		OrganizationName: "acme",
		Metadata:         contributors.Metadata{ScriptVersion: "1.2.3", Days: 30},
		Contributors: []contributors.Contributor{{
			Username:     "alice",
			Repositories: []contributors.RepositoryActivity{{ID: "1", Name: "api", NumberOfCommits: 2}},
		}},
	}

	testCases := []struct {
		name          string
		days          int
		providerErr   error
		factoryErr    error
		wantErr       error
		wantFactory   bool
		wantParamDays int
	}{
		{name: "success", days: 30, wantFactory: true, wantParamDays: 30},
		{name: "zero_days_rejected", days: 0, wantErr: ErrInvalidDays},
		{name: "negative_days_rejected", days: -5, wantErr: ErrInvalidDays},
		{name: "factory_error", days: 30, factoryErr: provider.ErrUnsupportedSCMType, wantErr: provider.ErrUnsupportedSCMType, wantFactory: true},
		{name: "provider_error", days: 30, providerErr: errBoom, wantErr: errBoom, wantFactory: true, wantParamDays: 30},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeProvider{result: want, err: tc.providerErr}
			factoryCalled := false
			svc := NewService(testConfig(tc.days), nil, Dependencies{
				NewProvider: func(scmType config.SCMType, opts provider.Options) (provider.Provider, error) {
					factoryCalled = true
					if scmType != config.SCMTypeGitHub {
						t.Fatalf("scmType = %q, want %q", scmType, config.SCMTypeGitHub)
					}
					if opts.Config == nil || opts.Logger == nil || opts.Now == nil {
						t.Fatalf("provider options not populated: %+v", opts)
					}
					if tc.factoryErr != nil {
						return nil, tc.factoryErr
					}
					return fake, nil
				},
			})

			got, err := svc.Audit(context.Background())
			if factoryCalled != tc.wantFactory {
				t.Fatalf("factory called = %t, want %t", factoryCalled, tc.wantFactory)
			}
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Audit() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Audit() unexpected error: %v", err)
			}
			if fake.params.Days != tc.wantParamDays || fake.params.ScriptVersion != "1.2.3" {
				t.Fatalf("provider params = %+v", fake.params)
			}
			if got.OrganizationName != "acme" || len(got.Contributors) != 1 {
				t.Fatalf("Audit() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestServiceAuditUnsupportedSCMTypeWithDefaultFactory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(30)
	cfg.Audit.SCMType = config.SCMType("GitLab")

	_, err := NewService(cfg, nil, Dependencies{}).Audit(context.Background())
	if !errors.Is(err, provider.ErrUnsupportedSCMType) {
		t.Fatalf("Audit() error = %v, want %v", err, provider.ErrUnsupportedSCMType)
	}
}

func TestServiceValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		days    int
		scmType config.SCMType
		nilCfg  bool
		wantErr error
	}{
		{name: "github", days: 30, scmType: config.SCMTypeGitHub},
		{name: "bitbucket_any_case", days: 1, scmType: config.SCMType("bitbucketcloud")},
		{name: "zero_days", days: 0, scmType: config.SCMTypeGitHub, wantErr: ErrInvalidDays},
		{name: "negative_days", days: -1, scmType: config.SCMTypeGitHub, wantErr: ErrInvalidDays},
		{name: "unknown_scm_type", days: 30, scmType: config.SCMType("GitLab"), wantErr: provider.ErrUnsupportedSCMType},
		{name: "nil_config", nilCfg: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(tc.days)
			cfg.Audit.SCMType = tc.scmType
			if tc.nilCfg {
				cfg = nil
			}

			err := NewService(cfg, nil, Dependencies{}).Validate()
			switch {
			case tc.nilCfg:
				if err == nil {
					t.Fatalf("Validate() expected error for nil config, got nil")
				}
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Validate() error = %v, want %v", err, tc.wantErr)
				}
			case err != nil:
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestServiceSave(t *testing.T) {
	t.Parallel()

	cfg := testConfig(30)
	cfg.Audit.ResultsFormat = config.ResultsFormatJSON
	writer := &fakeWriter{}
	svc := NewService(cfg, nil, Dependencies{Writer: writer, Now: func() time.Time { return time.Unix(0, 0) }})

	path, err := svc.Save(contributors.AuditResult{OrganizationName: "acme"})
	if err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}
	if path == "" {
		t.Fatalf("Save() path is empty")
	}
	if writer.format != config.ResultsFormatJSON {
		t.Fatalf("writer format = %q, want JSON", writer.format)
	}
	if writer.result.OrganizationName != "acme" {
		t.Fatalf("writer result org = %q, want acme", writer.result.OrganizationName)
	}

	failing := NewService(cfg, nil, Dependencies{Writer: &fakeWriter{err: errors.New("disk full")}})
	if _, err := failing.Save(contributors.AuditResult{}); err == nil {
		t.Fatalf("Save() expected error, got nil")
	}

	if _, err := NewService(cfg, nil, Dependencies{}).Save(contributors.AuditResult{}); err == nil {
		t.Fatalf("Save() without writer expected error, got nil")
	}
}

func TestServiceUpload(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{}
	svc := NewService(testConfig(30), nil, Dependencies{Uploader: uploader})
	if err := svc.Upload(context.Background(), contributors.AuditResult{}); err != nil {
		t.Fatalf("Upload() unexpected error: %v", err)
	}
	if uploader.calls != 1 {
		t.Fatalf("uploader calls = %d, want 1", uploader.calls)
	}

	errRejected := errors.New("rejected")
	failing := NewService(testConfig(30), nil, Dependencies{Uploader: &fakeUploader{err: errRejected}})
	if err := failing.Upload(context.Background(), contributors.AuditResult{}); !errors.Is(err, errRejected) {
		t.Fatalf("Upload() error = %v, want %v", err, errRejected)
	}

	unconfigured := NewService(testConfig(30), nil, Dependencies{})
	if err := unconfigured.Upload(context.Background(), contributors.AuditResult{}); !errors.Is(err, ErrUploadNotConfigured) {
		t.Fatalf("Upload() error = %v, want %v", err, ErrUploadNotConfigured)
	}
}
