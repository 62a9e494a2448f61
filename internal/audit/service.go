package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/scm-audit/internal/config"
	"github.com/cam3ron2/scm-audit/internal/contributors"
	"github.com/cam3ron2/scm-audit/internal/provider"
	"go.uber.org/zap"
)

var (
	// ErrInvalidDays is returned when the lookback window is not a positive number of days.
	ErrInvalidDays = errors.New("days must be a positive integer")
	// ErrUploadNotConfigured is returned by Upload when the service has no uploader.
	ErrUploadNotConfigured = errors.New("upload is not configured")
)

// ProviderFactory builds the provider for an SCM type.
type ProviderFactory func(scmType config.SCMType, opts provider.Options) (provider.Provider, error)

// ResultWriter persists an audit result and returns where it was written.
type ResultWriter interface {
	Write(result contributors.AuditResult, format config.ResultsFormat) (string, error)
}

// ResultUploader sends an audit result to the reporting service.
type ResultUploader interface {
	Upload(ctx context.Context, result contributors.AuditResult) error
}

// Dependencies are the collaborators of a Service. Zero values fall back to defaults.
type Dependencies struct {
	NewProvider ProviderFactory
	Writer      ResultWriter
	Uploader    ResultUploader
	Transport   http.RoundTripper
	Sleep       func(ctx context.Context, d time.Duration) error
	Now         func() time.Time
}

// Service runs contributor audits and hands results to the writer and uploader.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger
	deps   Dependencies
}

// NewService creates an audit service for cfg.
func NewService(cfg *config.Config, logger *zap.Logger, deps Dependencies) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.NewProvider == nil {
		deps.NewProvider = provider.New
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
	}
}

// Validate checks the run parameters without touching the network.
func (s *Service) Validate() error {
	if s.cfg == nil {
		return fmt.Errorf("config is required")
	}
	if days := s.cfg.Audit.Days; days <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDays, days)
	}
	switch scmType := config.ParseSCMType(string(s.cfg.Audit.SCMType)); scmType {
	case config.SCMTypeGitHub, config.SCMTypeBitbucketCloud:
		return nil
	default:
		return fmt.Errorf("%w: %q", provider.ErrUnsupportedSCMType, scmType)
	}
}

// Audit validates the run parameters, builds the configured provider and runs it.
func (s *Service) Audit(ctx context.Context) (contributors.AuditResult, error) {
	if err := s.Validate(); err != nil {
		return contributors.AuditResult{}, err
	}

	days := s.cfg.Audit.Days
	scmType := s.cfg.Audit.SCMType
	p, err := s.deps.NewProvider(scmType, provider.Options{
		Config:    s.cfg,
		Logger:    s.logger,
		Now:       s.deps.Now,
		Transport: s.deps.Transport,
		Sleep:     s.deps.Sleep,
	})
	if err != nil {
		return contributors.AuditResult{}, fmt.Errorf("create %s provider: %w", scmType, err)
	}

	started := s.deps.Now()
	s.logger.Info("starting contributor audit", zap.String("scm_type", string(scmType)), zap.Int("days", days))
	result, err := p.Audit(ctx, provider.Params{
		Days:          days,
		ScriptVersion: s.cfg.Audit.ScriptVersion,
	})
	if err != nil {
		return contributors.AuditResult{}, fmt.Errorf("audit %s: %w", scmType, err)
	}

	s.logger.Info(
		"contributor audit complete",
		zap.String("organization", result.OrganizationName),
		zap.Int("contributors", len(result.Contributors)),
		zap.Int("repositories", result.RepositoryCount()),
		zap.Duration("duration", s.deps.Now().Sub(started)),
	)
	s.logger.Debug("contributing developers found", zap.Any("contributors", result.Contributors))
	return result, nil
}

// Save writes result in the configured results format.
func (s *Service) Save(result contributors.AuditResult) (string, error) {
	if s.deps.Writer == nil {
		return "", fmt.Errorf("results writer is not configured")
	}
	format := s.cfg.Audit.ResultsFormat
	s.logger.Info("saving results", zap.String("format", string(format)))
	path, err := s.deps.Writer.Write(result, format)
	if err != nil {
		return "", fmt.Errorf("save results: %w", err)
	}
	s.logger.Info("results saved", zap.String("path", path))
	return path, nil
}

// Upload sends result to the reporting service.
func (s *Service) Upload(ctx context.Context, result contributors.AuditResult) error {
	if s.deps.Uploader == nil {
		return ErrUploadNotConfigured
	}
	s.logger.Info("uploading contributor audit", zap.String("organization", result.OrganizationName))
	if err := s.deps.Uploader.Upload(ctx, result); err != nil {
		return fmt.Errorf("upload results: %w", err)
	}
	s.logger.Info("results uploaded")
	return nil
}
