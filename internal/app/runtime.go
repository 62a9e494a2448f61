package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/cam3ron2/scm-audit/internal/audit"
	"github.com/cam3ron2/scm-audit/internal/config"
	"github.com/cam3ron2/scm-audit/internal/contributors"
	"github.com/cam3ron2/scm-audit/internal/exporter"
	"github.com/cam3ron2/scm-audit/internal/report"
	"github.com/cam3ron2/scm-audit/internal/store"
	"go.uber.org/zap"
)

const defaultRunLockTTL = 2 * time.Hour

// ErrRunInProgress is returned when another run holds the lock of the same organization.
var ErrRunInProgress = errors.New("another audit run is in progress")

type auditService interface {
	Validate() error
	Audit(ctx context.Context) (contributors.AuditResult, error)
	Save(result contributors.AuditResult) (string, error)
	Upload(ctx context.Context, result contributors.AuditResult) error
}

// Options carries the injectable collaborators of a Runtime.
type Options struct {
	// Transport replaces http.DefaultTransport for provider and upload calls.
	Transport http.RoundTripper
	Sleep     func(ctx context.Context, d time.Duration) error
	Now       func() time.Time
	// Store overrides the store selected by config.
	Store store.Store
}

// Report summarizes one completed run.
type Report struct {
	Result     contributors.AuditResult
	ResultPath string
	Uploaded   bool
	Duration   time.Duration
	// NewContributors are usernames absent from every stored run inside the retention.
	NewContributors []string
	// PreviousRunID is the id of the latest stored run before this one, if any.
	PreviousRunID string
}

// Runtime runs one audit and hands the result to the file writer, the store,
// the metrics textfile and the reporting service.
type Runtime struct {
	cfg      *config.Config
	service  auditService
	store    store.Store
	recorder *exporter.Recorder
	logger   *zap.Logger

	// LockTTL bounds how long a crashed run blocks the next one.
	LockTTL time.Duration
	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime wires the audit service and its collaborators from cfg.
func NewRuntime(cfg *config.Config, logger *zap.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	writer := report.NewWriter(cfg.Audit.ResultsDir, logger)
	writer.Now = now

	deps := audit.Dependencies{
		Writer:    writer,
		Transport: opts.Transport,
		Sleep:     opts.Sleep,
		Now:       now,
	}
	uploader, err := newUploader(cfg, opts.Transport, opts.Sleep, logger)
	if err != nil {
		return nil, err
	}
	if uploader != nil {
		deps.Uploader = uploader
	}

	storeBackend := opts.Store
	if storeBackend == nil {
		storeBackend = newStore(cfg, logger)
	}

	return newRuntime(cfg, audit.NewService(cfg, logger, deps), storeBackend, logger, now), nil
}

func newRuntime(cfg *config.Config, service auditService, storeBackend store.Store, logger *zap.Logger, now func() time.Time) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Runtime{
		cfg:      cfg,
		service:  service,
		store:    storeBackend,
		recorder: exporter.NewRecorder(),
		logger:   logger,
		LockTTL:  defaultRunLockTTL,
		Now:      now,
	}
}

// Recorder exposes the metrics recorder of the runtime.
func (r *Runtime) Recorder() *exporter.Recorder {
	return r.recorder
}

// Close releases the store.
func (r *Runtime) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// RunOnce performs one audit. Nothing is saved, stored or uploaded when the audit fails.
func (r *Runtime) RunOnce(ctx context.Context) (Report, error) {
	// Invalid parameters fail before the run lock or any API call.
	if err := r.service.Validate(); err != nil {
		return Report{}, err
	}

	scope := auditScope(r.cfg)
	started := r.Now()

	if r.store != nil {
		acquired, err := r.store.AcquireRunLock(ctx, scope, r.LockTTL, started)
		if err != nil {
			r.logger.Warn("failed to acquire run lock; continuing without it", zap.String("scope", scope), zap.Error(err))
		} else if !acquired {
			return Report{}, fmt.Errorf("%w: %s", ErrRunInProgress, scope)
		} else {
			defer func() {
				if err := r.store.ReleaseRunLock(context.WithoutCancel(ctx), scope); err != nil {
					r.logger.Warn("failed to release run lock", zap.String("scope", scope), zap.Error(err))
				}
			}()
		}
	}

	result, err := r.service.Audit(ctx)
	completed := r.Now()
	run := exporter.Run{
		SCMType:      string(r.cfg.Audit.SCMType),
		Organization: scopeOrganization(scope),
		Duration:     completed.Sub(started),
	}
	if err != nil {
		r.recorder.Record(run)
		r.writeMetrics()
		return Report{}, err
	}
	run.Organization = result.OrganizationName
	run.CompletedAt = completed
	run.Succeeded = true
	run.Result = result

	summary := Report{
		Result:   result,
		Duration: run.Duration,
	}

	summary.ResultPath, err = r.service.Save(result)
	if err != nil {
		return Report{}, err
	}

	r.storeRun(ctx, &summary, completed)
	r.recorder.Record(run)
	r.writeMetrics()

	if r.cfg.Upload.Enabled {
		if err := r.service.Upload(ctx, result); err != nil {
			return summary, err
		}
		summary.Uploaded = true
	}
	return summary, nil
}

// storeRun compares result with the stored history, then saves it. Store
// failures are logged and never fail the run.
func (r *Runtime) storeRun(ctx context.Context, summary *Report, completed time.Time) {
	if r.store == nil {
		return
	}

	snapshot := store.Snapshot{
		RunID:       store.NewRunID(completed),
		SCMType:     string(r.cfg.Audit.SCMType),
		CompletedAt: completed,
		Result:      summary.Result,
	}
	scope := snapshot.Scope()

	if previous, ok, err := r.store.Latest(ctx, scope); err != nil {
		r.logger.Warn("failed to read latest stored run", zap.String("scope", scope), zap.Error(err))
	} else if ok {
		summary.PreviousRunID = previous.RunID
	}

	history, err := r.store.History(ctx, scope, completed.Add(-r.cfg.Store.Retention))
	if err != nil {
		r.logger.Warn("failed to read stored run history", zap.String("scope", scope), zap.Error(err))
	} else if len(history) > 0 {
		summary.NewContributors = newContributors(summary.Result, history)
		r.logger.Info(
			"compared with stored runs",
			zap.String("previous_run_id", summary.PreviousRunID),
			zap.Int("stored_runs", len(history)),
			zap.Strings("new_contributors", summary.NewContributors),
		)
	}

	if err := r.store.SaveSnapshot(ctx, snapshot); err != nil {
		r.logger.Warn("failed to store audit result", zap.String("scope", scope), zap.Error(err))
		return
	}
	if err := r.store.GC(ctx, completed); err != nil {
		r.logger.Warn("failed to trim stored runs", zap.Error(err))
	}
}

func (r *Runtime) writeMetrics() {
	path := strings.TrimSpace(r.cfg.Metrics.TextfilePath)
	if path == "" {
		return
	}
	if err := exporter.WriteTextfile(path, r.recorder); err != nil {
		r.logger.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
	}
}

func newContributors(result contributors.AuditResult, history []store.Snapshot) []string {
	known := make(map[string]struct{})
	for _, snapshot := range history {
		for _, contributor := range snapshot.Result.Contributors {
			known[contributor.Username] = struct{}{}
		}
	}

	var added []string
	for _, contributor := range result.Contributors {
		if _, ok := known[contributor.Username]; !ok {
			added = append(added, contributor.Username)
		}
	}
	slices.Sort(added)
	return added
}

func scopeOrganization(scope string) string {
	_, organization, _ := strings.Cut(scope, ":")
	return organization
}
