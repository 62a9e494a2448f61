package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/cam3ron2/scm-audit/internal/contributors"
	"github.com/cam3ron2/scm-audit/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is how many repositories have their commits fetched concurrently.
const DefaultBatchSize = 10

var (
	// ErrUnsupportedSCMType is returned for an SCM type with no provider.
	ErrUnsupportedSCMType = errors.New("unsupported scm type")
	// ErrOrganizationNotFound is returned when the configured organization is not visible to the credentials.
	ErrOrganizationNotFound = errors.New("organization not found")
)

// Params are the run parameters shared by every provider.
type Params struct {
	Days          int
	ScriptVersion string
}

// Provider audits one organization or workspace.
type Provider interface {
	Audit(ctx context.Context, params Params) (contributors.AuditResult, error)
}

// foldBatches fetches and folds the commits of repos in sequential batches.
// Fetches within a batch run concurrently and the first error cancels the rest of the batch.
func foldBatches[R any](
	ctx context.Context,
	repos []R,
	batchSize int,
	logger *zap.Logger,
	fold func(ctx context.Context, repo R) ([]contributors.Contributor, error),
) ([]contributors.Contributor, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	perRepo := make([][]contributors.Contributor, 0, len(repos))
	for start := 0; start < len(repos); start += batchSize {
		end := min(start+batchSize, len(repos))
		batch := repos[start:end]
		results := make([][]contributors.Contributor, len(batch))

		group, groupCtx := errgroup.WithContext(ctx)
		for i, repo := range batch {
			group.Go(func() error {
				folded, err := fold(groupCtx, repo)
				if err != nil {
					return err
				}
				results[i] = folded
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}

		perRepo = append(perRepo, results...)
		logger.Debug(
			"repository batch complete",
			zap.Int("batch", start/batchSize+1),
			zap.Int("repositories", len(batch)),
			zap.Int("remaining", len(repos)-end),
		)
	}
	return contributors.Merge(perRepo), nil
}

func startAuditSpan(ctx context.Context, scm, scope string) (context.Context, trace.Span) {
	if !telemetry.ShouldTraceDependencies() {
		return ctx, nil
	}
	return otel.Tracer("scm-audit/internal/provider").Start(
		ctx,
		"provider.audit",
		trace.WithAttributes(
			attribute.String("scm.type", scm),
			attribute.String("scm.scope", scope),
		),
	)
}

func endAuditSpan(span trace.Span, result contributors.AuditResult, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("scm.contributors", len(result.Contributors)))
	span.SetStatus(codes.Ok, "audit completed")
}

func wrapFetchErr(action, target string, err error) error {
	return fmt.Errorf("%s %s: %w", action, target, err)
}
