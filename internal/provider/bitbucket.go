package provider

import (
	"context"

	"github.com/cam3ron2/scm-audit/internal/bitbucketapi"
	"github.com/cam3ron2/scm-audit/internal/contributors"
	"go.uber.org/zap"
)

// BitbucketDataClient is the subset of the Bitbucket client the audit needs.
type BitbucketDataClient interface {
	Workspace() string
	ListRepositories(ctx context.Context) ([]bitbucketapi.Repository, error)
	ListCommits(ctx context.Context, repo bitbucketapi.Repository) ([]bitbucketapi.Commit, error)
}

// BitbucketProvider audits one Bitbucket Cloud workspace.
type BitbucketProvider struct {
	client    BitbucketDataClient
	batchSize int
	logger    *zap.Logger
}

// NewBitbucketProvider creates a Bitbucket audit provider for the client's workspace.
func NewBitbucketProvider(client BitbucketDataClient, batchSize int, logger *zap.Logger) *BitbucketProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BitbucketProvider{
		client:    client,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Audit lists the recently updated workspace repositories and folds their commits.
func (p *BitbucketProvider) Audit(ctx context.Context, params Params) (result contributors.AuditResult, err error) {
	workspace := p.client.Workspace()
	ctx, span := startAuditSpan(ctx, "bitbucket", workspace)
	defer func() { endAuditSpan(span, result, err) }()

	repos, err := p.client.ListRepositories(ctx)
	if err != nil {
		return contributors.AuditResult{}, wrapFetchErr("list repositories for", workspace, err)
	}
	p.logger.Info("auditing repositories", zap.String("workspace", workspace), zap.Int("repositories", len(repos)))

	merged, err := foldBatches(ctx, repos, p.batchSize, p.logger, func(ctx context.Context, repo bitbucketapi.Repository) ([]contributors.Contributor, error) {
		commits, err := p.client.ListCommits(ctx, repo)
		if err != nil {
			return nil, wrapFetchErr("list commits for", workspace+"/"+repo.Slug, err)
		}

		records := make([]contributors.Commit, 0, len(commits))
		for _, commit := range commits {
			records = append(records, contributors.Commit{Author: commit.AuthorName, Date: commit.Date})
		}
		return contributors.FoldCommits(contributors.Repository{
			ID:        repo.UUID,
			Name:      repo.Name,
			IsPrivate: repo.IsPrivate,
		}, records), nil
	})
	if err != nil {
		return contributors.AuditResult{}, err
	}

	return contributors.AuditResult{
		OrganizationName: workspace,
		Metadata: contributors.Metadata{
			ScriptVersion: params.ScriptVersion,
			Days:          params.Days,
		},
		Contributors: merged,
	}, nil
}
