package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/scm-audit/internal/contributors"
	"github.com/cam3ron2/scm-audit/internal/githubapi"
	"go.uber.org/zap"
)

// GitHubDataClient is the subset of the GitHub client the audit needs.
type GitHubDataClient interface {
	ListOrganizations(ctx context.Context) ([]githubapi.Organization, error)
	ListRepositories(ctx context.Context, org string) ([]githubapi.Repository, error)
	ListCommits(ctx context.Context, repo githubapi.Repository) ([]githubapi.Commit, error)
}

// GitHubProvider audits one GitHub organization.
type GitHubProvider struct {
	client       GitHubDataClient
	organization string
	batchSize    int
	logger       *zap.Logger
}

// NewGitHubProvider creates a GitHub audit provider for organization.
func NewGitHubProvider(client GitHubDataClient, organization string, batchSize int, logger *zap.Logger) *GitHubProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubProvider{
		client:       client,
		organization: strings.TrimSpace(organization),
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Audit resolves the organization, lists its recently pushed repositories and folds their commits.
func (p *GitHubProvider) Audit(ctx context.Context, params Params) (result contributors.AuditResult, err error) {
	ctx, span := startAuditSpan(ctx, "github", p.organization)
	defer func() { endAuditSpan(span, result, err) }()

	org, err := p.resolveOrganization(ctx)
	if err != nil {
		return contributors.AuditResult{}, err
	}

	repos, err := p.client.ListRepositories(ctx, org.Login)
	if err != nil {
		return contributors.AuditResult{}, wrapFetchErr("list repositories for", org.Login, err)
	}
	p.logger.Info("auditing repositories", zap.String("org", org.Login), zap.Int("repositories", len(repos)))

	merged, err := foldBatches(ctx, repos, p.batchSize, p.logger, func(ctx context.Context, repo githubapi.Repository) ([]contributors.Contributor, error) {
		commits, err := p.client.ListCommits(ctx, repo)
		if err != nil {
			return nil, wrapFetchErr("list commits for", repo.Owner+"/"+repo.Name, err)
		}

		records := make([]contributors.Commit, 0, len(commits))
		for _, commit := range commits {
			records = append(records, contributors.Commit{Author: commit.AuthorName, Date: commit.Date})
		}
		return contributors.FoldCommits(contributors.Repository{
			ID:        repo.ID,
			Name:      repo.Name,
			IsPrivate: repo.Private,
		}, records), nil
	})
	if err != nil {
		return contributors.AuditResult{}, err
	}

	// The result names the organization as configured, not as the API spells it.
	return contributors.AuditResult{
		OrganizationName: p.organization,
		Metadata: contributors.Metadata{
			ScriptVersion: params.ScriptVersion,
			Days:          params.Days,
		},
		Contributors: merged,
	}, nil
}

func (p *GitHubProvider) resolveOrganization(ctx context.Context) (githubapi.Organization, error) {
	orgs, err := p.client.ListOrganizations(ctx)
	if err != nil {
		return githubapi.Organization{}, fmt.Errorf("list organizations: %w", err)
	}
	for _, org := range orgs {
		if strings.EqualFold(org.Login, p.organization) {
			return org, nil
		}
	}
	return githubapi.Organization{}, fmt.Errorf("%w: %q is not visible to the configured credentials", ErrOrganizationNotFound, p.organization)
}
