package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/scm-audit/internal/apiclient"
	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

const (
	defaultGitHubAPIBaseURL = "https://api.github.com/"
	apiVersion              = "2022-11-28"
	pageSize                = "100"
)

// Organization is one organization visible to the authenticated user.
type Organization struct {
	ID    int64
	Login string
}

// Repository is one organization repository.
type Repository struct {
	ID       string
	Name     string
	Owner    string
	Private  bool
	PushedAt time.Time
}

// Commit is one repository commit.
type Commit struct {
	SHA        string
	AuthorName string
	Date       time.Time
}

// DataClient is a typed GitHub REST client for the audit endpoints.
type DataClient struct {
	baseURL       *url.URL
	requestClient *apiclient.Client
	window        apiclient.Window
	logger        *zap.Logger
}

// NewDataClient creates a data client over the shared rate-limited request client.
// Every windowed listing is bounded by window.
func NewDataClient(baseURL string, requestClient *apiclient.Client, window apiclient.Window, logger *zap.Logger) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	parsed, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DataClient{
		baseURL:       parsed,
		requestClient: requestClient,
		window:        window,
		logger:        logger,
	}, nil
}

// Window returns the lookback window the client filters by.
func (c *DataClient) Window() apiclient.Window {
	return c.window
}

// ListOrganizations lists every organization of the authenticated user.
func (c *DataClient) ListOrganizations(ctx context.Context) ([]Organization, error) {
	reqURL := c.endpoint(nil, "user", "orgs")

	orgs, pages, err := apiclient.Collect[Organization](ctx, reqURL, func(ctx context.Context, pageURL string) (apiclient.Page[Organization], error) {
		var payload organizationsPayload
		next, err := c.getPage(ctx, pageURL, "list organizations", &payload)
		if err != nil {
			return apiclient.Page[Organization]{}, err
		}

		page := apiclient.Page[Organization]{Next: next}
		for _, org := range payload {
			page.Items = append(page.Items, Organization{ID: org.GetID(), Login: org.GetLogin()})
		}
		return page, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("listed organizations", zap.Int("count", len(orgs)), zap.Int("pages", pages))
	return orgs, nil
}

// ListRepositories lists the organization repositories pushed inside the window.
func (c *DataClient) ListRepositories(ctx context.Context, org string) ([]Repository, error) {
	trimmedOrg := strings.TrimSpace(org)
	if trimmedOrg == "" {
		return nil, fmt.Errorf("organization is required")
	}

	query := url.Values{}
	query.Set("sort", "pushed")
	query.Set("direction", "desc")
	query.Set("type", "all")
	reqURL := c.endpoint(query, "orgs", trimmedOrg, "repos")

	pushedAt := func(repo Repository) time.Time { return repo.PushedAt }
	repos, pages, err := apiclient.Collect[Repository](ctx, reqURL, func(ctx context.Context, pageURL string) (apiclient.Page[Repository], error) {
		var payload repositoriesPayload
		next, err := c.getPage(ctx, pageURL, "list org repos", &payload)
		if err != nil {
			return apiclient.Page[Repository]{}, err
		}

		page := apiclient.Page[Repository]{Next: next}
		for _, repo := range payload {
			page.Items = append(page.Items, Repository{
				ID:       strconv.FormatInt(repo.GetID(), 10),
				Name:     repo.GetName(),
				Owner:    repo.GetOwner().GetLogin(),
				Private:  repo.GetPrivate(),
				PushedAt: repo.GetPushedAt().UTC(),
			})
		}
		return page, nil
	}, apiclient.OldestWithin(c.window, pushedAt))
	if err != nil {
		return nil, err
	}

	filtered := apiclient.FilterWithin(c.window, repos, pushedAt)
	c.logger.Debug(
		"listed repositories",
		zap.String("org", trimmedOrg),
		zap.Int("fetched", len(repos)),
		zap.Int("in_window", len(filtered)),
		zap.Int("pages", pages),
	)
	return filtered, nil
}

// ListCommits lists the repository commits authored inside the window, newest first.
func (c *DataClient) ListCommits(ctx context.Context, repo Repository) ([]Commit, error) {
	owner := strings.TrimSpace(repo.Owner)
	name := strings.TrimSpace(repo.Name)
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if name == "" {
		return nil, fmt.Errorf("repo is required")
	}

	query := url.Values{}
	query.Set("since", c.window.Since.Format(time.RFC3339))
	query.Set("until", c.window.Until.Format(time.RFC3339))
	reqURL := c.endpoint(query, "repos", owner, name, "commits")

	commitDate := func(commit Commit) time.Time { return commit.Date }
	commits, pages, err := apiclient.Collect[Commit](ctx, reqURL, func(ctx context.Context, pageURL string) (apiclient.Page[Commit], error) {
		var payload commitsPayload
		next, err := c.getPage(ctx, pageURL, "list repo commits", &payload)
		if err != nil {
			return apiclient.Page[Commit]{}, err
		}

		page := apiclient.Page[Commit]{Next: next}
		for _, commit := range payload {
			author := commit.GetCommit().GetAuthor()
			page.Items = append(page.Items, Commit{
				SHA:        commit.GetSHA(),
				AuthorName: strings.TrimSpace(author.GetName()),
				Date:       author.GetDate().UTC(),
			})
		}
		return page, nil
	}, apiclient.OldestWithin(c.window, commitDate))
	if err != nil {
		return nil, err
	}

	filtered := apiclient.FilterWithin(c.window, commits, commitDate)
	c.logger.Debug(
		"listed commits",
		zap.String("repo", owner+"/"+name),
		zap.Int("fetched", len(commits)),
		zap.Int("in_window", len(filtered)),
		zap.Int("pages", pages),
	)
	return filtered, nil
}

func (c *DataClient) getPage(ctx context.Context, pageURL, resource string, target any) (string, error) {
	header := http.Header{}
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", apiVersion)

	respHeader, _, err := c.requestClient.GetJSON(ctx, pageURL, header, resource, target)
	if err != nil {
		return "", err
	}
	return nextLink(respHeader.Get("Link"), c.baseURL), nil
}

func (c *DataClient) endpoint(query url.Values, segments ...string) string {
	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(reqURL.Path, segments...)
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", pageSize)
	reqURL.RawQuery = query.Encode()
	return reqURL.String()
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func (c *DataClient) cloneBaseURL() *url.URL {
	cloned := *c.baseURL
	return &cloned
}

func joinURLPath(base string, segments ...string) string {
	builder := strings.Builder{}
	builder.WriteString(strings.TrimSuffix(base, "/"))
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.TrimPrefix(segment, "/"))
	}
	return builder.String()
}

// nextLink returns the rel="next" target of a Link header, resolved against base.
func nextLink(linkHeader string, base *url.URL) string {
	for _, part := range strings.Split(linkHeader, ",") {
		sections := strings.Split(part, ";")
		if len(sections) < 2 {
			continue
		}
		isNext := false
		for _, param := range sections[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				isNext = true
				break
			}
		}
		if !isNext {
			continue
		}

		target := strings.TrimSpace(sections[0])
		target = strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")
		parsed, err := url.Parse(target)
		if err != nil || target == "" {
			return ""
		}
		return base.ResolveReference(parsed).String()
	}
	return ""
}

type organizationsPayload []*github.Organization

func (p organizationsPayload) Validate() error {
	for i, org := range p {
		if org == nil || org.GetLogin() == "" {
			return fmt.Errorf("organization %d: login is required", i)
		}
	}
	return nil
}

type repositoriesPayload []*github.Repository

func (p repositoriesPayload) Validate() error {
	for i, repo := range p {
		if repo == nil {
			return fmt.Errorf("repository %d: null entry", i)
		}
		if repo.ID == nil {
			return fmt.Errorf("repository %d: id is required", i)
		}
		if repo.GetName() == "" {
			return fmt.Errorf("repository %d: name is required", i)
		}
		if repo.GetOwner().GetLogin() == "" {
			return fmt.Errorf("repository %q: owner login is required", repo.GetName())
		}
	}
	return nil
}

type commitsPayload []*github.RepositoryCommit

var errMissingCommitDate = errors.New("commit author date is required")

func (p commitsPayload) Validate() error {
	for i, commit := range p {
		if commit == nil || commit.Commit == nil {
			return fmt.Errorf("commit %d: commit block is required", i)
		}
		if commit.Commit.Author == nil || commit.Commit.Author.Date == nil {
			return fmt.Errorf("commit %q: %w", commit.GetSHA(), errMissingCommitDate)
		}
	}
	return nil
}
