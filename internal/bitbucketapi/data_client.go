package bitbucketapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cam3ron2/scm-audit/internal/apiclient"
	"go.uber.org/zap"
)

const (
	defaultBitbucketAPIBaseURL = "https://api.bitbucket.org/2.0/"
	pageLen                    = "100"
)

// Repository is one workspace repository.
type Repository struct {
	UUID      string
	Slug      string
	Name      string
	IsPrivate bool
	UpdatedOn time.Time
}

// Commit is one repository commit.
type Commit struct {
	Hash string
	// AuthorName is the linked account display name, empty for unlinked authors.
	AuthorName string
	Date       time.Time
}

// DataClient is a typed Bitbucket Cloud REST client scoped to one workspace.
type DataClient struct {
	baseURL       *url.URL
	workspace     string
	requestClient *apiclient.Client
	window        apiclient.Window
	logger        *zap.Logger
}

// NewDataClient creates a workspace data client over the shared rate-limited request client.
func NewDataClient(baseURL, workspace string, requestClient *apiclient.Client, window apiclient.Window, logger *zap.Logger) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}
	trimmedWorkspace := strings.TrimSpace(workspace)
	if trimmedWorkspace == "" {
		return nil, fmt.Errorf("workspace is required")
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
		workspace:     trimmedWorkspace,
		requestClient: requestClient,
		window:        window,
		logger:        logger,
	}, nil
}

// Workspace returns the workspace the client is scoped to.
func (c *DataClient) Workspace() string {
	return c.workspace
}

// Window returns the lookback window the client filters by.
func (c *DataClient) Window() apiclient.Window {
	return c.window
}

// ListRepositories lists the workspace repositories updated inside the window.
func (c *DataClient) ListRepositories(ctx context.Context) ([]Repository, error) {
	query := url.Values{}
	query.Set("sort", "-updated_on")
	reqURL := c.endpoint(query, "repositories", c.workspace)

	updatedOn := func(repo Repository) time.Time { return repo.UpdatedOn }
	repos, pages, err := apiclient.Collect[Repository](ctx, reqURL, func(ctx context.Context, pageURL string) (apiclient.Page[Repository], error) {
		var payload repositoriesPage
		if err := c.getPage(ctx, pageURL, "list workspace repositories", &payload); err != nil {
			return apiclient.Page[Repository]{}, err
		}

		page := apiclient.Page[Repository]{Next: c.resolve(payload.Next)}
		for _, repo := range payload.Values {
			page.Items = append(page.Items, Repository{
				UUID:      repo.UUID,
				Slug:      repo.Slug,
				Name:      repo.Name,
				IsPrivate: repo.IsPrivate,
				UpdatedOn: repo.UpdatedOn.UTC(),
			})
		}
		return page, nil
	}, apiclient.OldestWithin(c.window, updatedOn))
	if err != nil {
		return nil, err
	}

	filtered := apiclient.FilterWithin(c.window, repos, updatedOn)
	c.logger.Debug(
		"listed repositories",
		zap.String("workspace", c.workspace),
		zap.Int("fetched", len(repos)),
		zap.Int("in_window", len(filtered)),
		zap.Int("pages", pages),
	)
	return filtered, nil
}

// ListCommits lists the repository commits made inside the window, newest first.
func (c *DataClient) ListCommits(ctx context.Context, repo Repository) ([]Commit, error) {
	slug := strings.TrimSpace(repo.Slug)
	if slug == "" {
		return nil, fmt.Errorf("repository slug is required")
	}
	reqURL := c.endpoint(nil, "repositories", c.workspace, slug, "commits")

	commitDate := func(commit Commit) time.Time { return commit.Date }
	commits, pages, err := apiclient.Collect[Commit](ctx, reqURL, func(ctx context.Context, pageURL string) (apiclient.Page[Commit], error) {
		var payload commitsPage
		if err := c.getPage(ctx, pageURL, "list repository commits", &payload); err != nil {
			return apiclient.Page[Commit]{}, err
		}

		page := apiclient.Page[Commit]{Next: c.resolve(payload.Next)}
		for _, commit := range payload.Values {
			item := Commit{Hash: commit.Hash, Date: commit.Date.UTC()}
			if commit.Author.User != nil {
				item.AuthorName = strings.TrimSpace(commit.Author.User.DisplayName)
			}
			page.Items = append(page.Items, item)
		}
		return page, nil
	}, apiclient.OldestWithin(c.window, commitDate))
	if err != nil {
		return nil, err
	}

	filtered := apiclient.FilterWithin(c.window, commits, commitDate)
	c.logger.Debug(
		"listed commits",
		zap.String("repo", c.workspace+"/"+slug),
		zap.Int("fetched", len(commits)),
		zap.Int("in_window", len(filtered)),
		zap.Int("pages", pages),
	)
	return filtered, nil
}

func (c *DataClient) getPage(ctx context.Context, pageURL, resource string, target any) error {
	header := http.Header{}
	header.Set("Accept", "application/json")
	_, _, err := c.requestClient.GetJSON(ctx, pageURL, header, resource, target)
	return err
}

func (c *DataClient) endpoint(query url.Values, segments ...string) string {
	reqURL := *c.baseURL
	reqURL.Path = strings.TrimSuffix(reqURL.Path, "/") + "/" + strings.Join(segments, "/")
	if query == nil {
		query = url.Values{}
	}
	query.Set("pagelen", pageLen)
	reqURL.RawQuery = query.Encode()
	return reqURL.String()
}

// resolve turns a body "next" cursor into an absolute URL.
func (c *DataClient) resolve(next string) string {
	trimmed := strings.TrimSpace(next)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	return c.baseURL.ResolveReference(parsed).String()
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultBitbucketAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse bitbucket api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse bitbucket api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

type repositoriesPage struct {
	Values []repositoryPayload `json:"values"`
	Next   string              `json:"next"`
}

type repositoryPayload struct {
	UUID      string    `json:"uuid"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"is_private"`
	UpdatedOn time.Time `json:"updated_on"`
}

func (p repositoriesPage) Validate() error {
	for i, repo := range p.Values {
		if repo.UUID == "" {
			return fmt.Errorf("repository %d: uuid is required", i)
		}
		if repo.Slug == "" {
			return fmt.Errorf("repository %s: slug is required", repo.UUID)
		}
		if repo.UpdatedOn.IsZero() {
			return fmt.Errorf("repository %s: updated_on is required", repo.UUID)
		}
	}
	return nil
}

type commitsPage struct {
	Values []commitPayload `json:"values"`
	Next   string          `json:"next"`
}

type commitPayload struct {
	Hash   string    `json:"hash"`
	Date   time.Time `json:"date"`
	Author struct {
		Raw  string `json:"raw"`
		User *struct {
			DisplayName string `json:"display_name"`
		} `json:"user"`
	} `json:"author"`
}

func (p commitsPage) Validate() error {
	for i, commit := range p.Values {
		if commit.Hash == "" {
			return fmt.Errorf("commit %d: hash is required", i)
		}
		if commit.Date.IsZero() {
			return fmt.Errorf("commit %s: date is required", commit.Hash)
		}
	}
	return nil
}
