package bitbucketapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/scm-audit/internal/apiclient"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeDoer struct {
	responses []*http.Response
	requests  []*http.Request
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	idx := len(d.requests)
	d.requests = append(d.requests, req)
	if idx >= len(d.responses) {
		return newResponse(http.StatusNotFound, `{"error":{"message":"not found"}}`), nil
	}
	return d.responses[idx], nil
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestDataClient(t *testing.T, doer apiclient.HTTPDoer) *DataClient {
	t.Helper()

	requestClient := apiclient.NewClient("bitbucket", doer, apiclient.BitbucketRateLimitPolicy(3, time.Minute), nil)
	requestClient.Sleep = func(context.Context, time.Duration) error { return nil }

	client, err := NewDataClient("", "acme", requestClient, apiclient.NewWindow(30, testNow), nil)
	if err != nil {
		t.Fatalf("NewDataClient() unexpected error: %v", err)
	}
	return client
}

func TestNewDataClient(t *testing.T) {
	t.Parallel()

	requestClient := apiclient.NewClient("bitbucket", &fakeDoer{}, apiclient.BitbucketRateLimitPolicy(3, time.Minute), nil)
	testCases := []struct {
		name        string
		baseURL     string
		workspace   string
		client      *apiclient.Client
		errContains string
	}{
		{name: "valid", workspace: "acme", client: requestClient},
		{name: "missing_workspace", workspace: " ", client: requestClient, errContains: "workspace is required"},
		{name: "missing_client", workspace: "acme", errContains: "request client is required"},
		{name: "bad_base_url", baseURL: "not a url", workspace: "acme", client: requestClient, errContains: "parse bitbucket api base url"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewDataClient(tc.baseURL, tc.workspace, tc.client, apiclient.NewWindow(30, testNow), nil)
			if tc.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("NewDataClient() error = %v, want %q", err, tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewDataClient() unexpected error: %v", err)
			}
			if client.Workspace() != "acme" {
				t.Fatalf("Workspace() = %q, want acme", client.Workspace())
			}
		})
	}
}

func TestListRepositoriesFollowsNextAndFilters(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{
		responses: []*http.Response{
			newResponse(http.StatusOK, `{
				"values": [
					{"uuid":"{r1}","slug":"api","name":"API","is_private":true,"updated_on":"2025-03-09T10:00:00.000000+00:00"}
				],
				"next": "https://api.bitbucket.org/2.0/repositories/acme?pagelen=100&sort=-updated_on&page=2"
			}`),
			newResponse(http.StatusOK, `{
				"values": [
					{"uuid":"{r2}","slug":"web","name":"Web","is_private":false,"updated_on":"2025-03-01T10:00:00+00:00"},
					{"uuid":"{r3}","slug":"old","name":"Old","is_private":false,"updated_on":"2024-06-01T10:00:00+00:00"}
				],
				"next": "https://api.bitbucket.org/2.0/repositories/acme?pagelen=100&sort=-updated_on&page=3"
			}`),
		},
	}
	client := newTestDataClient(t, doer)

	repos, err := client.ListRepositories(context.Background())
	if err != nil {
		t.Fatalf("ListRepositories() unexpected error: %v", err)
	}
	if len(doer.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(doer.requests))
	}
	if got := doer.requests[0].URL.String(); got != "https://api.bitbucket.org/2.0/repositories/acme?pagelen=100&sort=-updated_on" {
		t.Fatalf("first request = %q", got)
	}
	if got := doer.requests[1].URL.Query().Get("page"); got != "2" {
		t.Fatalf("second request page = %q, want 2", got)
	}
	if len(repos) != 2 || repos[0].UUID != "{r1}" || repos[1].Slug != "web" {
		t.Fatalf("ListRepositories() = %+v", repos)
	}
	if !repos[0].IsPrivate {
		t.Fatalf("repos[0].IsPrivate = false, want true")
	}
}

func TestListCommits(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{
		responses: []*http.Response{
			newResponse(http.StatusOK, `{
				"values": [
					{"hash":"a1","date":"2025-03-09T10:00:00+00:00","author":{"raw":"Alice <a@x>","user":{"display_name":"Alice"}}},
					{"hash":"b2","date":"2025-03-08T10:00:00+00:00","author":{"raw":"ci-bot <ci@x>"}},
					{"hash":"c3","date":"2025-01-08T10:00:00+00:00","author":{"raw":"Alice <a@x>","user":{"display_name":"Alice"}}}
				],
				"next": "https://api.bitbucket.org/2.0/repositories/acme/api/commits?page=2"
			}`),
		},
	}
	client := newTestDataClient(t, doer)

	commits, err := client.ListCommits(context.Background(), Repository{UUID: "{r1}", Slug: "api"})
	if err != nil {
		t.Fatalf("ListCommits() unexpected error: %v", err)
	}
	if len(doer.requests) != 1 {
		t.Fatalf("requests = %d, want 1 (early stop)", len(doer.requests))
	}
	if got := doer.requests[0].URL.Path; got != "/2.0/repositories/acme/api/commits" {
		t.Fatalf("path = %q", got)
	}
	if len(commits) != 2 {
		t.Fatalf("len(commits) = %d, want 2", len(commits))
	}
	if commits[0].AuthorName != "Alice" || commits[1].AuthorName != "" {
		t.Fatalf("authors = %q, %q", commits[0].AuthorName, commits[1].AuthorName)
	}
}

func TestListCommitsRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{
		responses: []*http.Response{
			newResponse(http.StatusOK, `{"values":[{"hash":"a1","author":{}}]}`),
		},
	}
	client := newTestDataClient(t, doer)

	_, err := client.ListCommits(context.Background(), Repository{Slug: "api"})
	if !errors.Is(err, apiclient.ErrMalformedResponse) {
		t.Fatalf("ListCommits() error = %v, want ErrMalformedResponse", err)
	}
}

func TestListRepositoriesRateLimitExhausted(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{
		responses: []*http.Response{
			newResponse(http.StatusTooManyRequests, ""),
			newResponse(http.StatusTooManyRequests, ""),
			newResponse(http.StatusTooManyRequests, ""),
			newResponse(http.StatusTooManyRequests, ""),
		},
	}
	client := newTestDataClient(t, doer)

	_, err := client.ListRepositories(context.Background())
	if !errors.Is(err, apiclient.ErrRateLimited) {
		t.Fatalf("ListRepositories() error = %v, want ErrRateLimited", err)
	}
	if len(doer.requests) != 4 {
		t.Fatalf("requests = %d, want 4", len(doer.requests))
	}
}

func TestNewBasicAuthHTTPClient(t *testing.T) {
	t.Parallel()

	var gotUser, gotPass string
	var gotOK bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	if _, err := NewBasicAuthHTTPClient(BasicAuthConfig{Username: "dev"}); err == nil {
		t.Fatalf("NewBasicAuthHTTPClient() without password expected error, got nil")
	}

	client, err := NewBasicAuthHTTPClient(BasicAuthConfig{Username: "dev", AppPassword: "app-pass", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewBasicAuthHTTPClient() unexpected error: %v", err)
	}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	_ = resp.Body.Close()
	if !gotOK || gotUser != "dev" || gotPass != "app-pass" {
		t.Fatalf("BasicAuth() = %q, %q, %t", gotUser, gotPass, gotOK)
	}
}
