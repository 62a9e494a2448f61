package bitbucketapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// BasicAuthConfig configures username and app password authentication.
type BasicAuthConfig struct {
	Username      string
	AppPassword   string
	Timeout       time.Duration
	BaseTransport http.RoundTripper
}

// NewBasicAuthHTTPClient creates an HTTP client that authenticates every request with basic auth.
func NewBasicAuthHTTPClient(cfg BasicAuthConfig) (*http.Client, error) {
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if strings.TrimSpace(cfg.AppPassword) == "" {
		return nil, fmt.Errorf("app password is required")
	}

	base := cfg.BaseTransport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &basicAuthTransport{
			username: username,
			password: cfg.AppPassword,
			base:     base,
		},
		Timeout: cfg.Timeout,
	}, nil
}

type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	authed := req.Clone(req.Context())
	authed.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(authed)
}
