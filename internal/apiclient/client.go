package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/scm-audit/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts        int
	Waited          time.Duration
	LastRateHeaders RateLimitHeaders
	LastDecision    Decision
}

// Validator is implemented by payloads that check their own required fields.
type Validator interface {
	Validate() error
}

// Client wraps provider HTTP requests with rate-limit retries.
type Client struct {
	name   string
	doer   HTTPDoer
	policy RateLimitPolicy
	logger *zap.Logger

	// Limiter paces attempts when set.
	Limiter *rate.Limiter
	// Sleep is injected for testability.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a request client for one provider API.
func NewClient(name string, doer HTTPDoer, policy RateLimitPolicy, logger *zap.Logger) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		name:   name,
		doer:   doer,
		policy: policy,
		logger: logger.With(zap.String("api", name)),
		Sleep:  sleepContext,
	}
}

// Do executes req, retrying rate-limited responses as the policy allows.
// Any non-2xx response that is not retried is returned as *HTTPError.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("scm-audit/internal/apiclient").Start(
			ctx,
			"apiclient.client.do",
			trace.WithAttributes(
				attribute.String("scm.api", c.name),
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("scm.max_retries", c.policy.MaxRetries),
			),
		)
		defer span.End()
	}

	metadata := CallMetadata{}
	for attempt := (Attempt{}); ; attempt = attempt.Next() {
		metadata.Attempts = attempt.Number()

		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, metadata, fmt.Errorf("wait for request slot: %w", err)
			}
		}

		attemptReq := req.Clone(ctx)
		if attempt.Retries() > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, metadata, fmt.Errorf("rewind request body: %w", err)
			}
			attemptReq.Body = body
		}

		resp, err := c.doer.Do(attemptReq)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return nil, metadata, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
		}

		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("scm.attempt", attempt.Number()),
				attribute.Int("http.status_code", resp.StatusCode),
			))
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if span != nil {
				span.SetStatus(codes.Ok, "request completed")
			}
			return resp, metadata, nil
		}

		headers := ParseRateLimitHeaders(resp.Header)
		decision := c.policy.Evaluate(resp.StatusCode, headers, attempt)
		metadata.LastRateHeaders = headers
		metadata.LastDecision = decision

		httpErr := newHTTPError(req, resp, c.policy.IsRateLimited(resp.StatusCode), attempt.Number())
		if !decision.Retry {
			if span != nil {
				span.SetStatus(codes.Error, httpErr.Error())
			}
			return nil, metadata, httpErr
		}

		c.logger.Debug(
			"rate limited; backing off before retry",
			zap.String("url", httpErr.URL),
			zap.Int("status", resp.StatusCode),
			zap.Int("retry", attempt.Next().Retries()),
			zap.Duration("wait", decision.WaitFor),
			zap.String("reason", decision.Reason),
		)
		if err := c.Sleep(ctx, decision.WaitFor); err != nil {
			return nil, metadata, fmt.Errorf("rate limit backoff: %w", err)
		}
		metadata.Waited += decision.WaitFor
	}
}

// GetJSON issues a GET for rawURL, decodes the body into target and returns the response headers.
// When target implements Validator the decoded value is validated before returning.
func (c *Client) GetJSON(ctx context.Context, rawURL string, header http.Header, resource string, target any) (http.Header, CallMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, CallMetadata{}, fmt.Errorf("build %s request: %w", resource, err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, metadata, err := c.Do(req)
	if err != nil {
		return nil, metadata, fmt.Errorf("%s request failed: %w", resource, err)
	}
	if err := decodeJSONAndClose(resp, resource, target); err != nil {
		return nil, metadata, err
	}
	return resp.Header, metadata, nil
}

func decodeJSONAndClose(resp *http.Response, resource string, target any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return &DecodeError{Resource: resource, Err: err}
	}
	if validator, ok := target.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return &DecodeError{Resource: resource, Err: err}
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
