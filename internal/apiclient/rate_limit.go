package apiclient

import (
	"net/http"
	"slices"
	"strconv"
	"time"
)

const (
	// DefaultMaxRateLimitRetries is how many times a rate-limited request is retried.
	DefaultMaxRateLimitRetries = 3
	// DefaultFixedBackoff is the wait applied when a provider advertises no reset time.
	DefaultFixedBackoff = 60 * time.Second
)

// RateLimitHeaders contains parsed rate-limit response headers.
type RateLimitHeaders struct {
	Remaining  int
	ResetUnix  int64
	RetryAfter time.Duration
}

// Decision is the retry decision for one non-successful response.
type Decision struct {
	Retry   bool
	WaitFor time.Duration
	Reason  string
}

// Attempt identifies one try of a request. The zero value is the first try.
type Attempt struct {
	retries int
}

// Number is the 1-based attempt number.
func (a Attempt) Number() int {
	return a.retries + 1
}

// Retries is the number of retries that preceded this attempt.
func (a Attempt) Retries() int {
	return a.retries
}

// Next returns the attempt that follows a.
func (a Attempt) Next() Attempt {
	return Attempt{retries: a.retries + 1}
}

// RateLimitPolicy decides which responses are rate limited and how long to back off.
type RateLimitPolicy struct {
	// Statuses lists the HTTP status codes treated as rate limiting.
	Statuses   []int
	MaxRetries int
	// UseResetHeader waits until X-RateLimit-Reset when the response carries it.
	UseResetHeader bool
	FixedBackoff   time.Duration
	Now            func() time.Time
}

// GitHubRateLimitPolicy retries 429 and 403 responses, waiting for the advertised reset time.
func GitHubRateLimitPolicy(maxRetries int, fallbackBackoff time.Duration) RateLimitPolicy {
	return RateLimitPolicy{
		Statuses:       []int{http.StatusTooManyRequests, http.StatusForbidden},
		MaxRetries:     maxRetries,
		UseResetHeader: true,
		FixedBackoff:   fallbackBackoff,
	}
}

// BitbucketRateLimitPolicy retries 429 responses after a fixed backoff.
func BitbucketRateLimitPolicy(maxRetries int, backoff time.Duration) RateLimitPolicy {
	return RateLimitPolicy{
		Statuses:     []int{http.StatusTooManyRequests},
		MaxRetries:   maxRetries,
		FixedBackoff: backoff,
	}
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header) RateLimitHeaders {
	parsed := RateLimitHeaders{
		Remaining: parseInt(header.Get("X-RateLimit-Remaining")),
		ResetUnix: parseInt64(header.Get("X-RateLimit-Reset")),
	}
	if retryAfterSeconds := parseInt(header.Get("Retry-After")); retryAfterSeconds > 0 {
		parsed.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}
	return parsed
}

// IsRateLimited reports whether statusCode signals rate limiting under this policy.
func (p RateLimitPolicy) IsRateLimited(statusCode int) bool {
	return slices.Contains(p.Statuses, statusCode)
}

// Evaluate decides whether the response to attempt should be retried and for how long to wait first.
func (p RateLimitPolicy) Evaluate(statusCode int, headers RateLimitHeaders, attempt Attempt) Decision {
	if !p.IsRateLimited(statusCode) {
		return Decision{Reason: "not_rate_limited"}
	}
	if attempt.Retries() >= p.MaxRetries {
		return Decision{Reason: "retries_exhausted"}
	}

	if p.UseResetHeader && headers.ResetUnix > 0 {
		now := time.Now()
		if p.Now != nil {
			now = p.Now()
		}
		waitFor := time.Unix(headers.ResetUnix, 0).Sub(now)
		if waitFor < 0 {
			waitFor = 0
		}
		return Decision{Retry: true, WaitFor: waitFor, Reason: "reset_header"}
	}
	if p.UseResetHeader && headers.RetryAfter > 0 {
		return Decision{Retry: true, WaitFor: headers.RetryAfter, Reason: "retry_after"}
	}
	return Decision{Retry: true, WaitFor: p.FixedBackoff, Reason: "fixed_backoff"}
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
