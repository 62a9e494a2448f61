package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrRateLimited matches HTTP errors returned after rate-limit retries were exhausted.
	ErrRateLimited = errors.New("rate limit retries exhausted")
	// ErrMalformedResponse matches responses that failed decoding or schema validation.
	ErrMalformedResponse = errors.New("malformed provider response")
)

const maxErrorBodyBytes = 4096

// HTTPError is a non-successful provider response.
type HTTPError struct {
	Method      string
	URL         string
	StatusCode  int
	Message     string
	RateLimited bool
	Attempts    int
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	if e.RateLimited {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is lets errors.Is match ErrRateLimited.
func (e *HTTPError) Is(target error) bool {
	return target == ErrRateLimited && e.RateLimited
}

// DecodeError reports a response body that could not be decoded into its schema.
type DecodeError struct {
	Resource string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Resource, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrMalformedResponse.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedResponse
}

func newHTTPError(req *http.Request, resp *http.Response, rateLimited bool, attempts int) *HTTPError {
	httpErr := &HTTPError{
		Method:      req.Method,
		URL:         req.URL.Redacted(),
		StatusCode:  resp.StatusCode,
		RateLimited: rateLimited,
		Attempts:    attempts,
	}
	if resp.Body == nil {
		return httpErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return httpErr
	}
	httpErr.Message = errorMessage(body)
	return httpErr
}

// errorMessage extracts the GitHub ("message") or Bitbucket ("error.message") error text.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
