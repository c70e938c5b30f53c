// Package httpx builds HTTP clients with bounded retries for fetching remote resources.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultRetryMax  = 2
	defaultBackoff   = 200 * time.Millisecond
	defaultUserAgent = "livephoto/1"
)

// Transport retries replayable requests on transport errors and 5xx responses.
type Transport struct {
	Base http.RoundTripper

	// RetryMax is the number of retries after the first attempt.
	RetryMax int
	// Backoff is the delay before the first retry; it doubles on each attempt.
	Backoff   time.Duration
	UserAgent string
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// Only GET and HEAD without a body can be replayed.
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	maxRetry := t.RetryMax
	if maxRetry < 0 || !canRetry {
		maxRetry = 0
	}

	backoff := t.Backoff
	var lastErr error
	for attempt := 0; attempt <= maxRetry; attempt++ {
		if attempt > 0 {
			if err := sleep(req.Context(), backoff); err != nil {
				return nil, lastErr
			}
			backoff *= 2
		}

		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" && t.UserAgent != "" {
			r.Header.Set("User-Agent", t.UserAgent)
		}

		resp, err := base.RoundTrip(r)
		if err == nil && (resp.StatusCode < 500 || attempt == maxRetry) {
			return resp, nil
		}
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			err = fmt.Errorf("server error: %s", resp.Status)
		}
		lastErr = err
		if req.Context().Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewClient returns a client with the retrying transport and an overall timeout.
func NewClient(opts ...func(t *Transport)) *http.Client {
	tr := &Transport{
		Base: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
		},
		RetryMax:  defaultRetryMax,
		Backoff:   defaultBackoff,
		UserAgent: defaultUserAgent,
	}
	for _, applyOpt := range opts {
		applyOpt(tr)
	}
	return &http.Client{Transport: tr, Timeout: defaultTimeout}
}

// StatusError is returned by Get for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Get fetches url and returns the body with its content type. The caller closes the body.
func Get(ctx context.Context, c *http.Client, url string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, "", &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
