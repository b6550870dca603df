package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// maxBodySize bounds how much of a response is read (platform dumps are a few MB).
const maxBodySize = 64 << 20

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// retryable reports whether the status is worth another attempt.
func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// fetcher performs GET requests with bounded exponential backoff.
type fetcher struct {
	client    *http.Client
	token     string
	userAgent string
	attempts  int
	initial   time.Duration
	max       time.Duration
}

func newFetcher(timeout time.Duration, attempts int, token string) *fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &fetcher{
		client:    &http.Client{Timeout: timeout},
		token:     token,
		userAgent: "bountyradar/1.0",
		attempts:  attempts,
		initial:   500 * time.Millisecond,
		max:       8 * time.Second,
	}
}

func (f *fetcher) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	var body []byte
	err := f.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("User-Agent", f.userAgent)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if f.token != "" {
			req.Header.Set("Authorization", "Bearer "+f.token)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			serr := &StatusError{URL: rawURL, Code: resp.StatusCode}
			if serr.retryable() {
				return serr
			}
			return permanent(serr)
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent marks err as not worth retrying.
func permanent(err error) error {
	return &permanentError{err: err}
}

// retry runs fn up to f.attempts times, doubling the delay between attempts
// up to f.max and adding jitter.
func (f *fetcher) retry(ctx context.Context, fn func() error) error {
	d := f.initial
	var err error
	for i := 0; i < f.attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(jitter(d)):
			case <-ctx.Done():
				return ctx.Err()
			}
			if d < f.max {
				d = min(d*2, f.max)
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// jitter returns a delay in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}
