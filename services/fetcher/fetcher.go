// Package fetcher downloads release artifacts into the content-addressed
// store. The API service enqueues one job per claimed release; this worker
// consumes them, enforcing size and wall-clock limits on every download.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	userAgent = "sideloadd-fetcher/1.0"
	// maxRedirects bounds manual redirect chasing. GitHub asset downloads
	// bounce through objects.githubusercontent.com, so a couple of hops is
	// normal; more than this is a loop.
	maxRedirects = 10
)

var (
	// ErrTooLarge is returned when the payload exceeds the configured ceiling,
	// whether declared up front via Content-Length or discovered mid-stream.
	ErrTooLarge = errors.New("fetch: artifact exceeds size limit")
	// ErrTimeout is returned when the download misses its wall-clock budget.
	ErrTimeout = errors.New("fetch: download timed out")
	// ErrBadStatus is returned for non-success terminal responses.
	ErrBadStatus = errors.New("fetch: unexpected response status")
)

// Fetcher downloads a single artifact into memory, bounded by MaxBytes and
// Timeout. The zero value is not usable; construct with New.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
}

// New builds a Fetcher. Redirects are followed manually so each hop gets the
// same headers and the chain stays bounded.
func New(maxBytes int64, timeout time.Duration) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBytes: maxBytes,
		timeout:  timeout,
	}
}

// Fetch downloads rawURL and returns the full payload. The whole operation,
// redirects included, shares one deadline.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, wrapTimeout(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s from %s", ErrBadStatus, resp.Status, rawURL)
	}

	// Reject declared oversizes before reading a byte. Servers lie, so the
	// streamed count below still enforces the same ceiling.
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes declared, limit %d", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, wrapTimeout(ctx, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrTooLarge, f.maxBytes)
	}
	return data, nil
}

// get issues the request and chases redirects by hand, resolving relative
// Location headers against the current URL.
func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/octet-stream")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}
		resp.Body.Close()

		if hop >= maxRedirects {
			return nil, fmt.Errorf("%w: more than %d redirects from %s", ErrBadStatus, maxRedirects, rawURL)
		}

		location := resp.Header.Get("Location")
		if location == "" {
			return nil, fmt.Errorf("%w: redirect without Location from %s", ErrBadStatus, current)
		}
		next, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse redirect location %q: %w", location, err)
		}
		current = current.ResolveReference(next)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func wrapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
