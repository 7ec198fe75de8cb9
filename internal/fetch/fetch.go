// Package fetch performs buffered GET requests for the cache layers.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/citypack/internal/domain"
)

const userAgent = "citypack/1.0"

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option adjusts an outgoing request.
type Option func(req *http.Request)

// Internal marks the request with the worker bypass header.
func Internal() Option {
	return func(req *http.Request) {
		req.Header.Set(domain.InternalHeader, "1")
	}
}

// Get fetches url and buffers the response. Non-2xx responses are returned
// without error; callers decide whether to store them.
func Get(ctx context.Context, client Doer, url string, opts ...Option) (*domain.StoredResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for _, opt := range opts {
		opt(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return FromHTTP(url, resp, body, time.Now()), nil
}

// FromHTTP converts an already read response.
func FromHTTP(url string, resp *http.Response, body []byte, now time.Time) *domain.StoredResponse {
	return &domain.StoredResponse{
		URL:      url,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: now,
		LastUsed: now,
	}
}
