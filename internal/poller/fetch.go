package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodySize bounds a single poll response
const maxBodySize = 8 << 20

// Fetcher performs one GET against the backend REST API
type Fetcher interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// HTTPFetcher is an unauthenticated Fetcher
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFetcher creates a fetcher rooted at baseURL
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Get fetches path and returns the body of a 2xx response
func (f *HTTPFetcher) Get(ctx context.Context, path string) ([]byte, error) {
	url := f.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	return ReadBody(resp)
}

// ReadBody returns the body of a 2xx response or a *StatusError
func ReadBody(resp *http.Response) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		se := &StatusError{StatusCode: resp.StatusCode}
		if resp.Request != nil {
			se.URL = resp.Request.URL.String()
		}
		return nil, se
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
