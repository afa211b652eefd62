// Package remote is the device-side client of the shared store node.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNotConfigured is returned when no store URL is known yet.
var ErrNotConfigured = errors.New("remote store not configured")

// StatusError is a non-2xx response from the store node.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: store returned %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: store returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// HTTPStore talks to the store node's path-addressed tree API. The base URL
// may change at runtime as store nodes are discovered.
type HTTPStore struct {
	client *http.Client

	mu      sync.RWMutex
	baseURL string
}

// NewHTTPStore creates a client. baseURL may be empty until SetBaseURL is
// called.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPStore{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SetBaseURL points the client at a store node, e.g. "http://10.0.0.4:8080".
func (s *HTTPStore) SetBaseURL(baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimRight(baseURL, "/")
}

// BaseURL returns the current store URL.
func (s *HTTPStore) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// Ready reports whether a store URL is configured.
func (s *HTTPStore) Ready() bool {
	return s.BaseURL() != ""
}

// Set replaces the value at path.
func (s *HTTPStore) Set(ctx context.Context, path string, value any) error {
	return s.do(ctx, http.MethodPut, path, map[string]any{"value": value}, nil)
}

// Update merges fields into the value at path.
func (s *HTTPStore) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.do(ctx, http.MethodPatch, path, map[string]any{"fields": fields}, nil)
}

// Delete removes the value at path.
func (s *HTTPStore) Delete(ctx context.Context, path string) error {
	return s.do(ctx, http.MethodDelete, path, nil, nil)
}

// Get reads the value at path. found is false when nothing is stored there.
func (s *HTTPStore) Get(ctx context.Context, path string) (value any, found bool, err error) {
	var out struct {
		Value any `json:"value"`
	}
	err = s.do(ctx, http.MethodGet, path, nil, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out.Value, true, nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	base := s.BaseURL()
	if base == "" {
		return ErrNotConfigured
	}

	endpoint := base + "/store?path=" + url.QueryEscape(path)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
