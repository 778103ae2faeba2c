// Package syncclient implements the HTTP push/pull wire calls the sync
// engine drives: one POST per direction, request ids via ulid for
// server-side log correlation, and a getAuth callback invoked once per
// HTTP 401 before the caller retries.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/kvsync/kvsync/internal/wire"
)

// AuthProvider returns a fresh Authorization header value, or "" if none is
// configured. Returning an error surfaces to the sync engine as a fatal
// auth failure for that cycle.
type AuthProvider func(ctx context.Context) (string, error)

// Pusher sends a batch of pending mutations to the server.
type Pusher interface {
	Push(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error)
}

// Puller fetches a patch relative to a base state.
type Puller interface {
	Pull(ctx context.Context, req wire.PullRequest) (*wire.PullResponse, error)
}

// HTTPClient is the subset of *http.Client used here, so tests can swap in
// a fake round tripper.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPPusher POSTs to a fixed pushURL.
type HTTPPusher struct {
	Client HTTPClient
	URL    string
	Auth   AuthProvider // may be nil
}

func (p *HTTPPusher) Push(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error) {
	var resp wire.PushResponse
	if err := doJSON(ctx, p.Client, p.URL, p.Auth, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HTTPPuller POSTs to a fixed pullURL.
type HTTPPuller struct {
	Client HTTPClient
	URL    string
	Auth   AuthProvider // may be nil
}

func (p *HTTPPuller) Pull(ctx context.Context, req wire.PullRequest) (*wire.PullResponse, error) {
	var resp wire.PullResponse
	if err := doJSON(ctx, p.Client, p.URL, p.Auth, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CachedAuth holds the current credential and a refresh function; it
// serves requests a cached value until Invalidate is called (by the sync
// engine after an HTTP 401), at which point the next Get re-runs refresh.
type CachedAuth struct {
	mu      sync.Mutex
	token   string
	fresh   bool
	refresh func(ctx context.Context) (string, error)
}

// NewCachedAuth wraps refresh with a cache; initial, if non-empty, seeds
// the first value so the very first request doesn't call refresh.
func NewCachedAuth(initial string, refresh func(ctx context.Context) (string, error)) *CachedAuth {
	return &CachedAuth{token: initial, fresh: initial != "", refresh: refresh}
}

// Get returns the current credential, calling refresh if none is cached.
func (c *CachedAuth) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh {
		return c.token, nil
	}
	if c.refresh == nil {
		return c.token, nil
	}
	token, err := c.refresh(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.fresh = true
	return c.token, nil
}

// Invalidate forces the next Get to call refresh.
func (c *CachedAuth) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fresh = false
}

// Provider adapts this cache into an AuthProvider for HTTPPusher/HTTPPuller.
func (c *CachedAuth) Provider() AuthProvider {
	return c.Get
}

// doJSON performs one POST with a JSON body and decodes a JSON response.
// It does not itself retry on 401 -- ErrUnauthorized is returned so the
// sync engine can invoke its auth callback and call again.
func doJSON(ctx context.Context, client HTTPClient, url string, auth AuthProvider, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", ulid.Make().String())

	if auth != nil {
		token, err := auth(ctx)
		if err != nil {
			return err
		}
		if token != "" {
			httpReq.Header.Set("Authorization", token)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("wire: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return wire.ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &wire.HTTPError{Status: resp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	return nil
}
