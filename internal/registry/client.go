// Package registry talks to the peer directory service that maps stable
// user identities to their current transport addresses. Addresses are
// short-lived and overwritten on every (re)connect, so callers resolve
// immediately before dialing and never cache.
package registry

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
	"time"
)

// ErrNotFound means the identity has no announced address right now.
var ErrNotFound = errors.New("registry: peer address not found")

const (
	announceAttempts    = 3
	announceBackoffBase = 200 * time.Millisecond
	announceBackoffCap  = 2 * time.Second
)

// Client is an HTTP client for the registry service.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type addressRecord struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
}

// Announce publishes the local transport address for identity, replacing
// whatever was stored before. Transient registry failures are retried with
// capped backoff; an unreachable registry means nobody can call us, so
// giving up fast only shifts the failure later.
func (c *Client) Announce(ctx context.Context, identity, address string) error {
	payload, err := json.Marshal(addressRecord{Identity: identity, Address: address})
	if err != nil {
		return fmt.Errorf("marshal announce: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < announceAttempts; attempt++ {
		if attempt > 0 {
			wait := announceBackoff(attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		retryable, err := c.announceOnce(ctx, identity, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

func (c *Client) announceOnce(ctx context.Context, identity string, payload []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.peerURL(identity), bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create announce request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("announce address: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("registry status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		return retryableStatus(res.StatusCode), err
	}
	return false, nil
}

// retryableStatus reports whether the registry response is worth another
// attempt. Client errors mean the request itself is wrong and will not
// improve on retry.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// announceBackoff doubles the base delay per completed attempt, capped so a
// struggling registry is not hammered at startup.
func announceBackoff(attempt int) time.Duration {
	wait := announceBackoffBase << attempt
	if wait <= 0 || wait > announceBackoffCap {
		return announceBackoffCap
	}
	return wait
}

// Resolve returns the current transport address for identity.
func (c *Client) Resolve(ctx context.Context, identity string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.peerURL(identity), nil)
	if err != nil {
		return "", fmt.Errorf("create resolve request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve address: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("registry status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec addressRecord
	if err := json.NewDecoder(res.Body).Decode(&rec); err != nil {
		return "", fmt.Errorf("decode address record: %w", err)
	}
	if rec.Address == "" {
		return "", ErrNotFound
	}
	return rec.Address, nil
}

func (c *Client) peerURL(identity string) string {
	return c.baseURL + "/v1/peers/" + url.PathEscape(identity)
}
