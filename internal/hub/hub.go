// Package hub implements the optional central registry collaborator
// described in §1's non-goals: a best-effort outbound HTTP client. A
// layer that has no hub configured (or whose hub is unreachable) simply
// falls back to a zero identifier, per §4.5 step 1.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin best-effort HTTP client for the hub's register/
// heartbeat/complete endpoints, modelled on the teacher's small
// JSON-over-HTTP API clients (retry loop and error envelope omitted: the
// hub is explicitly a best-effort collaborator, not one the core depends
// on for correctness).
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client pointed at baseURL ("http://host:port").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Register tells the hub a new layer came online, returning the uidx it
// assigns (or an error if the hub is unreachable; callers fall back to
// "0").
func (c *Client) Register(ctx context.Context, id, serverAddr string) (string, error) {
	var out struct {
		Uidx string `json:"uidx"`
	}
	if err := c.post(ctx, "/register", map[string]string{"id": id, "server": serverAddr}, &out); err != nil {
		return "", err
	}
	return out.Uidx, nil
}

// Heartbeat reports a best-effort status update; failures are not fatal
// to the caller.
func (c *Client) Heartbeat(ctx context.Context, id string, resultSummary interface{}) error {
	return c.post(ctx, "/heartbeat", map[string]interface{}{"id": id, "summary": resultSummary}, nil)
}

// Complete reports the final result for id.
func (c *Client) Complete(ctx context.Context, id, result string) error {
	return c.post(ctx, "/complete", map[string]string{"id": id, "result": result}, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("hub: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("hub: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hub: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("hub: decode response: %w", err)
		}
	}
	return nil
}
