// Package bridge maintains the connection to the external live-broadcast
// bridge: a control client for connect/disconnect/status/health requests and
// a stream manager that normalizes the bridge's event stream onto the bus.
// The bridge owns the third-party live-protocol decoding; this package only
// consumes its already-decoded frames.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Client speaks the bridge's HTTP control plane.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Configured reports whether a bridge endpoint is set. An unconfigured
// client makes every component that depends on it inert.
func (c *Client) Configured() bool { return c != nil && c.BaseURL != "" }

// BroadcastStatus is the bridge's view of one broadcast.
type BroadcastStatus struct {
	BroadcastID string `json:"broadcast_id"`
	RoomID      string `json:"room_id"`
	Live        bool   `json:"live"`
	Connected   bool   `json:"connected"`
}

// Connect asks the bridge to open a live connection for broadcastID.
func (c *Client) Connect(ctx context.Context, broadcastID string) error {
	return c.post(ctx, "/connect", broadcastID)
}

// Disconnect tears down the bridge-side connection state for broadcastID.
func (c *Client) Disconnect(ctx context.Context, broadcastID string) error {
	return c.post(ctx, "/disconnect", broadcastID)
}

func (c *Client) post(ctx context.Context, path, broadcastID string) error {
	if broadcastID == "" {
		return fmt.Errorf("broadcastID empty")
	}
	body, _ := json.Marshal(map[string]string{"broadcast_id": broadcastID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// Status queries the bridge for the live state of one broadcast. This is the
// external source of truth the reconciler consults.
func (c *Client) Status(ctx context.Context, broadcastID string) (BroadcastStatus, error) {
	if broadcastID == "" {
		return BroadcastStatus{}, fmt.Errorf("broadcastID empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/status", nil)
	if err != nil {
		return BroadcastStatus{}, err
	}
	q := req.URL.Query()
	q.Set("broadcast_id", broadcastID)
	req.URL.RawQuery = q.Encode()
	c.auth(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return BroadcastStatus{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return BroadcastStatus{}, fmt.Errorf("bridge /status: status %d", resp.StatusCode)
	}
	var st BroadcastStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return BroadcastStatus{}, err
	}
	return st, nil
}

// Health checks bridge liveness.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge /health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
