// Package nvrclient talks to the NVR's (Frigate-compatible) HTTP API for
// clip retrieval and event retention.
package nvrclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin HTTP client over the NVR's event API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Retain marks an event for retention so the NVR does not garbage-collect
// its clip before an operator can review it.
func (c *Client) Retain(ctx context.Context, eventID string) error {
	url := fmt.Sprintf("%s/api/events/%s/retain", c.baseURL, eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nvrclient: retaining event %s: %w", eventID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("nvrclient: retain event %s: unexpected status %d", eventID, resp.StatusCode)
	}
	return nil
}

// Clip downloads the event's recorded clip.
func (c *Client) Clip(ctx context.Context, eventID string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/events/%s/clip.mp4", c.baseURL, eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nvrclient: fetching clip for event %s: %w", eventID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nvrclient: clip for event %s: unexpected status %d", eventID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
