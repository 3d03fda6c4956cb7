// Package awclient is a minimal client for the ActivityWatch server REST
// API, covering bucket creation and heartbeats.
package awclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Event is one ActivityWatch event. Duration is in seconds.
type Event struct {
	Timestamp time.Time        `json:"timestamp"`
	Duration  float64          `json:"duration"`
	Data      map[string]int64 `json:"data"`
}

type Client struct {
	baseURL    string
	clientName string
	hc         *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

func New(host string, port int, clientName string, opts ...Option) *Client {
	c := &Client{
		baseURL:    fmt.Sprintf("http://%s/api/0", joinHostPort(host, port)),
		clientName: clientName,
		hc:         &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func joinHostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

type createBucketRequest struct {
	Client   string `json:"client"`
	Type     string `json:"type"`
	Hostname string `json:"hostname"`
}

// EnsureBucket creates the bucket if it does not exist yet. The server
// answers 304 for a bucket that already exists; both outcomes are success.
func (c *Client) EnsureBucket(ctx context.Context, bucketID, eventType, hostname string) error {
	body, err := json.Marshal(createBucketRequest{
		Client:   c.clientName,
		Type:     eventType,
		Hostname: hostname,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bucket request: %w", err)
	}
	url := fmt.Sprintf("%s/buckets/%s", c.baseURL, bucketID)
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotModified {
		return nil
	}
	return checkStatus(resp)
}

// Heartbeat sends one event to the bucket's heartbeat endpoint. pulsetime
// tells the server how close two consecutive events have to be to get
// merged into a single span.
func (c *Client) Heartbeat(ctx context.Context, bucketID string, event Event, pulsetime float64) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	url := fmt.Sprintf("%s/buckets/%s/heartbeat?pulsetime=%s", c.baseURL, bucketID,
		strconv.FormatFloat(pulsetime, 'f', -1, 64))
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return fmt.Errorf("failed to send heartbeat to %s: %w", bucketID, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.hc.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
}
