package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloudtree/cloudtree/internal/logging"
)

// SSEEvent is one change notification from a change feed. Path is the
// remote-namespace path that changed.
type SSEEvent struct {
	Type      string          `json:"type"`
	Namespace string          `json:"namespace"`
	Path      string          `json:"path"`
	Time      int64           `json:"time"`
	Raw       json.RawMessage `json:"-"`
}

// SSEClient subscribes to a Server-Sent Events change feed.
type SSEClient struct {
	url          string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
	mu           sync.RWMutex
	authToken    string
}

// NewSSEClient creates a new SSE client for the feed at url.
func NewSSEClient(url string) *SSEClient {
	return &SSEClient{
		url: url,
		httpClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// SetAuthToken sets the bearer token for SSE requests.
func (c *SSEClient) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// Subscribe connects to the feed and returns a channel of events. Both
// channels are closed once ctx is done.
func (c *SSEClient) Subscribe(ctx context.Context) (<-chan SSEEvent, <-chan error) {
	events := make(chan SSEEvent, 100)
	errs := make(chan error, 1)

	go c.subscribeLoop(ctx, events, errs)

	return events, errs
}

func (c *SSEClient) subscribeLoop(ctx context.Context, events chan<- SSEEvent, errs chan<- error) {
	defer close(events)
	defer close(errs)

	reconnectDelay := c.reconnectMin

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connect(ctx, events)
		if err == nil || ctx.Err() != nil {
			reconnectDelay = c.reconnectMin
			continue
		}

		logging.Warn("change feed connection error",
			logging.Err(err), logging.Duration("reconnect_in", reconnectDelay))
		select {
		case errs <- err:
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > c.reconnectMax {
			reconnectDelay = c.reconnectMax
		}
	}
}

func (c *SSEClient) connect(ctx context.Context, events chan<- SSEEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	logging.Info("change feed connected", logging.String("url", c.url))

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string

	for scanner.Scan() {
		line := scanner.Text()

		if ctx.Err() != nil {
			return nil
		}

		if line == "" {
			if data != "" {
				event := SSEEvent{Raw: json.RawMessage(data)}
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					logging.Debug("change feed event not decodable", logging.Err(err))
				}
				if eventType != "" {
					event.Type = eventType
				}

				select {
				case events <- event:
				default:
					logging.Debug("change feed event dropped (channel full)")
				}
			}
			eventType, data = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}
