// Package client provides the JSON-over-HTTP capability used by the remote
// namespace listers: fetch(endpoint, params) -> JSON, with retry, bearer
// auth and online tracking.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudtree/cloudtree/internal/logging"
	"github.com/cloudtree/cloudtree/internal/metrics"
	"github.com/cloudtree/cloudtree/pkg/retry"
)

// Client performs authenticated JSON requests against one REST API root.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	online    bool
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()

	if !changed {
		return
	}
	if online {
		logging.Info("api is back online", logging.String("base_url", c.baseURL))
	} else {
		logging.Warn("api is offline", logging.String("base_url", c.baseURL))
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code      int
	Endpoint  string
	ErrorCode string
	Message   string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: server returned %d (%s): %s", e.Endpoint, e.Code, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("%s: server returned %d", e.Endpoint, e.Code)
}

// AsStatus checks if an error is a StatusError and returns it.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsNotFound reports whether err is a 404 or a RESOURCE_DOES_NOT_EXIST error.
func IsNotFound(err error) bool {
	se, ok := AsStatus(err)
	if !ok {
		return false
	}
	return se.Code == http.StatusNotFound || se.ErrorCode == "RESOURCE_DOES_NOT_EXIST"
}

// Fetch issues a GET for endpoint with query params and decodes the JSON
// response into out.
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, params, nil, out)
}

// Post issues a POST with a JSON body and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, data, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body []byte, out any) error {
	target := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.applyAuth(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordHTTPRequest(method, 0, time.Since(start))
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		metrics.RecordHTTPRequest(method, resp.StatusCode, time.Since(start))

		reader, err := decodedBody(resp)
		if err != nil {
			return err
		}
		defer reader.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := parseStatusError(endpoint, resp.StatusCode, reader)
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				c.setOnline(true)
				return retry.RetryableAfter(statusErr, retryAfter(resp.Header.Get("Retry-After")))
			case resp.StatusCode >= 500:
				c.setOnline(false)
				return retry.Retryable(statusErr)
			default:
				c.setOnline(true)
				return statusErr
			}
		}

		c.setOnline(true)
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(reader).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s: %w", endpoint, err)
		}
		return nil
	})
}

func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return io.NopCloser(resp.Body), nil
	}
	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return gr, nil
}

// errorBody covers both the data-platform ({error_code, message}) and the
// BI service ({error: {code, message}}) error shapes.
type errorBody struct {
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Error     json.RawMessage `json:"error"`
}

func parseStatusError(endpoint string, code int, r io.Reader) *StatusError {
	se := &StatusError{Code: code, Endpoint: endpoint}

	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return se
	}

	var eb errorBody
	if json.Unmarshal(data, &eb) != nil {
		se.Message = strings.TrimSpace(string(data))
		return se
	}
	se.ErrorCode = eb.ErrorCode
	se.Message = eb.Message

	if len(eb.Error) > 0 {
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(eb.Error, &nested) == nil {
			se.ErrorCode = nested.Code
			se.Message = nested.Message
		} else {
			var s string
			if json.Unmarshal(eb.Error, &s) == nil {
				se.Message = s
			}
		}
	}
	return se
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
