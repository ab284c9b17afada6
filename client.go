package pttflow

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
)

// Client talks to the PTT service REST API and opens event streams.
// It holds no connection state of its own and is safe for concurrent use.
type Client struct {
	cfg       Config
	base      *url.URL
	streamURL string
	http      *http.Client
}

// maxErrorBody caps how much of an error response is kept in APIError.
const maxErrorBody = 4 << 10

// New validates cfg and returns a client. No network calls are made.
func New(cfg Config) (*Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.APIEndpoint, "/"))
	if err != nil {
		return nil, NewConfigError("APIEndpoint", cfg.APIEndpoint, "invalid URL format")
	}

	streamURL := cfg.StreamEndpoint
	if streamURL == "" {
		u := *base
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws" // plain http is mainly for testing
		}
		u.Path = strings.TrimRight(u.Path, "/") + "/stream"
		streamURL = u.String()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.requestTimeout()}
	}
	return &Client{cfg: cfg, base: base, streamURL: streamURL, http: hc}, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config { return c.cfg }

// StreamURL returns the websocket URL used by OpenStream.
func (c *Client) StreamURL() string { return c.streamURL }

// endpoint joins an already escaped path onto the API base URL.
func (c *Client) endpoint(path string) string {
	u := *c.base
	raw := strings.TrimRight(u.EscapedPath(), "/") + path
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	u.Path, u.RawPath = decoded, raw
	return u.String()
}

// doJSON sends body as JSON and decodes a JSON response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	resp, err := c.do(ctx, method, c.endpoint(path), token, "application/json", rd)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// do performs one request and converts non-2xx responses into *APIError.
// The caller owns the returned body.
func (c *Client) do(ctx context.Context, method, rawURL, token, contentType string, body io.Reader) (*http.Response, error) {
	if ctx == nil {
		return nil, errors.New("pttflow: context cannot be nil")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.requestTimeout())
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request %s %s: %w", method, rawURL, err)
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.userAgent())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pttflow: %s %s: %w", method, req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer cancel()
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Method: method, Path: req.URL.Path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		c.logError("api_error", map[string]any{"method": method, "path": req.URL.Path, "status": resp.StatusCode})
		return nil, apiErr
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *Client) log(event string, fields map[string]any) {
	if c.cfg.StructuredLogger != nil {
		c.cfg.StructuredLogger.Info(event, fields)
	} else if c.cfg.Logger != nil {
		c.cfg.Logger(event, fields)
	}
}

func (c *Client) logDebug(event string, fields map[string]any) {
	if c.cfg.StructuredLogger != nil {
		c.cfg.StructuredLogger.Debug(event, fields)
	}
}

func (c *Client) logError(event string, fields map[string]any) {
	if c.cfg.StructuredLogger != nil {
		c.cfg.StructuredLogger.Error(event, fields)
	} else if c.cfg.Logger != nil {
		c.cfg.Logger("ERROR: "+event, fields)
	}
}
