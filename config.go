package pttflow

import (
	"net/http"
	"time"
)

// Credential represents an authentication method for the PTT service.
// Password credentials are exchanged for a token by Login; Token credentials
// are used as-is.
type Credential interface{ credential() }

// Password implements Credential using the service's username/password login.
type Password struct {
	Username string
	Password string
}

func (Password) credential() {}

// Token implements Credential using a pre-issued bearer token.
// No login request is made when a Token is configured.
type Token string

func (Token) credential() {}

// Config holds all configuration options for creating a PTT service client.
type Config struct {
	// APIEndpoint is the base URL of the PTT REST API.
	// Format: https://api.example.com
	// Required: Yes
	APIEndpoint string

	// StreamEndpoint is the websocket URL of the event stream.
	// If empty it is derived from APIEndpoint (https→wss, path /stream).
	// Required: No
	StreamEndpoint string

	// Credential provides authentication for API requests.
	// Required: Yes
	Credential Credential

	// DialTimeout sets the maximum time to wait for the stream handshake.
	// Required: No
	DialTimeout time.Duration

	// RequestTimeout bounds each REST call. Zero means 15 seconds.
	// Required: No
	RequestTimeout time.Duration

	// HTTPClient is used for REST calls and the websocket handshake.
	// Required: No (defaults to a client with RequestTimeout)
	HTTPClient *http.Client

	// HandshakeHeaders are added to the websocket handshake request.
	// Required: No
	HandshakeHeaders http.Header

	// UserAgent is sent on every request.
	// Required: No
	UserAgent string

	// Logger is called for significant events (stream_connected, bad_event_json, ...).
	// Required: No (if nil, no logging occurs)
	Logger func(event string, fields map[string]any)

	// StructuredLogger takes precedence over Logger when both are set.
	// Required: No
	StructuredLogger *Logger
}

const (
	defaultRequestTimeout = 15 * time.Second
	defaultUserAgent      = "pttflow/1"
)

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return defaultRequestTimeout
}

func (c Config) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}
