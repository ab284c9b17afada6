package pttflow

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Common error variables
var (
	// ErrClosed is returned when using a stream or session that has been closed.
	ErrClosed = errors.New("pttflow: connection is closed")

	// ErrInvalidConfig is returned when required configuration fields are missing.
	ErrInvalidConfig = errors.New("pttflow: invalid configuration")

	// ErrConnectionFailed is returned when the stream cannot be established.
	ErrConnectionFailed = errors.New("pttflow: connection failed")

	// ErrSendTimeout is returned when sending a message times out.
	ErrSendTimeout = errors.New("pttflow: send timeout")

	// ErrInvalidEventData is returned when event data cannot be parsed or is incomplete.
	ErrInvalidEventData = errors.New("pttflow: invalid event data")

	// ErrUnauthorized is returned when the service rejects the credential or token.
	ErrUnauthorized = errors.New("pttflow: unauthorized")

	// ErrNotFound is returned when a directory lookup finds nothing.
	ErrNotFound = errors.New("pttflow: not found")
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string // The configuration field that is invalid
	Value   string // The invalid value (if safe to log)
	Message string // Detailed error message
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("pttflow: invalid config field %q (value: %q): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("pttflow: invalid config field %q: %s", e.Field, e.Message)
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ConnectionError represents a stream connection error.
type ConnectionError struct {
	URL       string // The URL that failed to connect
	Cause     error  // The underlying error
	Operation string // The operation that failed (e.g., "dial", "handshake")
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pttflow: %s failed for %q: %v", e.Operation, e.URL, e.Cause)
	}
	return fmt.Sprintf("pttflow: %s failed for %q", e.Operation, e.URL)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ConnectionError.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// SendError represents an error that occurred while sending an event.
type SendError struct {
	EventType string // The type of event being sent
	EventID   string // The event ID (if available)
	Cause     error  // The underlying error
}

func (e *SendError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("pttflow: failed to send %s event %q: %v", e.EventType, e.EventID, e.Cause)
	}
	return fmt.Sprintf("pttflow: failed to send %s event: %v", e.EventType, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Cause
}

// IsTimeout returns true if the error was caused by a timeout.
func (e *SendError) IsTimeout() bool {
	return errors.Is(e.Cause, ErrSendTimeout)
}

// EventError represents an error in processing an event from the stream.
type EventError struct {
	EventType string // The type of event that caused the error
	RawData   []byte // The raw JSON data (if available)
	Cause     error  // The underlying parsing error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("pttflow: failed to process %s event: %v", e.EventType, e.Cause)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for EventError.
func (e *EventError) Is(target error) bool {
	return target == ErrInvalidEventData
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("pttflow: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("pttflow: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Is maps 401/403 to ErrUnauthorized and 404 to ErrNotFound.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrNotFound:
		return e.StatusCode == 404
	}
	return false
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Helper functions for creating specific errors

// NewConfigError creates a new configuration error.
func NewConfigError(field, value, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewConnectionError creates a new connection error.
func NewConnectionError(url, operation string, cause error) *ConnectionError {
	return &ConnectionError{
		URL:       url,
		Operation: operation,
		Cause:     cause,
	}
}

// NewSendError creates a new send error.
func NewSendError(eventType, eventID string, cause error) *SendError {
	return &SendError{
		EventType: eventType,
		EventID:   eventID,
		Cause:     cause,
	}
}

// NewEventError creates a new event processing error.
func NewEventError(eventType string, rawData []byte, cause error) *EventError {
	return &EventError{
		EventType: eventType,
		RawData:   rawData,
		Cause:     cause,
	}
}

// Validation helper functions

// ValidateConfig performs configuration validation.
func ValidateConfig(cfg Config) error {
	if cfg.APIEndpoint == "" {
		return NewConfigError("APIEndpoint", "", "cannot be empty")
	}
	if err := validateEndpoint("APIEndpoint", cfg.APIEndpoint, "http", "https"); err != nil {
		return err
	}
	if cfg.StreamEndpoint != "" {
		if err := validateEndpoint("StreamEndpoint", cfg.StreamEndpoint, "ws", "wss"); err != nil {
			return err
		}
	}

	switch cred := cfg.Credential.(type) {
	case nil:
		return NewConfigError("Credential", "", "cannot be nil")
	case Password:
		if cred.Username == "" {
			return NewConfigError("Credential", "", "username cannot be empty")
		}
		if cred.Password == "" {
			return NewConfigError("Credential", "", "password cannot be empty")
		}
	case Token:
		if cred == "" {
			return NewConfigError("Credential", "", "token cannot be empty")
		}
	}

	if cfg.DialTimeout < 0 {
		return NewConfigError("DialTimeout", cfg.DialTimeout.String(), "cannot be negative")
	}
	if cfg.RequestTimeout < 0 {
		return NewConfigError("RequestTimeout", cfg.RequestTimeout.String(), "cannot be negative")
	}
	return nil
}

func validateEndpoint(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return NewConfigError(field, raw, "invalid URL format")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return NewConfigError(field, raw, fmt.Sprintf("scheme must be one of %v", schemes))
}

// ValidateRXConfig checks an RXConfig before a session is started.
func ValidateRXConfig(cfg RXConfig) error {
	if len(cfg.Groups) == 0 {
		return NewConfigError("Groups", "", "at least one group is required")
	}
	for _, g := range cfg.Groups {
		if g == "" {
			return NewConfigError("Groups", "", "group id cannot be empty")
		}
	}
	if cfg.EngageInterval < 0 {
		return NewConfigError("EngageInterval", cfg.EngageInterval.String(), "cannot be negative")
	}
	if cfg.RefreshSkew < 0 {
		return NewConfigError("RefreshSkew", cfg.RefreshSkew.String(), "cannot be negative")
	}
	if cfg.StableAfter < 0 || cfg.StableAfter > 24*time.Hour {
		return NewConfigError("StableAfter", cfg.StableAfter.String(), "must be between 0 and 24h")
	}
	return nil
}
