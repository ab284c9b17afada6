package pttflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", config.MaxRetries)
	}
	if config.BaseDelay != 1*time.Second {
		t.Errorf("expected BaseDelay=1s, got %v", config.BaseDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("expected MaxDelay=30s, got %v", config.MaxDelay)
	}
	if config.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %f", config.Multiplier)
	}
	if config.RetryableErrors == nil {
		t.Error("expected RetryableErrors function to be set")
	}
}

func TestWithRetry_Success(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, BaseDelay: 1 * time.Millisecond}
	callCount := 0

	err := WithRetry(context.Background(), config, func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestWithRetry_SuccessAfterRetries(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, BaseDelay: 1 * time.Millisecond}
	callCount := 0

	err := WithRetry(context.Background(), config, func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestWithRetry_MaxRetriesExceeded(t *testing.T) {
	config := RetryConfig{MaxRetries: 2, BaseDelay: 1 * time.Millisecond}
	callCount := 0

	err := WithRetry(context.Background(), config, func() error {
		callCount++
		return errors.New("persistent failure")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if callCount != 3 { // initial attempt + 2 retries
		t.Errorf("expected 3 calls, got %d", callCount)
	}
	if !strings.Contains(err.Error(), "persistent failure") {
		t.Errorf("expected wrapped error containing 'persistent failure', got %v", err)
	}
}

func TestWithRetry_NonRetryableError(t *testing.T) {
	config := RetryConfig{
		MaxRetries:      3,
		BaseDelay:       1 * time.Millisecond,
		RetryableErrors: IsRetryable,
	}
	callCount := 0
	cause := &APIError{Method: "POST", Path: "/groups/g1/events", StatusCode: 400}

	err := WithRetry(context.Background(), config, func() error {
		callCount++
		return cause
	})

	if !errors.As(err, new(*APIError)) {
		t.Errorf("expected APIError in chain, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	config := RetryConfig{MaxRetries: 5, BaseDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WithRetry(ctx, config, func() error {
		callCount++
		return errors.New("failure")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected cancellation during the first delay, got %d calls", callCount)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not interrupt the delay")
	}
}

func TestCalculateDelay(t *testing.T) {
	config := RetryConfig{
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.0, // no jitter for predictable testing
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // 16s capped at MaxDelay
	}

	for _, tt := range tests {
		actual := calculateDelay(tt.attempt, config)
		if actual != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, actual)
		}
	}
}

func TestCalculateDelayJitterBounds(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		d := calculateDelay(1, config)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("delay %v outside [1s, 3s]", d)
		}
	}
}

func TestCalculateDelayMultiplierFloor(t *testing.T) {
	config := RetryConfig{BaseDelay: 100 * time.Millisecond}
	if d := calculateDelay(5, config); d != 100*time.Millisecond {
		t.Errorf("expected constant delay without multiplier, got %v", d)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"config", NewConfigError("Groups", "", "required"), false},
		{"event data", NewEventError("ptt", nil, errors.New("bad")), false},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"not found", &APIError{StatusCode: 404}, false},
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"server error", &APIError{StatusCode: 502}, true},
		{"connection", NewConnectionError("ws://x", "dial", errors.New("refused")), true},
		{"send", NewSendError("ptt", "", errors.New("reset")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("whatever"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	config := CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  100 * time.Millisecond,
		SuccessThreshold: 2,
	}

	cb := NewCircuitBreaker(config)

	if cb.State() != CircuitClosed {
		t.Errorf("expected CircuitClosed, got %v", cb.State())
	}

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error {
			return errors.New("failure")
		})
		if err == nil {
			t.Error("expected error, got nil")
		}
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected CircuitOpen, got %v", cb.State())
	}

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	// half-open lets the probe through
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("expected success in half-open state, got %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected CircuitHalfOpen after one success, got %v", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected CircuitClosed after recovery, got %v", cb.State())
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	_ = cb.Execute(func() error { return errors.New("down") })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}
	time.Sleep(30 * time.Millisecond)
	_ = cb.Execute(func() error { return errors.New("still down") })
	if cb.State() != CircuitOpen {
		t.Errorf("expected failed probe to reopen, got %v", cb.State())
	}
}

func TestCircuitBreakerStateString(t *testing.T) {
	for st, want := range map[CircuitBreakerState]string{
		CircuitClosed:            "closed",
		CircuitOpen:              "open",
		CircuitHalfOpen:          "half-open",
		CircuitBreakerState(42): "unknown",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}

func BenchmarkWithRetry_Success(b *testing.B) {
	config := RetryConfig{MaxRetries: 3, BaseDelay: 1 * time.Nanosecond}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = WithRetry(ctx, config, func() error {
			return nil
		})
	}
}

func BenchmarkCircuitBreaker_Closed(b *testing.B) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(func() error {
			return nil
		})
	}
}
