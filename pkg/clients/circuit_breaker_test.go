package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	fsCircuitbreaker "github.com/failsafe-go/failsafe-go/circuitbreaker"
)

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	if cb.State() != StateClosed {
		t.Fatalf("expected circuit breaker to start in CLOSED state, got %s", cb.State().String())
	}
}

func TestCircuitBreaker_DoesNotTripBelowFailureThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Name:         "test-below-threshold",
		MinRequests:  10,
		FailureRatio: 0.5,
		Timeout:      100 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg)

	// 4 failures + 6 successes = 40%, below the 50% threshold.
	for i := 0; i < 4; i++ {
		_ = cb.Call(func() error { return errors.New("fail") })
	}
	for i := 0; i < 6; i++ {
		_ = cb.Call(func() error { return nil })
	}

	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED state when below failure threshold, got %s", cb.State().String())
	}
}

func TestCircuitBreaker_TripsWhenFailureRatioExceeded(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Name:         "test-trip",
		MinRequests:  5,
		FailureRatio: 0.5,
		Timeout:      100 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg)

	// 5 failures out of 5 requests.
	for i := 0; i < 5; i++ {
		_ = cb.Call(func() error { return errors.New("fail") })
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN state after failure ratio exceeded, got %s", cb.State().String())
	}
	if !cb.IsOpen() {
		t.Fatal("expected IsOpen to report true")
	}
}

func TestCircuitBreaker_RejectsCallsWhenOpen(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Name:         "test-reject",
		MinRequests:  3,
		FailureRatio: 0.5,
		Timeout:      1 * time.Second, // long timeout keeps it open
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Call(func() error { return errors.New("fail") })
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN state, got %s", cb.State().String())
	}

	err := cb.Call(func() error { return nil })
	if err == nil {
		t.Fatal("expected error when circuit is open")
	}
	if !errors.Is(err, fsCircuitbreaker.ErrOpen) {
		t.Fatalf("expected circuit breaker open error, got %v", err)
	}
}

func TestCircuitBreaker_TransitionsToHalfOpenThenCloses(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Name:         "test-half-open",
		MinRequests:  3,
		FailureRatio: 0.5,
		MaxRequests:  1,
		Timeout:      50 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Call(func() error { return errors.New("fail") })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN state, got %s", cb.State().String())
	}

	time.Sleep(100 * time.Millisecond)

	// One success in half-open closes the circuit again.
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("expected trial call to pass through half-open circuit, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED state after successful trial call, got %s", cb.State().String())
	}
}

func TestDoWithRetryShortCircuitsWhenBreakerOpen(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test-short-circuit",
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	})
	cfg := RetryConfig{
		MaxRetries:     0,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
		Multiplier:     2.0,
		RetryFunc:      DefaultShouldRetry,
		CircuitBreaker: cb,
	}
	client := &http.Client{Timeout: time.Second}

	// Two 5xx rounds trip the breaker.
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := DoWithRetry(context.Background(), client, req, cfg)
		if err != nil {
			t.Fatalf("unexpected transport error: %v", err)
		}
		resp.Body.Close()
	}
	if !cb.IsOpen() {
		t.Fatal("expected breaker to open after repeated server errors")
	}

	before := calls.Load()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := DoWithRetry(context.Background(), client, req, cfg)
	if !errors.Is(err, fsCircuitbreaker.ErrOpen) {
		t.Fatalf("expected open-circuit error, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("open circuit must not reach the server")
	}
}
