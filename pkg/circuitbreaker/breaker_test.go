package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransport = errors.New("connection refused")
	errChaincode = errors.New("chaincode said no")
)

func TestCircuitBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	var changes []State
	cfg := DefaultConfig("gateway")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, to State) { changes = append(changes, to) }

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, errTransport })
		if !errors.Is(err, errTransport) {
			t.Fatalf("attempt %d: expected transport error, got %v", i, err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.GetState())
	}
	if len(changes) != 1 || changes[0] != StateOpen {
		t.Errorf("expected one transition to open, got %v", changes)
	}

	called := false
	_, err = cb.Execute(context.Background(), func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen while open, got %v", err)
	}
	if called {
		t.Error("function must not run while the circuit is open")
	}
	if cb.Health().Healthy {
		t.Error("open breaker must not report healthy")
	}
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	cfg := DefaultConfig("gateway")
	cfg.FailureThreshold = 2
	cfg.IsFailure = func(err error) bool { return errors.Is(err, errTransport) }

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		result, err := cb.Execute(context.Background(), func() (interface{}, error) { return "body", errChaincode })
		if !errors.Is(err, errChaincode) {
			t.Fatalf("expected chaincode error passed through, got %v", err)
		}
		if result != "body" {
			t.Errorf("expected result passed through with error, got %v", result)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("chaincode errors must not open the breaker, state %s", cb.GetState())
	}
}

func TestState_Gauge(t *testing.T) {
	if StateClosed.Gauge() != 0 || StateOpen.Gauge() != 1 || StateHalfOpen.Gauge() != 2 {
		t.Error("unexpected gauge mapping")
	}
}
