package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
}

func openBreaker(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error {
			return errTestError
		})
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected state open, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb := New(DefaultConfig())

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("expected state closed, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_ClosedState_Failure(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(func() error { return errTestError })
	if err != errTestError {
		t.Errorf("expected raw error, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("expected state closed, got %v", cb.GetState())
	}
	if stats := cb.GetStats(); stats.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_OpenState_RejectsRequests(t *testing.T) {
	cb := New(testConfig())
	openBreaker(t, cb)

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenState_TransitionToClosed(t *testing.T) {
	cb := New(testConfig())
	openBreaker(t, cb)

	// Wait out the open timeout, then meet the success threshold
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Errorf("probe %d: expected no error, got %v", i+1, err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("expected state closed, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenState_FailureReopens(t *testing.T) {
	cb := New(testConfig())
	openBreaker(t, cb)

	time.Sleep(60 * time.Millisecond)

	err := cb.Execute(func() error { return errTestError })
	if err != errTestError {
		t.Errorf("expected raw error, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Errorf("expected state open, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenState_MaxRequestsLimit(t *testing.T) {
	cfg := testConfig()
	// Keep the breaker half-open through both allowed probes
	cfg.SuccessThreshold = 3
	cfg.MaxRequestsHalfOpen = 2
	cb := New(cfg)
	openBreaker(t, cb)

	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Errorf("probe %d: expected no error, got %v", i+1, err)
		}
	}

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected rejection after probe limit, got %v", err)
	}
}

func TestCircuitBreaker_ExecuteWithResult(t *testing.T) {
	cb := New(DefaultConfig())

	result, err := cb.ExecuteWithResult(func() (interface{}, error) {
		return "success", nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "success" {
		t.Errorf("expected success, got %v", result)
	}

	result, err = cb.ExecuteWithResult(func() (interface{}, error) {
		return nil, errTestError
	})
	if err != errTestError {
		t.Errorf("expected raw error, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %v", result)
	}
}

func TestCircuitBreaker_ExecuteWithResult_OpenState(t *testing.T) {
	cb := New(testConfig())
	openBreaker(t, cb)

	result, err := cb.ExecuteWithResult(func() (interface{}, error) {
		return "test", nil
	})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected rejection, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %v", result)
	}
}

func TestCircuitBreaker_OnStateChange_Callback(t *testing.T) {
	cb := New(testConfig())

	type stateChange struct {
		from, to State
	}
	var mu sync.Mutex
	var changes []stateChange
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, stateChange{from, to})
	})

	openBreaker(t, cb)
	time.Sleep(60 * time.Millisecond)
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return nil })
	}

	// Callbacks run on their own goroutines
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()

	var sawOpen, sawHalfOpen, sawClosed bool
	for _, c := range changes {
		switch c.to {
		case StateOpen:
			sawOpen = true
		case StateHalfOpen:
			sawHalfOpen = true
		case StateClosed:
			sawClosed = true
		}
	}
	if !sawOpen || !sawHalfOpen || !sawClosed {
		t.Errorf("expected open, half-open and closed transitions, got %v", changes)
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := New(DefaultConfig())

	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errTestError })

	stats := cb.GetStats()
	if stats.State != StateClosed {
		t.Errorf("expected state closed, got %v", stats.State)
	}
	if stats.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", stats.FailureCount)
	}
	// A failure resets the success streak
	if stats.SuccessCount != 0 {
		t.Errorf("expected success count 0, got %d", stats.SuccessCount)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(testConfig())
	openBreaker(t, cb)

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("expected state closed after reset, got %v", cb.GetState())
	}
	if stats := cb.GetStats(); stats.FailureCount != 0 {
		t.Errorf("expected failure count 0 after reset, got %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = cb.Execute(func() error { return nil })
			}
		}()
	}
	wg.Wait()

	if cb.GetState() != StateClosed {
		t.Errorf("expected state closed, got %v", cb.GetState())
	}
	if stats := cb.GetStats(); stats.SuccessCount != 100 {
		t.Errorf("expected 100 successes, got %d", stats.SuccessCount)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.FailureThreshold != 5 {
		t.Errorf("expected FailureThreshold 5, got %d", cfg.FailureThreshold)
	}
	if cfg.SuccessThreshold != 2 {
		t.Errorf("expected SuccessThreshold 2, got %d", cfg.SuccessThreshold)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected Timeout 30s, got %v", cfg.Timeout)
	}
	if cfg.MaxRequestsHalfOpen != 3 {
		t.Errorf("expected MaxRequestsHalfOpen 3, got %d", cfg.MaxRequestsHalfOpen)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, tt.state.String())
		}
	}
}
