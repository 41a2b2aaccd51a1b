package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("kb", maxFailures, reset)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}

	err := cb.Call(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected Closed after interleaved success, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)
	cb.RecordResult(false)

	clock.Advance(150 * time.Millisecond)

	if !cb.allowRequest() {
		t.Fatal("Expected a trial request after the reset timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HalfOpen, got %s", cb.GetState())
	}
	if cb.allowRequest() {
		t.Error("Expected only one trial request in flight while HalfOpen")
	}
}

func TestCircuitBreaker_CloseAfterSuccessfulTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)
	cb.RecordResult(false)
	clock.Advance(time.Second)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Expected trial request to run, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected Closed after successful trial request, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopenAfterFailedTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)
	cb.RecordResult(false)
	clock.Advance(time.Second)

	_ = cb.Call(func() error { return errors.New("still down") })
	if cb.GetState() != StateOpen {
		t.Errorf("Expected Open after failed trial request, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_StatsAndReset(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Second)
	var transitions []CircuitState
	cb.OnStateChange(func(_ string, s CircuitState) { transitions = append(transitions, s) })

	cb.RecordResult(true)
	cb.RecordResult(false)

	_, requests, failures, rate := cb.GetStats()
	if requests != 2 || failures != 1 || rate != 50.0 {
		t.Errorf("Unexpected stats: requests=%d failures=%d rate=%f", requests, failures, rate)
	}

	for i := 0; i < 5; i++ {
		cb.RecordResult(false)
	}
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected Closed after Reset, got %s", cb.GetState())
	}
	if len(transitions) != 2 || transitions[0] != StateOpen || transitions[1] != StateClosed {
		t.Errorf("Expected [open closed] transitions, got %v", transitions)
	}
}
