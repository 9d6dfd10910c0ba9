package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "t", MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
			t.Fatalf("Execute() = %v, want errTest", err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("State() = %v, want open", got)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() while open = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})

	cb.Execute(func() error { return errTest })
	cb.Execute(func() error { return errTest })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errTest })
	cb.Execute(func() error { return errTest })

	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (non-consecutive failures)", got)
	}
	if got := cb.ConsecutiveFailures(); got != 2 {
		t.Errorf("ConsecutiveFailures() = %d, want 2", got)
	}
}

func TestCircuitBreaker_HalfOpenProbeCloses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	cb.Execute(func() error { return errTest })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	time.Sleep(15 * time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("State() after reset timeout = %v, want half-open", got)
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe Execute() = %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() after successful probe = %v, want closed", got)
	}
}

func TestCircuitBreaker_HalfOpenProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	cb.Execute(func() error { return errTest })
	time.Sleep(15 * time.Millisecond)

	if err := cb.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
		t.Fatalf("probe Execute() = %v, want errTest", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("State() after failed probe = %v, want open", got)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() right after failed probe = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_ListenersSeeTransitions(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "engine", MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	type change struct{ from, to State }
	var seen []change
	cb.AddListener(func(name string, from, to State) {
		if name != "engine" {
			t.Errorf("listener name = %q, want engine", name)
		}
		seen = append(seen, change{from, to})
	})

	cb.Execute(func() error { return errTest })
	time.Sleep(15 * time.Millisecond)
	cb.Execute(func() error { return nil })

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions %v, want %d", len(seen), seen, len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %v→%v, want %v→%v", i, seen[i].from, seen[i].to, want[i].from, want[i].to)
		}
	}
}

func TestCircuitBreaker_RecordFailureCountsLikeExecute(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute})

	cb.RecordFailure()
	cb.RecordFailure()
	if got := cb.State(); got != StateOpen {
		t.Errorf("State() = %v, want open after external failures", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	cb.Execute(func() error { return errTest })
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() after Reset = %v, want closed", got)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute() after Reset = %v", err)
	}
}
