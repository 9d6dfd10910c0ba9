package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeSleep records requested waits without actually sleeping.
func fakeSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var waits []time.Duration
	r := NewRetry(RetryConfig{Name: "t", MaxAttempts: 3, Sleep: fakeSleep(&waits)})

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(waits) != 2 || waits[0] != 500*time.Millisecond || waits[1] != time.Second {
		t.Errorf("waits = %v, want [500ms 1s]", waits)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var waits []time.Duration
	r := NewRetry(RetryConfig{MaxAttempts: 3, Sleep: fakeSleep(&waits)})

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("Do() = %v, want wrapped errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_PermanentErrorNotRetried(t *testing.T) {
	errAuth := errors.New("auth denied")
	r := NewRetry(RetryConfig{
		MaxAttempts: 3,
		Retryable:   func(err error) bool { return !errors.Is(err, errAuth) },
		Sleep:       fakeSleep(new([]time.Duration)),
	})

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errAuth
	})
	if !errors.Is(err, errAuth) {
		t.Fatalf("Do() = %v, want errAuth", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent error)", calls)
	}
}

func TestRetry_ContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetry(RetryConfig{MaxAttempts: 3})
	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		return errTest
	})
	if err == nil {
		t.Fatal("Do() = nil, want error after cancelled backoff")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_CustomBaseDelay(t *testing.T) {
	var waits []time.Duration
	r := NewRetry(RetryConfig{
		Name:        "t",
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		Sleep:       fakeSleep(&waits),
	})

	err := r.Do(context.Background(), func(context.Context) error { return errTest })
	if !errors.Is(err, errTest) {
		t.Fatalf("Do() = %v, want wrapped errTest", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("waits[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 2 * time.Second},
		{10, 2 * time.Second},
		{0, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
