package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("expected 1 call and no error, got %d, %v", calls, err)
	}
}

func TestPolicy_SuccessOnRetry(t *testing.T) {
	calls := 0
	var retried []int
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, err error, sleep time.Duration) { retried = append(retried, attempt) },
	}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("unexpected OnRetry attempts: %v", retried)
	}
}

func TestPolicy_AllAttemptsExhausted(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || err.Error() != "down" {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestPolicy_PermanentStops(t *testing.T) {
	calls := 0
	sentinel := errors.New("card declined")
	err := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) || IsPermanent(err) {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{MaxAttempts: 5, BaseDelay: time.Second}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_MaxDelayCaps(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   4 * time.Millisecond,
		MaxDelay:    8 * time.Millisecond,
		OnRetry:     func(_ int, _ error, sleep time.Duration) { sleeps = append(sleeps, sleep) },
	}
	_ = p.Do(context.Background(), func(context.Context) error { return errors.New("x") })

	for _, s := range sleeps {
		if s > 10*time.Millisecond {
			t.Errorf("sleep %v exceeds capped delay plus jitter", s)
		}
	}
}

func TestDo_ZeroMaxAttempts(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
