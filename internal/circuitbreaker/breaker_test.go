package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errDown = errors.New("provider down")

func fail() error { return errDown }
func ok() error   { return nil }

func newClockedBreaker(threshold int, open time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(threshold, open)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newClockedBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Execute("capture", fail); !errors.Is(err, errDown) {
			t.Fatalf("attempt %d: expected provider error, got %v", i, err)
		}
	}
	if b.State("capture") != StateOpen {
		t.Fatalf("expected open, got %s", b.State("capture"))
	}

	called := false
	err := b.Execute("capture", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newClockedBreaker(1, time.Minute)
	_ = b.Execute("refund", fail)

	*now = now.Add(2 * time.Minute)
	if b.State("refund") != StateHalfOpen {
		t.Fatalf("expected half-open after open duration, got %s", b.State("refund"))
	}

	if err := b.Execute("refund", ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State("refund") != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State("refund"))
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newClockedBreaker(1, time.Minute)
	_ = b.Execute("cancel", fail)
	*now = now.Add(2 * time.Minute)

	_ = b.Execute("cancel", fail)
	if b.State("cancel") != StateOpen {
		t.Errorf("expected open after failed probe, got %s", b.State("cancel"))
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newClockedBreaker(2, time.Minute)
	_ = b.Execute("k", fail)
	_ = b.Execute("k", ok)
	_ = b.Execute("k", fail)
	if b.State("k") != StateClosed {
		t.Errorf("non-consecutive failures must not trip, got %s", b.State("k"))
	}
}

func TestBreaker_FailureFilter(t *testing.T) {
	declined := errors.New("card declined")
	b, _ := newClockedBreaker(1, time.Minute)
	b.WithFailureFilter(func(err error) bool { return err != nil && !errors.Is(err, declined) })

	_ = b.Execute("k", func() error { return declined })
	if b.State("k") != StateClosed {
		t.Errorf("business errors must not trip the circuit, got %s", b.State("k"))
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newClockedBreaker(1, time.Minute)
	_ = b.Execute("capture", fail)
	if b.State("refund") != StateClosed {
		t.Error("keys must be independent")
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newClockedBreaker(1, time.Minute)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	})
	_ = b.Execute("capture", fail)
	if len(got) != 1 || got[0] != "capture:closed->open" {
		t.Errorf("unexpected transitions: %v", got)
	}
}

func TestState_String(t *testing.T) {
	if StateHalfOpen.String() != "half_open" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
