package resilience

import (
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

func fail() error { return errUpstream }
func ok() error   { return nil }

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	t.Parallel()
	b := NewBreaker("test")
	for range 10 {
		if err := b.Do(ok); err != nil {
			t.Fatalf("Do() = %v, want nil", err)
		}
	}
	if got := b.State(); got != Closed {
		t.Errorf("State() = %v, want closed", got)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := NewBreaker("test", WithTrip(3))
	for range 3 {
		if err := b.Do(fail); !errors.Is(err, errUpstream) {
			t.Fatalf("Do() = %v, want upstream error", err)
		}
	}
	if got := b.State(); got != Open {
		t.Fatalf("State() = %v, want open", got)
	}
	if err := b.Do(ok); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Do() while open = %v, want ErrUnavailable", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker("test", WithTrip(2))
	b.Do(fail)
	b.Do(ok)
	b.Do(fail)
	if got := b.State(); got != Closed {
		t.Errorf("State() = %v, want closed after interleaved success", got)
	}
}

func TestBreakerRecoversThroughProbes(t *testing.T) {
	t.Parallel()
	b := NewBreaker("test", WithTrip(1), WithCooldown(time.Millisecond), WithProbes(2))
	b.Do(fail)
	if got := b.State(); got != Open {
		t.Fatalf("State() = %v, want open", got)
	}

	time.Sleep(5 * time.Millisecond)
	if got := b.State(); got != Probing {
		t.Fatalf("State() after cooldown = %v, want probing", got)
	}
	if err := b.Do(ok); err != nil {
		t.Fatalf("probe 1 = %v, want nil", err)
	}
	if err := b.Do(ok); err != nil {
		t.Fatalf("probe 2 = %v, want nil", err)
	}
	if got := b.State(); got != Closed {
		t.Errorf("State() after probes = %v, want closed", got)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker("test", WithTrip(1), WithCooldown(time.Millisecond))
	b.Do(fail)
	time.Sleep(5 * time.Millisecond)

	if err := b.Do(fail); !errors.Is(err, errUpstream) {
		t.Fatalf("probe = %v, want upstream error", err)
	}
	if err := b.Do(ok); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Do() after failed probe = %v, want ErrUnavailable", err)
	}
}
