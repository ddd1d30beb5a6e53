// Package resilience guards outbound calls to upstream track services.
//
// Remote lookup APIs fail in bursts: when SoundCloud rate-limits the v2 API
// or the video resolver starts timing out, every /loadtracks request would
// otherwise hammer the throttled endpoint and burn its own deadline. A
// [Breaker] short-circuits lookups for a cooldown after repeated failures
// and probes the endpoint before letting full traffic back through.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnavailable is returned by [Breaker.Do] while the breaker is tripped.
var ErrUnavailable = errors.New("resilience: upstream marked unavailable")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// Probing lets a few calls through to test whether the upstream recovered.
	Probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Probing:
		return "probing"
	}
	return "unknown"
}

// Defaults tuned for scrape-style lookups: trip fast, retry soon. A tripped
// source answers LOAD_FAILED immediately instead of stalling the caller.
const (
	defaultTrip     = 3
	defaultCooldown = 15 * time.Second
	defaultProbes   = 2
)

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name     string
	trip     int
	cooldown time.Duration
	probes   int

	mu       sync.Mutex
	state    State
	fails    int
	openedAt time.Time
	probeOK  int
	probing  int
}

// Option tweaks a Breaker's tuning.
type Option func(*Breaker)

// WithTrip sets the number of consecutive failures that open the breaker.
func WithTrip(n int) Option { return func(b *Breaker) { b.trip = n } }

// WithCooldown sets how long the breaker stays open before probing.
func WithCooldown(d time.Duration) Option { return func(b *Breaker) { b.cooldown = d } }

// WithProbes sets how many successful probe calls close the breaker again.
func WithProbes(n int) Option { return func(b *Breaker) { b.probes = n } }

// NewBreaker returns a closed breaker. name appears in log lines.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		trip:     defaultTrip,
		cooldown: defaultCooldown,
		probes:   defaultProbes,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn unless the breaker is tripped, in which case it returns
// [ErrUnavailable] without calling fn. fn's error feeds the failure count.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

// admit decides whether a call may proceed, advancing Open to Probing once
// the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrUnavailable
		}
		b.state = Probing
		b.probeOK = 0
		b.probing = 0
		slog.Info("upstream probe window opened", "upstream", b.name)
	case Probing:
		if b.probing >= b.probes {
			return ErrUnavailable
		}
	}
	if b.state == Probing {
		b.probing++
	}
	return nil
}

// settle folds a call result into the state machine.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.openedAt = time.Now()
		if b.state == Probing {
			// A failed probe re-opens for a full cooldown.
			b.state = Open
			slog.Warn("upstream still failing, backing off", "upstream", b.name)
			return
		}
		b.fails++
		if b.state == Closed && b.fails >= b.trip {
			b.state = Open
			slog.Warn("upstream marked unavailable",
				"upstream", b.name, "consecutive_failures", b.fails)
		}
		return
	}

	switch b.state {
	case Probing:
		b.probeOK++
		if b.probeOK >= b.probes {
			b.state = Closed
			b.fails = 0
			slog.Info("upstream recovered", "upstream", b.name)
		}
	case Closed:
		b.fails = 0
	}
}

// State reports the breaker's mode. An elapsed cooldown reads as [Probing];
// the transition itself happens on the next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cooldown {
		return Probing
	}
	return b.state
}
