package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/cinderaudio/cinder/internal/config"
	"github.com/cinderaudio/cinder/internal/source"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

// recorder collects emitted frames for assertions.
type recorder struct {
	mu     sync.Mutex
	frames []any
}

func (r *recorder) emit(frame any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recorder) events() []protocol.EventFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evs []protocol.EventFrame
	for _, f := range r.frames {
		if ev, ok := f.(protocol.EventFrame); ok {
			evs = append(evs, ev)
		}
	}
	return evs
}

func (r *recorder) waitEvents(t *testing.T, n int) []protocol.EventFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.events(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %v", n, r.events())
	return nil
}

func testQueue(rec *recorder) *Queue {
	mgr := source.NewManager(config.NodeConfig{})
	return New(Key{ClientID: "42", GuildID: "100"}, mgr, rec.emit, Config{
		ConnectTimeout: 20 * time.Millisecond,
		StuckThreshold: time.Second,
	})
}

func TestParseKey(t *testing.T) {
	t.Parallel()
	k, err := ParseKey("42:100")
	if err != nil {
		t.Fatal(err)
	}
	if k != (Key{ClientID: "42", GuildID: "100"}) {
		t.Errorf("key = %+v", k)
	}
	if k.String() != "42:100" {
		t.Errorf("String = %q", k.String())
	}
	if _, err := ParseKey("no-separator"); err == nil {
		t.Error("ParseKey accepted a malformed key")
	}
}

func TestTickIdle(t *testing.T) {
	t.Parallel()
	q := testQueue(&recorder{})
	if _, ok := q.Tick(); ok {
		t.Error("idle queue produced a player update")
	}
}

func TestPlayWithoutVoiceTimesOut(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := testQueue(rec)

	q.Play(protocol.Inbound{GuildID: "100"}, "blob", protocol.Track{
		Source: "local", Identifier: "/tmp/a.ogg", URI: "/tmp/a.ogg",
	})

	evs := rec.waitEvents(t, 1)
	ev := evs[0]
	if ev.Type != protocol.EventWebSocketClosed || ev.Code != 4000 {
		t.Fatalf("event = %+v, want WebSocketClosedEvent code 4000", ev)
	}
	if ev.GuildID != "100" || ev.Op != protocol.OpEvent {
		t.Errorf("envelope = %+v", ev)
	}

	// The failed arm must reset the queue to idle.
	if _, ok := q.Tick(); ok {
		t.Error("queue still live after arm timeout")
	}
}

func TestDestroySuppressesEvents(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := testQueue(rec)
	q.Destroy()
	q.Destroy() // idempotent
	q.Play(protocol.Inbound{}, "blob", protocol.Track{Source: "local"})
	q.Stop(false)

	time.Sleep(50 * time.Millisecond)
	if evs := rec.events(); len(evs) != 0 {
		t.Errorf("destroyed queue emitted %v", evs)
	}
}

func TestPositionAppliesSeekAndRate(t *testing.T) {
	t.Parallel()
	q := testQueue(&recorder{})
	q.mu.Lock()
	q.seekTime = 10_000
	speed := 2.0
	q.chain.Apply(&protocol.FilterSpec{Timescale: &protocol.Timescale{Speed: &speed}})
	q.mu.Unlock()

	// No player yet, so position is seek-time scaled by rate.
	if got := q.Position(); got != 20_000 {
		t.Errorf("Position = %d, want 20000", got)
	}
}

func TestSeekClampsToTrackLength(t *testing.T) {
	t.Parallel()
	q := testQueue(&recorder{})
	q.mu.Lock()
	q.track = &protocol.Track{Length: 30_000, IsSeekable: true}
	got := q.clampSeek(90_000)
	q.mu.Unlock()
	if got != 30_000 {
		t.Errorf("clampSeek = %d, want 30000", got)
	}
}

func TestTickEndPositionStopsInternally(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := testQueue(rec)
	q.mu.Lock()
	q.track = &protocol.Track{Length: 60_000}
	q.encoded = "blob"
	q.endMS = 5_000
	q.seekTime = 6_000
	q.phase = PhaseLive
	q.mu.Unlock()

	if _, ok := q.Tick(); ok {
		t.Error("Tick reported a live state past the end position")
	}
	evs := rec.events()
	if len(evs) != 1 || evs[0].Type != protocol.EventTrackEnd || evs[0].Reason != protocol.EndReasonFinished {
		t.Fatalf("events = %v, want one FINISHED TrackEndEvent", evs)
	}
	if evs[0].Track != "blob" {
		t.Errorf("event track = %q, want the ending track's blob", evs[0].Track)
	}
	if _, ok := q.Tick(); ok {
		t.Error("queue still live after internal stop")
	}
}

func TestArmBoundedByStuckThreshold(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	mgr := source.NewManager(config.NodeConfig{})
	// The voice transport never turns up, and the connect timeout is longer
	// than the stuck threshold: the threshold must bound the whole arm.
	q := New(Key{ClientID: "42", GuildID: "100"}, mgr, rec.emit, Config{
		ConnectTimeout: 500 * time.Millisecond,
		StuckThreshold: 25 * time.Millisecond,
	})

	q.Play(protocol.Inbound{GuildID: "100"}, "blob", protocol.Track{
		Source: "local", Identifier: "/tmp/a.ogg", URI: "/tmp/a.ogg",
	})

	evs := rec.waitEvents(t, 2)
	if evs[0].Type != protocol.EventTrackStuck || evs[0].Track != "blob" {
		t.Fatalf("first event = %+v, want TrackStuckEvent for the armed track", evs[0])
	}
	if evs[0].ThresholdMS != 25 {
		t.Errorf("thresholdMs = %d, want 25", evs[0].ThresholdMS)
	}
	if evs[1].Type != protocol.EventTrackEnd || evs[1].Reason != protocol.EndReasonStopped {
		t.Fatalf("second event = %+v, want STOPPED TrackEndEvent", evs[1])
	}
	if _, ok := q.Tick(); ok {
		t.Error("queue still live after stuck teardown")
	}
}

func TestCleanupReportsTrackEnd(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := testQueue(rec)

	q.Play(protocol.Inbound{GuildID: "100"}, "blob", protocol.Track{
		Source: "local", Identifier: "/tmp/a.ogg", URI: "/tmp/a.ogg",
	})
	q.Cleanup()
	q.Cleanup() // idempotent once destroyed

	time.Sleep(50 * time.Millisecond)
	evs := rec.events()
	if len(evs) != 1 {
		t.Fatalf("events = %v, want exactly one", evs)
	}
	if evs[0].Type != protocol.EventTrackEnd || evs[0].Reason != protocol.EndReasonCleanup || evs[0].Track != "blob" {
		t.Errorf("event = %+v, want CLEANUP TrackEndEvent for the loaded track", evs[0])
	}
}

func TestTickPausedProducesNothing(t *testing.T) {
	t.Parallel()
	q := testQueue(&recorder{})
	q.mu.Lock()
	q.track = &protocol.Track{}
	q.paused = true
	q.mu.Unlock()
	if _, ok := q.Tick(); ok {
		t.Error("paused queue produced a player update")
	}
}

func TestArmPhaseString(t *testing.T) {
	t.Parallel()
	want := map[ArmPhase]string{
		PhaseIdle:     "idle",
		PhaseArming:   "arming",
		PhaseLive:     "live",
		PhaseReArming: "rearming",
	}
	for phase, s := range want {
		if phase.String() != s {
			t.Errorf("%d.String() = %q, want %q", phase, phase.String(), s)
		}
	}
}
