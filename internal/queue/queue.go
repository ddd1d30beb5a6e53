// Package queue implements the per-room playback state machine. A Queue owns
// the current track, its player and codec pipeline, the filter chain, and the
// voice connection for one (client-id, room-id) pair. Filter, seek and ffmpeg
// changes re-arm the pipeline in place without tearing down the voice session
// and without leaking spurious end events.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cinderaudio/cinder/internal/ffmpeg"
	"github.com/cinderaudio/cinder/internal/observe"
	"github.com/cinderaudio/cinder/internal/player"
	"github.com/cinderaudio/cinder/internal/source"
	"github.com/cinderaudio/cinder/internal/voice"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

// Key identifies a queue: one bot account playing in one voice room.
type Key struct {
	ClientID string
	GuildID  string
}

func (k Key) String() string {
	return k.ClientID + ":" + k.GuildID
}

// ArmPhase is the pipeline lifecycle position. It replaces the pair of
// latches the upstream node used (applying-filters / should-not-call-finish)
// with one piece of state so the two can never desynchronize.
type ArmPhase int

const (
	// PhaseIdle: no track loaded.
	PhaseIdle ArmPhase = iota

	// PhaseArming: a fresh track is being resolved and its pipeline spawned;
	// reaching Playing emits TrackStartEvent.
	PhaseArming

	// PhaseLive: audio is flowing; a natural end emits TrackEndEvent.
	PhaseLive

	// PhaseReArming: the pipeline is being rebuilt for the same track (seek,
	// filters, ffmpeg); neither start nor end events fire for the swap.
	PhaseReArming
)

func (p ArmPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArming:
		return "arming"
	case PhaseLive:
		return "live"
	case PhaseReArming:
		return "rearming"
	default:
		return "unknown"
	}
}

// Emitter receives outbound frames (events, player updates) bound for the
// client that owns this queue. Implementations must not block on the queue.
type Emitter func(frame any)

// Config carries the queue timeouts.
type Config struct {
	// ConnectTimeout bounds how long an arm waits for the voice transport.
	ConnectTimeout time.Duration

	// StuckThreshold bounds how long an arm may take to reach Playing.
	StuckThreshold time.Duration
}

// DefaultConfig returns the stock timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: voice.DefaultConnectTimeout,
		StuckThreshold: 10 * time.Second,
	}
}

// Queue is the playback state machine for one voice room. All exported
// methods are safe for concurrent use; the owning worker serializes command
// handling but player and voice callbacks arrive from other goroutines.
type Queue struct {
	key     Key
	sources *source.Manager
	emit    Emitter
	cfg     Config

	mu        sync.Mutex
	phase     ArmPhase
	destroyed bool
	paused    bool

	encoded  string
	track    *protocol.Track
	endMS    int64
	seekTime int64

	chain  *ffmpeg.Chain
	volume *ffmpeg.Volume

	// passthrough marks that the current source skips ffmpeg, so a volume
	// change needs a re-arm to take effect.
	passthrough bool

	conn      *voice.Connection
	connReady chan struct{}

	player     *player.Player
	armSeq     int64
	armStart   time.Time
	stuckTimer *time.Timer
}

// New creates an idle queue for key. Playback cannot start until a voice
// server update arrives via [Queue.VoiceServer].
func New(key Key, sources *source.Manager, emit Emitter, cfg Config) *Queue {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = voice.DefaultConnectTimeout
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 10 * time.Second
	}
	return &Queue{
		key:       key,
		sources:   sources,
		emit:      emit,
		cfg:       cfg,
		chain:     ffmpeg.NewChain(),
		volume:    ffmpeg.NewVolume(1.0),
		connReady: make(chan struct{}),
	}
}

// Key returns the queue's identity.
func (q *Queue) Key() Key {
	return q.key
}

// Play loads a track. With NoReplace set and a track already armed or live,
// the request is a no-op. Replacing a live track emits
// TrackEndEvent{REPLACED} before the new track arms.
func (q *Queue) Play(in protocol.Inbound, encoded string, track protocol.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	if in.NoReplace && q.track != nil && q.phase != PhaseIdle {
		return
	}
	if q.track != nil && q.phase == PhaseLive {
		q.emitEvent(protocol.EventFrame{
			Type:   protocol.EventTrackEnd,
			Track:  q.encoded,
			Reason: protocol.EndReasonReplaced,
		})
	}

	q.encoded = encoded
	q.track = &track
	q.seekTime = 0
	q.endMS = 0
	q.chain.ClearSeek()

	if start, _ := in.StartTime.Int64(); start > 0 {
		q.seekTime = q.clampSeek(start)
		q.chain.SetSeek(q.seekTime)
	}
	if end, _ := in.EndTime.Int64(); end > 0 {
		q.endMS = end
	}
	if in.Volume != nil {
		q.volume.Set(*in.Volume / 100)
	}
	q.paused = in.Pause != nil && *in.Pause

	q.phase = PhaseArming
	q.armLocked()
}

// Stop halts playback and clears the track. Unless internal, a
// TrackEndEvent{STOPPED} is emitted.
func (q *Queue) Stop(internal bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopLocked(internal, protocol.EndReasonStopped)
}

func (q *Queue) stopLocked(internal bool, reason string) {
	if q.track == nil && q.player == nil {
		return
	}
	q.armSeq++ // invalidate any in-flight arm
	q.cancelStuck()
	if q.player != nil {
		q.player.Stop()
		q.player = nil
	}
	if !internal && q.track != nil {
		q.emitEvent(protocol.EventFrame{
			Type:   protocol.EventTrackEnd,
			Track:  q.encoded,
			Reason: reason,
		})
	}
	q.track = nil
	q.encoded = ""
	q.phase = PhaseIdle
}

// Pause suspends or resumes the player. The paused flag also gates the
// periodic playerUpdate heartbeat.
func (q *Queue) Pause(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.paused = paused
	if q.player != nil {
		q.player.Pause(paused)
	}
}

// Seek re-arms the pipeline at the given position. Positions past the track
// length are clamped, so the player arms and immediately runs to the end.
func (q *Queue) Seek(ms int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed || q.track == nil {
		return
	}
	q.seekTime = q.clampSeek(ms)
	q.chain.SetSeek(q.seekTime)
	q.rearmLocked()
}

// clampSeek bounds a seek position to the track length when it is known.
func (q *Queue) clampSeek(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	if q.track != nil && !q.track.IsStream && q.track.Length > 0 && ms > q.track.Length {
		return q.track.Length
	}
	return ms
}

// SetVolume applies the 0–1000 client scale as an inline gain on the current
// resource and stores it for the next track. Passthrough sources have no gain
// stage, so a non-unity volume forces a transcode re-arm.
func (q *Queue) SetVolume(v float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.volume.Set(v / 100)
	if q.passthrough && q.volume.Get() != 1.0 && q.track != nil {
		q.rearmLocked()
	}
}

// Filters rebuilds the filter chain from spec and re-arms. The active seek
// offset is preserved.
func (q *Queue) Filters(spec *protocol.FilterSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.chain.Apply(spec)
	if q.track != nil {
		q.rearmLocked()
	}
}

// FFmpeg replaces the filter chain with a raw argument sequence and re-arms.
func (q *Queue) FFmpeg(args []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.chain.SetRaw(args)
	if q.track != nil {
		q.rearmLocked()
	}
}

// Destroy stops playback, tears down the voice connection and marks the
// queue unusable. Idempotent; emits nothing.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.stopLocked(true, "")
	q.destroyed = true
	if q.conn != nil {
		q.conn.Close()
		q.conn = nil
	}
}

// Cleanup tears the queue down on behalf of housekeeping: resume-window
// expiry, per-client teardown, node shutdown. Unlike [Queue.Destroy], a
// loaded track is reported as ended with reason CLEANUP so a client whose
// events were buffered for resume learns why playback stopped.
func (q *Queue) Cleanup() {
	q.mu.Lock()
	if !q.destroyed && q.track != nil {
		q.emitEvent(protocol.EventFrame{
			Type:   protocol.EventTrackEnd,
			Track:  q.encoded,
			Reason: protocol.EndReasonCleanup,
		})
	}
	q.mu.Unlock()
	q.Destroy()
}

// VoiceServer connects (or reconnects) the voice transport from a relayed
// VOICE_SERVER_UPDATE. The handshake runs on its own goroutine so the worker
// loop never blocks on the platform.
func (q *Queue) VoiceServer(sessionID string, ev protocol.VoiceServerEvent) {
	go q.connectVoice(sessionID, ev)
}

func (q *Queue) connectVoice(sessionID string, ev protocol.VoiceServerEvent) {
	params := voice.Params{
		GuildID:   q.key.GuildID,
		UserID:    q.key.ClientID,
		SessionID: sessionID,
		Token:     ev.Token,
		Endpoint:  ev.Endpoint,
	}
	conn, err := voice.Connect(context.Background(), params, q.onVoiceClosed)
	if err != nil {
		observe.DefaultMetrics().RecordVoiceConnection(context.Background(), "error")
		slog.Warn("voice connect failed", "key", q.key, "err", err)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.emitEvent(protocol.EventFrame{
			Type:   protocol.EventWebSocketClosed,
			Code:   4000,
			Reason: err.Error(),
		})
		return
	}

	observe.DefaultMetrics().RecordVoiceConnection(context.Background(), "ok")
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		conn.Close()
		return
	}
	if q.conn != nil {
		q.conn.Close()
	}
	q.conn = conn
	select {
	case <-q.connReady:
		// Already signalled by an earlier connect.
	default:
		close(q.connReady)
	}
}

// onVoiceClosed surfaces a remote voice disconnect to the client.
func (q *Queue) onVoiceClosed(info voice.CloseInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.conn = nil
	q.connReady = make(chan struct{})
	if q.destroyed {
		return
	}
	q.emitEvent(protocol.EventFrame{
		Type:     protocol.EventWebSocketClosed,
		Code:     info.Code,
		Reason:   info.Reason,
		ByRemote: info.ByRemote,
	})
}

// Position reports the playback offset in milliseconds:
// floor((player-duration + seek-time) * rate). This is the sole position
// authority reported to clients.
func (q *Queue) Position() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionLocked()
}

func (q *Queue) positionLocked() int64 {
	var played int64
	if q.player != nil {
		played = q.player.Duration().Milliseconds()
	}
	return int64(float64(played+q.seekTime) * q.chain.Rate())
}

// Playing reports whether audio is actively flowing.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.player != nil && q.player.Playing()
}

// Tick produces the periodic playerUpdate state. ok is false while the queue
// is paused, destroyed or idle. Crossing a configured end position stops the
// track internally with a FINISHED event.
func (q *Queue) Tick() (protocol.PlayerState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed || q.paused || q.track == nil {
		return protocol.PlayerState{}, false
	}
	pos := q.positionLocked()
	if q.endMS > 0 && pos >= q.endMS {
		encoded := q.encoded
		q.stopLocked(true, "")
		q.emitEvent(protocol.EventFrame{
			Type:   protocol.EventTrackEnd,
			Track:  encoded,
			Reason: protocol.EndReasonFinished,
		})
		return protocol.PlayerState{}, false
	}
	return protocol.PlayerState{
		Time:      time.Now().UnixMilli(),
		Position:  pos,
		Connected: q.conn != nil && q.conn.Ready(),
	}, true
}

// rearmLocked restarts the pipeline for the current track with the mutated
// chain. A re-arm racing an in-flight arm simply supersedes it: the older arm
// notices the advanced sequence number before wiring its player and tears its
// pipeline down.
func (q *Queue) rearmLocked() {
	if q.phase == PhaseLive || q.phase == PhaseReArming {
		q.phase = PhaseReArming
	}
	q.armLocked()
}

func (q *Queue) armLocked() {
	q.armSeq++
	q.armStart = time.Now()
	seq := q.armSeq
	// The stuck timer bounds the whole arm, including a source that accepts
	// the open but never produces a byte. onPlaying cancels it.
	q.cancelStuck()
	q.stuckTimer = time.AfterFunc(q.cfg.StuckThreshold, func() { q.onStuck(seq) })
	go q.armRun(seq)
}

// armRun resolves the source, builds the pipeline and swaps in a new player.
// Every step revalidates the arm sequence so superseded arms unwind quietly.
func (q *Queue) armRun(seq int64) {
	if err := q.waitConn(); err != nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		if seq != q.armSeq || q.destroyed {
			return
		}
		q.emitEvent(protocol.EventFrame{
			Type:   protocol.EventWebSocketClosed,
			Code:   4000,
			Reason: "voice connection was not established in time",
		})
		q.stopLocked(true, "")
		return
	}

	q.mu.Lock()
	if seq != q.armSeq || q.destroyed || q.track == nil {
		q.mu.Unlock()
		return
	}
	track := *q.track
	encoded := q.encoded
	wantPassthrough := q.chain.IsEmpty() && q.volume.Get() == 1.0
	// Snapshot the argv under the lock: the chain mutates on every filter,
	// seek and ffmpeg op while this goroutine runs unlocked.
	args := q.chain.Args()
	conn := q.conn
	q.mu.Unlock()

	ctx := context.Background()
	stream, err := q.sources.Open(ctx, track)
	if err != nil {
		q.armFailed(seq, encoded, err, protocol.SeverityCommon)
		return
	}

	var src player.Source
	passthrough := false
	if wantPassthrough {
		ogg, rest, perr := ffmpeg.ProbeOgg(stream)
		if perr != nil {
			q.armFailed(seq, encoded, perr, protocol.SeverityFault)
			return
		}
		if ogg != nil {
			src = ogg
			passthrough = true
		} else {
			stream = rest
		}
	}
	if src == nil {
		pipe, perr := ffmpeg.NewPipeline(ctx, stream, args, q.volume)
		if perr != nil {
			q.armFailed(seq, encoded, perr, protocol.SeverityFault)
			return
		}
		src = pipe
	}

	q.mu.Lock()
	if seq != q.armSeq || q.destroyed {
		q.mu.Unlock()
		src.Close()
		return
	}
	old := q.player
	p := player.New(src, conn, player.Hooks{
		OnPlaying: func() { q.onPlaying(seq) },
		OnEnd:     func(err error) { q.onEnd(seq, err) },
	})
	q.player = p
	q.passthrough = passthrough
	paused := q.paused
	q.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if paused {
		p.Pause(true)
	}
	p.Start()
}

// armFailed surfaces an arm failure as a TrackExceptionEvent and resets the
// queue to idle.
func (q *Queue) armFailed(seq int64, encoded string, err error, severity string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq != q.armSeq || q.destroyed {
		return
	}
	q.emitEvent(protocol.EventFrame{
		Type:  protocol.EventTrackException,
		Track: encoded,
		Error: err.Error(),
		Exception: &protocol.Exception{
			Message:  err.Error(),
			Severity: severity,
		},
	})
	q.stopLocked(true, "")
}

// onPlaying handles the player's first delivered frame.
func (q *Queue) onPlaying(seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq != q.armSeq || q.destroyed {
		return
	}
	q.cancelStuck()
	observe.DefaultMetrics().ArmDuration.Record(context.Background(), time.Since(q.armStart).Seconds())
	fresh := q.phase == PhaseArming
	q.phase = PhaseLive
	if fresh {
		q.emitEvent(protocol.EventFrame{
			Type:  protocol.EventTrackStart,
			Track: q.encoded,
		})
	}
}

// onEnd handles the player stopping on its own. Ends from superseded arms
// (an old stream draining during a re-arm) are ignored.
func (q *Queue) onEnd(seq int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq != q.armSeq || q.destroyed {
		return
	}
	encoded := q.encoded
	q.cancelStuck()
	q.player = nil
	q.track = nil
	q.encoded = ""
	q.phase = PhaseIdle
	if err != nil {
		q.emitEvent(protocol.EventFrame{
			Type:  protocol.EventTrackException,
			Track: encoded,
			Error: err.Error(),
			Exception: &protocol.Exception{
				Message:  err.Error(),
				Severity: protocol.SeverityFault,
			},
		})
		return
	}
	q.emitEvent(protocol.EventFrame{
		Type:   protocol.EventTrackEnd,
		Track:  encoded,
		Reason: protocol.EndReasonFinished,
	})
}

// onStuck fires when an arm fails to reach Playing within the threshold.
func (q *Queue) onStuck(seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq != q.armSeq || q.destroyed || q.phase == PhaseLive {
		return
	}
	if q.player != nil {
		q.player.LogStuck(q.key.GuildID, q.cfg.StuckThreshold)
	}
	q.emitEvent(protocol.EventFrame{
		Type:        protocol.EventTrackStuck,
		Track:       q.encoded,
		ThresholdMS: q.cfg.StuckThreshold.Milliseconds(),
	})
	q.stopLocked(false, protocol.EndReasonStopped)
}

func (q *Queue) cancelStuck() {
	if q.stuckTimer != nil {
		q.stuckTimer.Stop()
		q.stuckTimer = nil
	}
}

// waitConn blocks until the voice transport is ready or the connect
// threshold elapses.
func (q *Queue) waitConn() error {
	q.mu.Lock()
	if q.conn != nil && q.conn.Ready() {
		q.mu.Unlock()
		return nil
	}
	ready := q.connReady
	q.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-time.After(q.cfg.ConnectTimeout):
		return fmt.Errorf("queue %s: %w", q.key, voice.ErrConnectTimeout)
	}
}

// emitEvent fills the envelope invariants and forwards. Callers hold q.mu.
func (q *Queue) emitEvent(ev protocol.EventFrame) {
	ev.Op = protocol.OpEvent
	ev.GuildID = q.key.GuildID
	if q.emit != nil {
		q.emit(ev)
	}
}

// ParseKey splits a dispatcher routing key back into its parts.
func ParseKey(s string) (Key, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return Key{ClientID: s[:i], GuildID: s[i+1:]}, nil
		}
	}
	return Key{}, fmt.Errorf("queue: malformed key %q", s)
}
