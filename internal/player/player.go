// Package player drives playback of a single audio resource: it pulls Opus
// frames from a source, pushes them into the voice transport, and reports the
// lifecycle transitions (playing, ended, failed) the queue turns into client
// events. A player is single-use; replacing the resource means building a new
// player.
package player

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cinderaudio/cinder/internal/voice"
)

// Source yields one 20 ms Opus frame per call. Implementations are the ffmpeg
// transcode pipeline and the Ogg passthrough demuxer.
type Source interface {
	// ReadFrame returns the next frame, io.EOF at the natural end of the
	// resource, or the error that broke the stream.
	ReadFrame() ([]byte, error)
	Close() error
}

// State is the player lifecycle position.
type State int32

const (
	// StateBuffering covers the span between Start and the first frame
	// reaching the transport.
	StateBuffering State = iota
	StatePlaying
	StatePaused
	StateEnded
)

// Hooks receive lifecycle notifications. Callbacks fire from the player's
// goroutine; implementations must not block on the player itself.
type Hooks struct {
	// OnPlaying fires once, when the first frame has been handed to the
	// transport.
	OnPlaying func()

	// OnEnd fires once when playback stops on its own: err is nil at the
	// natural end of the resource and non-nil when the stream broke.
	// It does not fire after Stop.
	OnEnd func(err error)
}

// Player pumps frames from a [Source] into a voice connection.
type Player struct {
	src   Source
	conn  *voice.Connection
	hooks Hooks

	state  atomic.Int32
	frames atomic.Int64

	resume  chan struct{} // closed to release a paused loop
	pauseMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a player over src. Call Start to begin pumping frames.
func New(src Source, conn *voice.Connection, hooks Hooks) *Player {
	p := &Player{
		src:   src,
		conn:  conn,
		hooks: hooks,
		stop:  make(chan struct{}),
	}
	p.resume = make(chan struct{})
	close(p.resume)
	return p
}

// Start launches the playback loop.
func (p *Player) Start() {
	go p.loop()
}

func (p *Player) loop() {
	defer p.src.Close()

	started := false
	for {
		select {
		case <-p.stop:
			p.quiesce()
			return
		default:
		}

		// Honour pause before pulling the next frame.
		p.pauseMu.Lock()
		resume := p.resume
		p.pauseMu.Unlock()
		select {
		case <-resume:
		case <-p.stop:
			p.quiesce()
			return
		}

		frame, err := p.src.ReadFrame()
		if err != nil {
			p.state.Store(int32(StateEnded))
			p.quiesce()
			if errors.Is(err, io.EOF) {
				err = nil
			}
			if p.hooks.OnEnd != nil {
				p.hooks.OnEnd(err)
			}
			return
		}

		select {
		case p.conn.OpusSend <- frame:
		case <-p.stop:
			p.quiesce()
			return
		}
		p.frames.Add(1)

		if !started {
			started = true
			p.state.Store(int32(StatePlaying))
			p.conn.Speaking(true)
			if p.hooks.OnPlaying != nil {
				p.hooks.OnPlaying()
			}
		}
	}
}

// quiesce flushes silence and drops the speaking flag when the transport is
// still alive.
func (p *Player) quiesce() {
	if p.conn.Ready() {
		p.conn.SendSilence()
		p.conn.Speaking(false)
	}
}

// Pause suspends or resumes frame delivery. Pausing does not tear down the
// source; ffmpeg simply blocks on its stdout.
func (p *Player) Pause(paused bool) {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	switch state := p.State(); {
	case paused && (state == StatePlaying || state == StateBuffering):
		p.state.Store(int32(StatePaused))
		p.resume = make(chan struct{})
		if p.conn.Ready() {
			p.conn.Speaking(false)
		}
	case !paused && state == StatePaused:
		if p.frames.Load() == 0 {
			p.state.Store(int32(StateBuffering))
		} else {
			p.state.Store(int32(StatePlaying))
		}
		close(p.resume)
	}
}

// Stop halts the loop without firing OnEnd; the owner decides which event to
// emit. Idempotent.
func (p *Player) Stop() {
	p.stopOnce.Do(func() {
		p.state.Store(int32(StateEnded))
		close(p.stop)
	})
}

// State returns the current lifecycle position.
func (p *Player) State() State {
	return State(p.state.Load())
}

// Playing reports whether frames are actively flowing.
func (p *Player) Playing() bool {
	return p.State() == StatePlaying
}

// Duration returns how much audio has been delivered, derived from the frame
// count at 20 ms per frame.
func (p *Player) Duration() time.Duration {
	return time.Duration(p.frames.Load()) * 20 * time.Millisecond
}

// LogStuck records a warning when arming stalls past the stuck threshold.
func (p *Player) LogStuck(guildID string, threshold time.Duration) {
	slog.Warn("player failed to reach playing state",
		"guild_id", guildID,
		"threshold", threshold,
		"state", p.State(),
	)
}
