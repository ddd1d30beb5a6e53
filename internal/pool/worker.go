package pool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cinderaudio/cinder/internal/observe"
	"github.com/cinderaudio/cinder/internal/queue"
	"github.com/cinderaudio/cinder/internal/source"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

// updateInterval is the cadence of the per-queue playerUpdate heartbeat.
const updateInterval = 5 * time.Second

// Op enumerates the commands a worker understands.
type Op int

const (
	OpPlay Op = iota
	OpStop
	OpPause
	OpDestroy
	OpSeek
	OpVolume
	OpFilters
	OpFFmpeg
	OpVoiceServer
	OpStats
	OpDeleteAll
	opShutdown
)

// Msg is one command in flight from the dispatcher to a worker.
type Msg struct {
	Op  Op
	Key queue.Key

	// In carries the client frame fields the op consumes.
	In protocol.Inbound

	// Encoded and Track carry the play payload.
	Encoded string
	Track   protocol.Track

	// ClientID scopes OpDeleteAll.
	ClientID string

	// Broadcast marks a PLAY sent to all workers for ownership discovery;
	// a worker without the key replies Owned=false instead of creating one.
	Broadcast bool

	// Reply, when non-nil, receives exactly one reply from each addressed
	// worker.
	Reply chan Reply
}

// Reply is a worker's answer to a broadcast command.
type Reply struct {
	// Owned reports whether the worker owns the message's key (PLAY).
	Owned bool

	// Players and Playing answer OpStats.
	Players int
	Playing int

	// Destroyed counts queues removed by OpDeleteAll.
	Destroyed int
}

// worker hosts a disjoint set of queues and serialises their commands
// through a single message loop.
type worker struct {
	idx     int
	inbox   chan Msg
	queues  map[queue.Key]*queue.Queue
	load    atomic.Int64
	sources *source.Manager
	qcfg    queue.Config
	emit    Emitter
	voice   VoiceLookup

	done chan struct{}
}

func newWorker(idx int, sources *source.Manager, qcfg queue.Config, emit Emitter, voice VoiceLookup) *worker {
	return &worker{
		idx:     idx,
		inbox:   make(chan Msg, 64),
		queues:  make(map[queue.Key]*queue.Queue),
		sources: sources,
		qcfg:    qcfg,
		emit:    emit,
		voice:   voice,
		done:    make(chan struct{}),
	}
}

// run is the worker loop. A panic in a handler is logged and the loop
// restarted; queues survive the restart.
func (w *worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		if w.loop(ticker) {
			return
		}
		slog.Error("worker restarted after panic", "worker", w.idx)
	}
}

// loop returns true on orderly shutdown and false after recovering a panic.
func (w *worker) loop(ticker *time.Ticker) (shutdown bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "worker", w.idx, "panic", r)
			shutdown = false
		}
	}()
	for {
		select {
		case msg := <-w.inbox:
			if msg.Op == opShutdown {
				w.destroyAll()
				w.reply(msg, Reply{})
				return true
			}
			w.handle(msg)
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick emits a playerUpdate for every live, unpaused queue.
func (w *worker) tick() {
	for key, q := range w.queues {
		if state, ok := q.Tick(); ok {
			w.emit(key, protocol.NewPlayerUpdate(key.GuildID, state))
		}
	}
}

func (w *worker) handle(msg Msg) {
	q, owned := w.queues[msg.Key]
	switch msg.Op {
	case OpPlay:
		w.handlePlay(msg, q, owned)
		return

	case OpStop:
		if owned {
			q.Stop(false)
		}
	case OpPause:
		if owned {
			q.Pause(msg.In.Pause != nil && *msg.In.Pause)
		}
	case OpDestroy:
		if owned {
			w.remove(msg.Key, false)
		}
	case OpSeek:
		if owned {
			q.Seek(msg.In.Position)
		}
	case OpVolume:
		if owned && msg.In.Volume != nil {
			q.SetVolume(*msg.In.Volume)
		}
	case OpFilters:
		if owned {
			q.Filters(msg.In.Filters)
		}
	case OpFFmpeg:
		if owned {
			q.FFmpeg(msg.In.Args)
		}
	case OpVoiceServer:
		if owned && msg.In.Event != nil {
			q.VoiceServer(msg.In.SessionID, *msg.In.Event)
		}
	case OpStats:
		playing := 0
		for _, q := range w.queues {
			if q.Playing() {
				playing++
			}
		}
		w.reply(msg, Reply{Players: len(w.queues), Playing: playing})
		return
	case OpDeleteAll:
		destroyed := 0
		for key := range w.queues {
			if key.ClientID == msg.ClientID {
				w.remove(key, true)
				destroyed++
			}
		}
		w.reply(msg, Reply{Destroyed: destroyed})
		return
	default:
		slog.Warn("worker dropped unknown op", "worker", w.idx, "op", msg.Op)
	}
	w.reply(msg, Reply{Owned: owned})
}

// handlePlay implements the ownership-discovery protocol: broadcast PLAYs are
// only honoured by the current owner; unowned keys land via a directed
// execute on the least-loaded worker, which creates the queue.
func (w *worker) handlePlay(msg Msg, q *queue.Queue, owned bool) {
	if !owned {
		if msg.Broadcast {
			w.reply(msg, Reply{Owned: false})
			return
		}
		q = w.create(msg.Key)
	}
	q.Play(msg.In, msg.Encoded, msg.Track)
	w.reply(msg, Reply{Owned: true})
}

// create builds a queue for key and replays any pending voice server state so
// playback can arm without waiting for the client to resend it.
func (w *worker) create(key queue.Key) *queue.Queue {
	emit := func(frame any) { w.emit(key, frame) }
	q := queue.New(key, w.sources, emit, w.qcfg)
	w.queues[key] = q
	w.load.Store(int64(len(w.queues)))
	observe.DefaultMetrics().ActivePlayers.Add(context.Background(), 1)
	if w.voice != nil {
		if sessionID, ev, ok := w.voice(key); ok {
			q.VoiceServer(sessionID, ev)
		}
	}
	slog.Debug("queue created", "worker", w.idx, "key", key)
	return q
}

// remove drops a queue. A client-requested destroy is silent; housekeeping
// removal (client expiry, worker shutdown) reports a CLEANUP track end so a
// resuming client learns why playback stopped.
func (w *worker) remove(key queue.Key, cleanup bool) {
	if q, ok := w.queues[key]; ok {
		if cleanup {
			q.Cleanup()
		} else {
			q.Destroy()
		}
		delete(w.queues, key)
		w.load.Store(int64(len(w.queues)))
		observe.DefaultMetrics().ActivePlayers.Add(context.Background(), -1)
		slog.Debug("queue destroyed", "worker", w.idx, "key", key)
	}
}

func (w *worker) destroyAll() {
	for key := range w.queues {
		w.remove(key, true)
	}
}

func (w *worker) reply(msg Msg, r Reply) {
	if msg.Reply != nil {
		msg.Reply <- r
	}
}
