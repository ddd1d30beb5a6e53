// Package pool spreads playback state across a set of workers, one message
// loop per worker, and routes client commands to the worker owning each
// (client-id, room-id) key. Ownership is discovered by broadcast rather than
// a shared routing table: every worker answers whether the key is in its
// queue map, and unowned keys are placed on the least-loaded worker.
package pool

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/cinderaudio/cinder/internal/queue"
	"github.com/cinderaudio/cinder/internal/source"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

// Emitter receives outbound frames for the client owning a key. The gateway
// uses the key to find the right socket.
type Emitter func(key queue.Key, frame any)

// VoiceLookup asks the gateway for a buffered voice server state when a
// queue is created, replaying a voiceUpdate the client sent before its play.
type VoiceLookup func(key queue.Key) (sessionID string, ev protocol.VoiceServerEvent, ok bool)

// Pool owns the workers.
type Pool struct {
	sources *source.Manager
	qcfg    queue.Config
	emit    Emitter
	voice   VoiceLookup
	size    int

	mu      sync.RWMutex
	workers []*worker

	// playLocks serialises the broadcast+execute pair per key; without it two
	// concurrent plays for the same room can both see the key unowned and
	// create a queue each on different workers.
	playMu    sync.Mutex
	playLocks map[queue.Key]*playLock
}

// playLock is one key's in-flight play serialisation point, refcounted so
// idle keys do not accumulate entries.
type playLock struct {
	mu   sync.Mutex
	refs int
}

// New starts size workers (0 means one per CPU).
func New(size int, sources *source.Manager, qcfg queue.Config, emit Emitter, voice VoiceLookup) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		sources:   sources,
		qcfg:      qcfg,
		emit:      emit,
		voice:     voice,
		size:      size,
		playLocks: make(map[queue.Key]*playLock),
	}
	p.workers = p.spawn()
	return p
}

func (p *Pool) spawn() []*worker {
	workers := make([]*worker, p.size)
	for i := range workers {
		workers[i] = newWorker(i, p.sources, p.qcfg, p.emit, p.voice)
		go workers[i].run()
	}
	return workers
}

// Play routes a play command: broadcast to discover the owning worker, and
// when no worker owns the key, execute on the least-loaded one. All playback
// for one room thereby stays on a single worker. Plays for the same key are
// serialised so at most one queue ever exists per key.
func (p *Pool) Play(key queue.Key, in protocol.Inbound, encoded string, track protocol.Track) {
	l := p.lockKey(key)
	defer p.unlockKey(key, l)

	msg := Msg{Op: OpPlay, Key: key, In: in, Encoded: encoded, Track: track, Broadcast: true}
	for _, r := range p.Broadcast(msg) {
		if r.Owned {
			return
		}
	}
	msg.Broadcast = false
	msg.Reply = nil
	p.Execute(msg)
}

func (p *Pool) lockKey(key queue.Key) *playLock {
	p.playMu.Lock()
	l := p.playLocks[key]
	if l == nil {
		l = &playLock{}
		p.playLocks[key] = l
	}
	l.refs++
	p.playMu.Unlock()
	l.mu.Lock()
	return l
}

func (p *Pool) unlockKey(key queue.Key, l *playLock) {
	l.mu.Unlock()
	p.playMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.playLocks, key)
	}
	p.playMu.Unlock()
}

// Execute places msg on the worker with the fewest live queues, lowest index
// winning ties. That worker becomes the owner of the message's key.
func (p *Pool) Execute(msg Msg) {
	p.mu.RLock()
	target := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.load.Load() < target.load.Load() {
			target = w
		}
	}
	p.mu.RUnlock()
	target.inbox <- msg
}

// Broadcast sends msg to every worker and collects one reply from each.
func (p *Pool) Broadcast(msg Msg) []Reply {
	p.mu.RLock()
	workers := p.workers
	p.mu.RUnlock()

	msg.Reply = make(chan Reply, len(workers))
	for _, w := range workers {
		w.inbox <- msg
	}
	replies := make([]Reply, 0, len(workers))
	for range workers {
		replies = append(replies, <-msg.Reply)
	}
	return replies
}

// Unicast sends msg to all workers without waiting; only the key's owner
// acts on it, the rest drop it.
func (p *Pool) Unicast(msg Msg) {
	p.mu.RLock()
	workers := p.workers
	p.mu.RUnlock()
	for _, w := range workers {
		w.inbox <- msg
	}
}

// Stats aggregates queue counts across all workers.
func (p *Pool) Stats() (players, playing int) {
	for _, r := range p.Broadcast(Msg{Op: OpStats}) {
		players += r.Players
		playing += r.Playing
	}
	return players, playing
}

// DeleteAll destroys every queue owned by clientID and returns how many.
func (p *Pool) DeleteAll(clientID string) int {
	destroyed := 0
	for _, r := range p.Broadcast(Msg{Op: OpDeleteAll, ClientID: clientID}) {
		destroyed += r.Destroyed
	}
	return destroyed
}

// Dump terminates every worker, destroying its queues, and starts a fresh
// set. Clients must re-issue voiceUpdate and play afterwards.
func (p *Pool) Dump() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		done := make(chan Reply, 1)
		w.inbox <- Msg{Op: opShutdown, Reply: done}
		<-done
		<-w.done
	}
	p.workers = p.spawn()
	slog.Info("worker pool restarted", "workers", p.size)
}

// Shutdown stops all workers without restarting them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		done := make(chan Reply, 1)
		w.inbox <- Msg{Op: opShutdown, Reply: done}
		<-done
		<-w.done
	}
	p.workers = nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}
