// Package gateway is the client-facing WebSocket server: it authenticates
// bots, translates control frames into pool commands, routes player events
// back to the socket that owns each room, and buffers outbound frames for
// clients inside a resume window.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cinderaudio/cinder/internal/observe"
	"github.com/cinderaudio/cinder/internal/pool"
	"github.com/cinderaudio/cinder/internal/queue"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

const (
	// keepaliveInterval is the ping cadence; a missed pong terminates the
	// client.
	keepaliveInterval = 60 * time.Second

	// statsInterval is the cadence of the server-wide stats broadcast.
	statsInterval = 60 * time.Second

	// voiceStateTTL bounds how long a relayed voice server update is kept
	// for replay into a late-created queue.
	voiceStateTTL = 20 * time.Second

	// defaultResumeTimeout applies when configureResuming carries none.
	defaultResumeTimeout = 60 * time.Second

	// outQueueSize bounds the per-connection outbound frame queue. A client
	// that falls this far behind is terminated.
	outQueueSize = 256

	// writeTimeout bounds a single frame write on the writer goroutine.
	writeTimeout = 10 * time.Second
)

// Gateway owns all client connections and the resume state. All maps are
// guarded by mu; frame writes go through each connection's own write lock so
// per-socket FIFO is preserved.
type Gateway struct {
	password string
	pool     *pool.Pool
	started  time.Time

	mu          sync.Mutex
	conns       map[string][]*conn
	playerMap   map[queue.Key]*conn
	voiceStates map[queue.Key]voiceState
	resumeBufs  map[string]*resumeBuffer
}

type voiceState struct {
	sessionID string
	event     protocol.VoiceServerEvent
	expire    *time.Timer
}

// resumeBuffer holds outbound frames for a disconnected client until it
// resumes or the window expires.
type resumeBuffer struct {
	userID string
	old    *conn
	timer  *time.Timer
	frames [][]byte
}

// conn is one client socket. Outbound frames go through a buffered queue
// drained by a dedicated writer goroutine, so a slow client can never block
// the worker loops or queue mutexes that emit frames.
type conn struct {
	ws     *websocket.Conn
	userID string

	out       chan []byte
	stopWrite chan struct{}

	mu            sync.Mutex
	resumeKey     string
	resumeTimeout time.Duration
	closed        bool
}

func newConn(ws *websocket.Conn, userID string) *conn {
	return &conn{
		ws:        ws,
		userID:    userID,
		out:       make(chan []byte, outQueueSize),
		stopWrite: make(chan struct{}),
	}
}

// New creates a gateway dispatching into p. password may be empty, which
// disables authentication.
func New(password string, p *pool.Pool) *Gateway {
	return &Gateway{
		password:    password,
		pool:        p,
		started:     time.Now(),
		conns:       make(map[string][]*conn),
		playerMap:   make(map[queue.Key]*conn),
		voiceStates: make(map[queue.Key]voiceState),
		resumeBufs:  make(map[string]*resumeBuffer),
	}
}

// SetPool wires the pool after construction, resolving the gateway/pool
// construction cycle (the pool needs the gateway's emitter and voice lookup).
func (g *Gateway) SetPool(p *pool.Pool) {
	g.pool = p
}

// Authorized checks the shared-password header. An unset password admits
// everyone.
func (g *Gateway) Authorized(r *http.Request) bool {
	return g.password == "" || r.Header.Get("Authorization") == g.password
}

// ServeHTTP upgrades a client WebSocket. The response carries the protocol
// version headers; authentication failures answer with a bare 401.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.Authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	userID := r.Header.Get("User-Id")
	if _, err := strconv.ParseUint(userID, 10, 64); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	resumeKey := r.Header.Get("Resume-Key")
	g.mu.Lock()
	buf := g.resumeBufs[resumeKey]
	if buf != nil {
		buf.timer.Stop()
		delete(g.resumeBufs, resumeKey)
	}
	g.mu.Unlock()

	w.Header().Set("Session-Resumed", strconv.FormatBool(buf != nil))
	w.Header().Set("Lavalink-Major-Version", "3")
	w.Header().Set("Is-Volcano", "true")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // bots connect from anywhere; auth is the password
	})
	if err != nil {
		slog.Warn("websocket accept failed", "user_id", userID, "err", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	c := newConn(ws, userID)
	go c.writeLoop()
	g.register(c, buf)
	observe.DefaultMetrics().ConnectedClients.Add(r.Context(), 1)
	slog.Info("client connected", "user_id", userID, "resumed", buf != nil)

	go g.keepalive(c)
	g.readLoop(c)
}

// register adds the connection, replays any resume buffer in order, and
// sends the initial stats frame.
func (g *Gateway) register(c *conn, buf *resumeBuffer) {
	g.mu.Lock()
	g.conns[c.userID] = append(g.conns[c.userID], c)
	if buf != nil {
		// Re-point the rooms the dead socket owned at the new one.
		for key, owner := range g.playerMap {
			if owner == buf.old {
				g.playerMap[key] = c
			}
		}
		c.mu.Lock()
		c.resumeKey = buf.old.resumeKey
		c.resumeTimeout = buf.old.resumeTimeout
		c.mu.Unlock()
	}
	g.mu.Unlock()

	if buf != nil {
		for _, raw := range buf.frames {
			c.writeRaw(raw)
		}
		slog.Info("resume replay complete", "user_id", c.userID, "frames", len(buf.frames))
	}
	c.write(g.statsFrame())
}

// readLoop consumes control frames until the socket dies.
func (g *Gateway) readLoop(c *conn) {
	ctx := context.Background()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			observe.DefaultMetrics().ConnectedClients.Add(ctx, -1)
			g.disconnected(c)
			return
		}
		in, err := protocol.ParseInbound(data)
		if err != nil {
			// Malformed frames are dropped without disconnecting the client.
			slog.Warn("undecodable control frame", "user_id", c.userID, "err", err)
			continue
		}
		g.dispatch(c, in)
	}
}

// dispatch routes one inbound control frame.
func (g *Gateway) dispatch(c *conn, in protocol.Inbound) {
	key := queue.Key{ClientID: c.userID, GuildID: in.GuildID}
	switch in.Op {
	case protocol.OpPlay:
		track, err := protocol.DecodeTrack(in.Track)
		if err != nil {
			slog.Warn("undecodable track blob", "user_id", c.userID, "guild_id", in.GuildID, "err", err)
			return
		}
		g.mu.Lock()
		g.playerMap[key] = c
		g.mu.Unlock()
		g.pool.Play(key, in, in.Track, track)

	case protocol.OpVoiceUpdate:
		if in.Event == nil {
			return
		}
		g.storeVoiceState(key, in.SessionID, *in.Event)
		g.pool.Unicast(pool.Msg{Op: pool.OpVoiceServer, Key: key, In: in})

	case protocol.OpStop:
		g.pool.Unicast(pool.Msg{Op: pool.OpStop, Key: key, In: in})
	case protocol.OpPause:
		g.pool.Unicast(pool.Msg{Op: pool.OpPause, Key: key, In: in})
	case protocol.OpDestroy:
		g.mu.Lock()
		delete(g.playerMap, key)
		g.mu.Unlock()
		g.pool.Unicast(pool.Msg{Op: pool.OpDestroy, Key: key, In: in})
	case protocol.OpSeek:
		g.pool.Unicast(pool.Msg{Op: pool.OpSeek, Key: key, In: in})
	case protocol.OpVolume:
		g.pool.Unicast(pool.Msg{Op: pool.OpVolume, Key: key, In: in})
	case protocol.OpFilters:
		g.pool.Unicast(pool.Msg{Op: pool.OpFilters, Key: key, In: in})
	case protocol.OpFFmpeg:
		g.pool.Unicast(pool.Msg{Op: pool.OpFFmpeg, Key: key, In: in})

	case protocol.OpConfigureResuming:
		timeout := defaultResumeTimeout
		if in.Timeout > 0 {
			timeout = time.Duration(in.Timeout) * time.Second
		}
		c.mu.Lock()
		c.resumeKey = in.Key
		c.resumeTimeout = timeout
		c.mu.Unlock()

	case protocol.OpDump:
		slog.Warn("worker dump requested", "user_id", c.userID)
		g.pool.Dump()

	default:
		slog.Warn("unknown op dropped", "user_id", c.userID, "op", in.Op)
	}
}

// storeVoiceState keeps a relayed voice server update for 20 s so a queue
// created after the voiceUpdate can still connect.
func (g *Gateway) storeVoiceState(key queue.Key, sessionID string, ev protocol.VoiceServerEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.voiceStates[key]; ok {
		old.expire.Stop()
	}
	g.voiceStates[key] = voiceState{
		sessionID: sessionID,
		event:     ev,
		expire: time.AfterFunc(voiceStateTTL, func() {
			g.mu.Lock()
			delete(g.voiceStates, key)
			g.mu.Unlock()
		}),
	}
}

// VoiceLookup hands a buffered voice server state to a newly created queue.
func (g *Gateway) VoiceLookup(key queue.Key) (string, protocol.VoiceServerEvent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	vs, ok := g.voiceStates[key]
	if !ok {
		return "", protocol.VoiceServerEvent{}, false
	}
	return vs.sessionID, vs.event, true
}

// Emit routes an outbound frame from the pool to the socket owning the key,
// or into its resume buffer while the client is disconnected.
func (g *Gateway) Emit(key queue.Key, frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		slog.Error("unencodable outbound frame", "key", key, "err", err)
		return
	}
	if ev, ok := frame.(protocol.EventFrame); ok {
		observe.DefaultMetrics().RecordTrackEvent(context.Background(), ev.Type)
	}

	g.mu.Lock()
	c := g.playerMap[key]
	var buf *resumeBuffer
	if c != nil {
		c.mu.Lock()
		closed, rk := c.closed, c.resumeKey
		c.mu.Unlock()
		if closed {
			buf = g.resumeBufs[rk]
			c = nil
		}
	}
	if ev, ok := frame.(protocol.EventFrame); ok && ev.Type == protocol.EventTrackEnd {
		// Track is over; the next play re-records the owner.
		delete(g.playerMap, key)
	}
	if buf != nil {
		buf.frames = append(buf.frames, raw)
	}
	g.mu.Unlock()

	if c != nil {
		c.writeRaw(raw)
	} else if buf == nil {
		slog.Debug("dropped frame for unowned key", "key", key)
	}
}

// disconnected handles a socket death: with a resume key the client's state
// is parked behind a timed buffer, otherwise all its players are destroyed
// immediately. The closed flag and the resume buffer are set in one critical
// section, so [Gateway.Emit] can never observe a closed owner without its
// buffer and drop an event from the disconnect window.
func (g *Gateway) disconnected(c *conn) {
	g.mu.Lock()
	c.mu.Lock()
	c.closed = true
	resumeKey := c.resumeKey
	timeout := c.resumeTimeout
	c.mu.Unlock()

	list := g.conns[c.userID]
	for i, other := range list {
		if other == c {
			g.conns[c.userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.conns[c.userID]) == 0 {
		delete(g.conns, c.userID)
	}

	if resumeKey != "" {
		if timeout <= 0 {
			timeout = defaultResumeTimeout
		}
		buf := &resumeBuffer{userID: c.userID, old: c}
		buf.timer = time.AfterFunc(timeout, func() {
			g.mu.Lock()
			delete(g.resumeBufs, resumeKey)
			g.mu.Unlock()
			slog.Info("resume window expired", "user_id", c.userID, "resume_key", resumeKey)
			g.dropClient(c)
		})
		g.resumeBufs[resumeKey] = buf
	}
	g.mu.Unlock()

	c.ws.Close(websocket.StatusNormalClosure, "")
	close(c.stopWrite)

	if resumeKey == "" {
		slog.Info("client disconnected", "user_id", c.userID)
		g.dropClient(c)
		return
	}
	slog.Info("client disconnected, resume window open",
		"user_id", c.userID, "resume_key", resumeKey, "timeout", timeout)
}

// dropClient destroys every player a dead client owned and clears its
// routing entries.
func (g *Gateway) dropClient(c *conn) {
	g.mu.Lock()
	for key, owner := range g.playerMap {
		if owner == c {
			delete(g.playerMap, key)
		}
	}
	g.mu.Unlock()
	if n := g.pool.DeleteAll(c.userID); n > 0 {
		slog.Info("players destroyed for dead client", "user_id", c.userID, "count", n)
	}
}

// keepalive pings the client until the first failure terminates it.
func (g *Gateway) keepalive(c *conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.ws.Ping(ctx)
		cancel()
		if err != nil {
			slog.Info("client missed keepalive", "user_id", c.userID)
			c.ws.Close(websocket.StatusGoingAway, "keepalive timeout")
			return
		}
	}
}

// Run broadcasts the stats frame to every client once a minute until ctx
// ends.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			frame := g.statsFrame()
			g.mu.Lock()
			var all []*conn
			for _, list := range g.conns {
				all = append(all, list...)
			}
			g.mu.Unlock()
			for _, c := range all {
				c.write(frame)
			}
		}
	}
}

// write marshals and enqueues one frame, preserving per-socket FIFO.
func (c *conn) write(frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		slog.Error("unencodable frame", "err", err)
		return
	}
	c.writeRaw(raw)
}

// writeRaw enqueues a frame without blocking. A full queue means the client
// stopped consuming; losing protocol frames would corrupt its session state,
// so the socket is terminated instead.
func (c *conn) writeRaw(raw []byte) {
	select {
	case c.out <- raw:
	default:
		slog.Warn("client outbound queue overflow, terminating", "user_id", c.userID)
		c.ws.Close(websocket.StatusGoingAway, "too slow")
	}
}

// writeLoop drains the outbound queue onto the socket until the connection
// dies. A failed write stops the loop; the read loop notices the dead socket
// and runs the disconnect path.
func (c *conn) writeLoop() {
	for {
		select {
		case raw := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				slog.Debug("client write failed", "user_id", c.userID, "err", err)
				return
			}
		case <-c.stopWrite:
			return
		}
	}
}
