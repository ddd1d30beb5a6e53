// Package voice maintains the secure UDP voice connection to the chat
// platform. It speaks the voice gateway handshake (hello → identify → ready →
// select protocol → session description) over a websocket, discovers the
// external address over UDP, and then packetises Opus frames into encrypted
// RTP at a 20 ms cadence.
//
// The node never talks to the platform's main gateway; session ID, token and
// endpoint arrive from the client bot via the voiceUpdate control frame.
package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/cinderaudio/cinder/pkg/protocol"
)

// Voice gateway opcodes.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatACK       = 6
	opResume             = 7
	opHello              = 8
	opResumed            = 9
)

const (
	gatewayVersion = "4"
	encryptionMode = "xsalsa20_poly1305"

	// frameInterval is the wall-clock spacing of outgoing voice packets.
	frameInterval = 20 * time.Millisecond

	// samplesPerFrame advances the RTP timestamp per packet (48 kHz * 20 ms).
	samplesPerFrame = 960

	// sendBuffer keeps the Opus send channel shallow so a stalled network
	// propagates backpressure up through the codec chain.
	sendBuffer = 2
)

// DefaultConnectTimeout bounds how long Connect waits for the session
// description before giving up.
const DefaultConnectTimeout = 15 * time.Second

// ErrConnectTimeout is returned when the voice handshake does not complete
// within the connect timeout.
var ErrConnectTimeout = errors.New("voice: connection did not become ready in time")

// silenceFrame is the Opus silence packet sent to flush the decoder when
// audio stops.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// CloseInfo describes why a voice connection ended.
type CloseInfo struct {
	Code     int
	Reason   string
	ByRemote bool
}

// Params identifies the voice server to connect to, as relayed by the client.
type Params struct {
	GuildID   string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

// Connection is one live voice session. Opus frames written to OpusSend are
// encrypted and transmitted at 20 ms intervals. All exported methods are safe
// for concurrent use.
type Connection struct {
	params Params

	// OpusSend accepts encoded Opus frames for transmission. The channel is
	// deliberately shallow; see sendBuffer.
	OpusSend chan []byte

	ws  *websocket.Conn
	udp *net.UDPConn

	ssrc      uint32
	secretKey [32]byte

	ready     atomic.Bool
	speaking  atomic.Bool
	closeInfo atomic.Pointer[CloseInfo]

	onClosed func(CloseInfo)

	done      chan struct{}
	closeOnce sync.Once
}

// Connect performs the full voice handshake and returns a ready Connection.
// onClosed is invoked exactly once when the session ends for any reason other
// than a local Close call.
func Connect(ctx context.Context, p Params, onClosed func(CloseInfo)) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	// Endpoints arrive with a :80 suffix that the voice gateway rejects.
	host := strings.TrimSuffix(p.Endpoint, ":80")
	url := fmt.Sprintf("wss://%s/?v=%s", host, gatewayVersion)

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("voice: dial %s: %w", url, err)
	}
	// Session description payloads exceed the library default read limit of
	// 32 KiB only in pathological cases, but voice payloads are tiny anyway.
	ws.SetReadLimit(1 << 20)

	c := &Connection{
		params:   p,
		OpusSend: make(chan []byte, sendBuffer),
		ws:       ws,
		onClosed: onClosed,
		done:     make(chan struct{}),
	}

	if err := c.handshake(ctx); err != nil {
		ws.Close(websocket.StatusNormalClosure, "handshake failed")
		if c.udp != nil {
			c.udp.Close()
		}
		if ctx.Err() != nil {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}

	c.ready.Store(true)
	go c.readLoop()
	go c.sendLoop()
	slog.Debug("voice connection ready", "guild_id", p.GuildID, "endpoint", host)
	return c, nil
}

// payload is the generic voice gateway frame shape.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type sessionDescription struct {
	SecretKey [32]byte `json:"secret_key"`
	Mode      string   `json:"mode"`
}

// handshake drives the connection from dial to session description.
func (c *Connection) handshake(ctx context.Context) error {
	hello, err := c.expect(ctx, opHello)
	if err != nil {
		return fmt.Errorf("voice: waiting for hello: %w", err)
	}
	var h helloData
	if err := json.Unmarshal(hello, &h); err != nil {
		return fmt.Errorf("voice: decode hello: %w", err)
	}
	go c.heartbeatLoop(time.Duration(h.HeartbeatInterval) * time.Millisecond)

	identify := map[string]any{
		"server_id":  c.params.GuildID,
		"user_id":    c.params.UserID,
		"session_id": c.params.SessionID,
		"token":      c.params.Token,
	}
	if err := c.send(ctx, opIdentify, identify); err != nil {
		return fmt.Errorf("voice: identify: %w", err)
	}

	readyRaw, err := c.expect(ctx, opReady)
	if err != nil {
		return fmt.Errorf("voice: waiting for ready: %w", err)
	}
	var ready readyData
	if err := json.Unmarshal(readyRaw, &ready); err != nil {
		return fmt.Errorf("voice: decode ready: %w", err)
	}
	c.ssrc = ready.SSRC

	ip, port, err := c.discoverIP(ctx, ready)
	if err != nil {
		return err
	}

	selectProto := map[string]any{
		"protocol": "udp",
		"data": map[string]any{
			"address": ip,
			"port":    port,
			"mode":    encryptionMode,
		},
	}
	if err := c.send(ctx, opSelectProtocol, selectProto); err != nil {
		return fmt.Errorf("voice: select protocol: %w", err)
	}

	descRaw, err := c.expect(ctx, opSessionDescription)
	if err != nil {
		return fmt.Errorf("voice: waiting for session description: %w", err)
	}
	var desc sessionDescription
	if err := json.Unmarshal(descRaw, &desc); err != nil {
		return fmt.Errorf("voice: decode session description: %w", err)
	}
	c.secretKey = desc.SecretKey
	return nil
}

// discoverIP opens the UDP socket and performs the platform's IP discovery
// round trip to learn our external address.
func (c *Connection) discoverIP(ctx context.Context, ready readyData) (string, int, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ready.IP, ready.Port))
	if err != nil {
		return "", 0, fmt.Errorf("voice: resolve udp addr: %w", err)
	}
	udp, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return "", 0, fmt.Errorf("voice: dial udp: %w", err)
	}
	c.udp = udp

	// Discovery request: type 0x1, length 70, ssrc, then 66 zero bytes.
	req := make([]byte, 74)
	binary.BigEndian.PutUint16(req[0:], 0x1)
	binary.BigEndian.PutUint16(req[2:], 70)
	binary.BigEndian.PutUint32(req[4:], ready.SSRC)
	if _, err := udp.Write(req); err != nil {
		return "", 0, fmt.Errorf("voice: send ip discovery: %w", err)
	}

	resp := make([]byte, 74)
	if deadline, ok := ctx.Deadline(); ok {
		udp.SetReadDeadline(deadline)
	}
	n, err := udp.Read(resp)
	udp.SetReadDeadline(time.Time{})
	if err != nil {
		return "", 0, fmt.Errorf("voice: read ip discovery: %w", err)
	}
	if n < 74 {
		return "", 0, fmt.Errorf("voice: short ip discovery response (%d bytes)", n)
	}

	// External address is a NUL-terminated string at offset 8; the port is
	// the trailing big-endian uint16.
	ip := string(resp[8 : 8+strings.IndexByte(string(resp[8:72]), 0)])
	port := int(binary.BigEndian.Uint16(resp[72:74]))
	return ip, port, nil
}

// expect reads frames until one with the wanted opcode arrives. Interleaved
// frames (heartbeat acks during the handshake) are ignored.
func (c *Connection) expect(ctx context.Context, op int) (json.RawMessage, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.Op == op {
			return p.D, nil
		}
	}
}

func (c *Connection) send(ctx context.Context, op int, d any) error {
	raw, err := json.Marshal(map[string]any{"op": op, "d": d})
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, raw)
}

// heartbeatLoop sends heartbeats at the interval the gateway requested.
func (c *Connection) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.send(ctx, opHeartbeat, rand.Int64())
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readLoop consumes gateway frames after the handshake and surfaces the
// close when the peer goes away.
func (c *Connection) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			select {
			case <-c.done:
				// Local close; no event.
			default:
				c.remoteClosed(err)
			}
			return
		}
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			slog.Warn("voice: undecodable gateway frame", "err", err)
			continue
		}
		switch p.Op {
		case opHeartbeatACK, opSpeaking, opResumed:
			// Nothing to track.
		case opSessionDescription:
			var desc sessionDescription
			if err := json.Unmarshal(p.D, &desc); err == nil {
				c.secretKey = desc.SecretKey
			}
		}
	}
}

// remoteClosed records the close info and notifies the owner once.
func (c *Connection) remoteClosed(err error) {
	code := int(websocket.CloseStatus(err))
	info := CloseInfo{Code: code, ByRemote: true}
	if code < 0 {
		info.Code = 4000
		info.Reason = err.Error()
	} else if reason, ok := protocol.VoiceCloseReason(code); ok {
		info.Reason = reason
	}
	c.finish(info)
}

// finish tears the connection down and fires onClosed when info.ByRemote.
func (c *Connection) finish(info CloseInfo) {
	c.closeOnce.Do(func() {
		c.closeInfo.Store(&info)
		c.ready.Store(false)
		close(c.done)
		c.ws.Close(websocket.StatusNormalClosure, "")
		if c.udp != nil {
			c.udp.Close()
		}
		if info.ByRemote && c.onClosed != nil {
			go c.onClosed(info)
		}
	})
}

// sendLoop packetises frames from OpusSend at the 20 ms cadence.
func (c *Connection) sendLoop() {
	var (
		seq       uint16
		timestamp uint32
		nonce     [24]byte
	)
	header := make([]byte, 12)
	header[0] = 0x80
	header[1] = 0x78
	binary.BigEndian.PutUint32(header[8:], c.ssrc)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		var frame []byte
		select {
		case <-c.done:
			return
		case frame = <-c.OpusSend:
		}

		binary.BigEndian.PutUint16(header[2:], seq)
		binary.BigEndian.PutUint32(header[4:], timestamp)
		copy(nonce[:12], header)

		packet := secretbox.Seal(append([]byte(nil), header...), frame, &nonce, &c.secretKey)

		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		if _, err := c.udp.Write(packet); err != nil {
			slog.Warn("voice: udp write failed", "guild_id", c.params.GuildID, "err", err)
			return
		}
		seq++
		timestamp += samplesPerFrame
	}
}

// Speaking toggles the speaking flag on the voice gateway. Duplicate calls
// with the same value are suppressed.
func (c *Connection) Speaking(on bool) {
	if c.speaking.Swap(on) == on {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.send(ctx, opSpeaking, map[string]any{
		"speaking": on,
		"delay":    0,
		"ssrc":     c.ssrc,
	})
	if err != nil {
		slog.Warn("voice: speaking update failed", "guild_id", c.params.GuildID, "err", err)
	}
}

// SendSilence queues the standard five silence frames so the receiving end
// flushes its decoder cleanly when audio stops.
func (c *Connection) SendSilence() {
	for range 5 {
		select {
		case c.OpusSend <- silenceFrame:
		case <-c.done:
			return
		}
	}
}

// Ready reports whether the session is established and transmitting.
func (c *Connection) Ready() bool {
	return c.ready.Load()
}

// GuildID returns the room this connection serves.
func (c *Connection) GuildID() string {
	return c.params.GuildID
}

// Close tears the connection down locally. No closed event is emitted.
func (c *Connection) Close() error {
	c.finish(CloseInfo{Code: int(websocket.StatusNormalClosure)})
	return nil
}
