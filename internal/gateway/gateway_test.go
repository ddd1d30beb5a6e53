package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cinderaudio/cinder/internal/config"
	"github.com/cinderaudio/cinder/internal/pool"
	"github.com/cinderaudio/cinder/internal/queue"
	"github.com/cinderaudio/cinder/internal/source"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

func testGateway(t *testing.T, password string) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(password, nil)
	p := pool.New(1, source.NewManager(config.NodeConfig{}), queue.Config{
		ConnectTimeout: 10 * time.Millisecond,
		StuckThreshold: time.Second,
	}, g.Emit, g.VoiceLookup)
	g.SetPool(p)
	srv := httptest.NewServer(g)
	t.Cleanup(func() {
		srv.Close()
		p.Shutdown()
	})
	return g, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, resp, err := websocket.Dial(ctx, "ws"+srv.URL[4:], &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		t.Fatalf("dial: %v (resp %+v)", err, resp)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws, resp
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func TestRejectsWrongPassword(t *testing.T) {
	t.Parallel()
	_, srv := testGateway(t, "hunter2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+srv.URL[4:], &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"wrong"}, "User-Id": {"42"}},
	})
	if err == nil {
		t.Fatal("dial succeeded with wrong password")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}
}

func TestRejectsNonNumericUserID(t *testing.T) {
	t.Parallel()
	_, srv := testGateway(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+srv.URL[4:], &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Id": {"bot"}},
	})
	if err == nil {
		t.Fatal("dial succeeded with non-numeric user id")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}
}

func TestConnectSendsInitialStats(t *testing.T) {
	t.Parallel()
	_, srv := testGateway(t, "")
	ws, resp := dial(t, srv, http.Header{"User-Id": {"42"}})

	if got := resp.Header.Get("Lavalink-Major-Version"); got != "3" {
		t.Errorf("Lavalink-Major-Version = %q", got)
	}
	if got := resp.Header.Get("Is-Volcano"); got != "true" {
		t.Errorf("Is-Volcano = %q", got)
	}
	if got := resp.Header.Get("Session-Resumed"); got != "false" {
		t.Errorf("Session-Resumed = %q", got)
	}

	frame := readFrame(t, ws)
	if frame["op"] != "stats" {
		t.Fatalf("first frame op = %v, want stats", frame["op"])
	}
	if frame["players"] != float64(0) || frame["playingPlayers"] != float64(0) {
		t.Errorf("fresh node reported players: %v", frame)
	}
	if cpu, ok := frame["cpu"].(map[string]any); !ok || cpu["cores"].(float64) < 1 {
		t.Errorf("cpu block = %v", frame["cpu"])
	}
}

func TestVoiceStateStoredAndOverwritten(t *testing.T) {
	t.Parallel()
	g, srv := testGateway(t, "")
	ws, _ := dial(t, srv, http.Header{"User-Id": {"42"}})
	readFrame(t, ws) // initial stats

	ctx := context.Background()
	send := func(body string) {
		if err := ws.Write(ctx, websocket.MessageText, []byte(body)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(`{"op":"voiceUpdate","guildId":"100","sessionId":"s1","event":{"token":"t1","guild_id":"100","endpoint":"e1"}}`)
	send(`{"op":"voiceUpdate","guildId":"100","sessionId":"s2","event":{"token":"t2","guild_id":"100","endpoint":"e2"}}`)

	key := queue.Key{ClientID: "42", GuildID: "100"}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessionID, ev, ok := g.VoiceLookup(key); ok && sessionID == "s2" {
			if ev.Token != "t2" || ev.Endpoint != "e2" {
				t.Fatalf("event = %+v", ev)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("voice state never stored")
}

func TestMalformedFrameDoesNotDisconnect(t *testing.T) {
	t.Parallel()
	_, srv := testGateway(t, "")
	ws, _ := dial(t, srv, http.Header{"User-Id": {"42"}})
	readFrame(t, ws)

	ctx := context.Background()
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The socket must still accept traffic afterwards.
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"op":"voiceUpdate","guildId":"1","sessionId":"s","event":{"token":"t","guild_id":"1","endpoint":"e"}}`)); err != nil {
		t.Fatalf("write after malformed frame: %v", err)
	}
}

func TestWriteOverflowDoesNotBlock(t *testing.T) {
	t.Parallel()
	_, srv := testGateway(t, "")
	ws, _ := dial(t, srv, http.Header{"User-Id": {"42"}})

	// A conn whose writer never drains stands in for a stalled client; the
	// emitters feeding it must never block.
	c := &conn{ws: ws, userID: "42", out: make(chan []byte, 4), stopWrite: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			c.writeRaw([]byte(`{"op":"stats"}`))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writeRaw blocked on a full outbound queue")
	}
	if len(c.out) != 4 {
		t.Errorf("queued frames = %d, want the queue capacity of 4", len(c.out))
	}
}

func TestDisconnectRegistersResumeBufferAtomically(t *testing.T) {
	t.Parallel()
	g, srv := testGateway(t, "")
	ws, _ := dial(t, srv, http.Header{"User-Id": {"42"}})
	readFrame(t, ws) // initial stats

	ctx := context.Background()
	body := `{"op":"configureResuming","key":"atomic","timeout":30}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(body)); err != nil {
		t.Fatal(err)
	}

	// Wait for the server to register the socket and apply the resume key.
	var c *conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		if list := g.conns["42"]; len(list) > 0 {
			c = list[0]
		}
		g.mu.Unlock()
		if c != nil {
			c.mu.Lock()
			keyed := c.resumeKey == "atomic"
			c.mu.Unlock()
			if keyed {
				break
			}
			c = nil
		}
		time.Sleep(time.Millisecond)
	}
	if c == nil {
		t.Fatal("resume key never applied")
	}

	// Once the connection reads as closed, the resume buffer must already be
	// there: events emitted in the disconnect window may not be dropped.
	ws.Close(websocket.StatusGoingAway, "simulated drop")
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		buf := g.resumeBufs["atomic"]
		g.mu.Unlock()
		if closed {
			if buf == nil {
				t.Fatal("connection observed closed before its resume buffer was registered")
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("server never observed the disconnect")
}

func TestResumeReplaysBufferedFrames(t *testing.T) {
	t.Parallel()
	g, srv := testGateway(t, "")
	ws, _ := dial(t, srv, http.Header{"User-Id": {"42"}})
	readFrame(t, ws)

	ctx := context.Background()
	body := `{"op":"configureResuming","key":"k","timeout":30}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(body)); err != nil {
		t.Fatal(err)
	}
	blob, err := protocol.EncodeTrack(protocol.Track{
		Source: "local", Identifier: "/tmp/a.ogg", URI: "/tmp/a.ogg",
		Title: "a", Author: "b", IsSeekable: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	play, _ := json.Marshal(map[string]any{"op": "play", "guildId": "100", "track": blob})
	if err := ws.Write(ctx, websocket.MessageText, play); err != nil {
		t.Fatal(err)
	}

	// Without a voice server the arm fails fast; consume its close event so
	// it cannot race into the resume buffer below.
	key := queue.Key{ClientID: "42", GuildID: "100"}
	if frame := readFrame(t, ws); frame["op"] != "event" {
		t.Fatalf("expected arm-failure event, got %v", frame)
	}

	ws.Close(websocket.StatusGoingAway, "simulated drop")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		_, parked := g.resumeBufs["k"]
		g.mu.Unlock()
		if parked {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Events for the client's rooms land in the buffer while it is away.
	g.Emit(key, protocol.EventFrame{
		Op: protocol.OpEvent, Type: protocol.EventTrackStart, GuildID: "100", Track: blob,
	})

	ws2, resp := dial(t, srv, http.Header{"User-Id": {"42"}, "Resume-Key": {"k"}})
	if got := resp.Header.Get("Session-Resumed"); got != "true" {
		t.Fatalf("Session-Resumed = %q, want true", got)
	}
	frame := readFrame(t, ws2)
	if frame["op"] != "event" || frame["type"] != "TrackStartEvent" || frame["guildId"] != "100" {
		t.Fatalf("replayed frame = %v", frame)
	}
}
