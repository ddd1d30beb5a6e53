// Command cinder-client is a minimal companion bot for exercising a node
// end to end: it joins a Discord voice channel, forwards the voice server
// credentials to the node over the control WebSocket, resolves one
// identifier through /loadtracks and plays it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/coder/websocket"

	"github.com/cinderaudio/cinder/pkg/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var (
		token      = flag.String("token", os.Getenv("DISCORD_TOKEN"), "Discord bot token")
		node       = flag.String("node", "127.0.0.1:2333", "node host:port")
		password   = flag.String("password", "", "node password")
		guildID    = flag.String("guild", "", "guild to play in")
		channelID  = flag.String("channel", "", "voice channel to join")
		identifier = flag.String("identifier", "", "track identifier or search query")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *token == "" || *guildID == "" || *channelID == "" || *identifier == "" {
		fmt.Fprintln(os.Stderr, "cinder-client: -token, -guild, -channel and -identifier are required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Discord session ───────────────────────────────────────────────────────
	session, err := discordgo.New("Bot " + *token)
	if err != nil {
		slog.Error("create session", "err", err)
		return 1
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	// The node owns the voice UDP leg, so the gateway events are forwarded
	// instead of being handed to discordgo's own voice engine.
	creds := make(chan protocol.VoiceServerEvent, 1)
	sessionIDs := make(chan string, 1)
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
		if e.GuildID != *guildID {
			return
		}
		creds <- protocol.VoiceServerEvent{Token: e.Token, GuildID: e.GuildID, Endpoint: e.Endpoint}
	})
	session.AddHandler(func(s *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		if e.GuildID == *guildID && e.UserID == s.State.User.ID {
			sessionIDs <- e.SessionID
		}
	})

	if err := session.Open(); err != nil {
		slog.Error("open session", "err", err)
		return 1
	}
	defer session.Close()
	botID := session.State.User.ID
	slog.Info("discord connected", "user", session.State.User.Username)

	// ── Node control channel ──────────────────────────────────────────────────
	ws, resp, err := websocket.Dial(ctx, "ws://"+*node+"/", &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {*password},
			"User-Id":       {botID},
			"Num-Shards":    {"1"},
		},
	})
	if err != nil {
		slog.Error("dial node", "err", err)
		return 1
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	if resp != nil {
		slog.Info("node connected", "version", resp.Header.Get("Lavalink-Major-Version"))
	}

	send := func(frame any) error {
		raw, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		return ws.Write(ctx, websocket.MessageText, raw)
	}

	// ── Join voice and forward credentials ────────────────────────────────────
	// Mute/deaf flags are irrelevant; the node speaks on our behalf.
	if err := session.ChannelVoiceJoinManual(*guildID, *channelID, false, true); err != nil {
		slog.Error("join voice channel", "err", err)
		return 1
	}

	var sessionID string
	var event protocol.VoiceServerEvent
	for sessionID == "" || event.Token == "" {
		select {
		case sessionID = <-sessionIDs:
		case event = <-creds:
		case <-ctx.Done():
			return 1
		case <-time.After(15 * time.Second):
			slog.Error("voice credentials did not arrive")
			return 1
		}
	}
	if err := send(protocol.Inbound{
		Op:        "voiceUpdate",
		GuildID:   *guildID,
		SessionID: sessionID,
		Event:     &event,
	}); err != nil {
		slog.Error("forward voice update", "err", err)
		return 1
	}

	// ── Resolve and play ──────────────────────────────────────────────────────
	blob, title, err := loadTrack(ctx, *node, *password, *identifier)
	if err != nil {
		slog.Error("load track", "err", err)
		return 1
	}
	slog.Info("playing", "title", title)
	if err := send(protocol.Inbound{Op: "play", GuildID: *guildID, Track: blob}); err != nil {
		slog.Error("send play", "err", err)
		return 1
	}

	// ── Event loop ────────────────────────────────────────────────────────────
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Ctrl+C: tear the player down before leaving.
				cleanup(node, password, botID, *guildID)
				return 0
			}
			slog.Error("node connection lost", "err", err)
			return 1
		}
		var ev protocol.EventFrame
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		switch ev.Op {
		case "event":
			slog.Info("node event", "type", ev.Type, "reason", ev.Reason, "error", ev.Error)
			if ev.Type == protocol.EventTrackEnd {
				return 0
			}
		case "playerUpdate":
			var up protocol.PlayerUpdateFrame
			if json.Unmarshal(raw, &up) == nil {
				slog.Debug("position", "ms", up.State.Position)
			}
		}
	}
}

// loadTrack resolves identifier via the node's /loadtracks endpoint and
// returns the first result's blob. Bare text is upgraded to a search query.
func loadTrack(ctx context.Context, node, password, identifier string) (blob, title string, err error) {
	if !strings.Contains(identifier, "://") && !strings.HasPrefix(identifier, "ytsearch:") &&
		!strings.HasPrefix(identifier, "scsearch:") {
		identifier = "ytsearch:" + identifier
	}

	u := "http://" + node + "/loadtracks?identifier=" + url.QueryEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", password)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("loadtracks: %s: %s", resp.Status, body)
	}

	var res struct {
		LoadType string `json:"loadType"`
		Tracks   []struct {
			Track string         `json:"track"`
			Info  protocol.Track `json:"info"`
		} `json:"tracks"`
		Exception *protocol.Exception `json:"exception"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", "", err
	}
	if res.Exception != nil {
		return "", "", errors.New(res.Exception.Message)
	}
	if len(res.Tracks) == 0 {
		return "", "", fmt.Errorf("no results for %q", identifier)
	}
	return res.Tracks[0].Track, res.Tracks[0].Info.Title, nil
}

// cleanup destroys the player over a short-lived control connection so the
// node does not keep streaming into an abandoned channel.
func cleanup(node, password *string, botID, guildID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+*node+"/", &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {*password},
			"User-Id":       {botID},
		},
	})
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	raw, _ := json.Marshal(protocol.Inbound{Op: "destroy", GuildID: guildID})
	_ = ws.Write(ctx, websocket.MessageText, raw)
}
