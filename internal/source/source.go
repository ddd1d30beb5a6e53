// Package source resolves track identifiers against the configured audio
// sources and opens their byte streams. The load heuristics mirror upstream:
// absolute paths are local files, soundcloud hosts go to the audio-share
// resolver, other URLs are generic HTTP, and bare text becomes a search.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cinderaudio/cinder/internal/config"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

// Load types returned to /loadtracks callers.
const (
	LoadTrack    = "TRACK_LOADED"
	LoadPlaylist = "PLAYLIST_LOADED"
	LoadSearch   = "SEARCH_RESULT"
	LoadNone     = "NO_MATCHES"
	LoadFailed   = "LOAD_FAILED"
)

// Disabled-source errors carry the upstream error codes verbatim so clients
// match on the strings they already know.
var (
	ErrYoutubeDisabled    = errors.New("YOUTUBE_NOT_ENABLED")
	ErrSoundcloudDisabled = errors.New("SOUNDCLOUD_NOT_ENABLED")
	ErrLocalDisabled      = errors.New("LOCAL_NOT_ENABLED")
	ErrHTTPDisabled       = errors.New("HTTP_NOT_ENABLED")
)

// ErrNoMatches is returned when a resolver finds nothing for an identifier.
var ErrNoMatches = errors.New("source: no matches")

// identifierPattern splits the optional search prefixes off a /loadtracks
// identifier.
var identifierPattern = regexp.MustCompile(`^(ytsearch:)?(scsearch:)?(.+)$`)

// Result is the outcome of a load request.
type Result struct {
	LoadType     string
	PlaylistInfo PlaylistInfo
	Tracks       []protocol.Track

	// Err carries the failure behind a LOAD_FAILED result.
	Err error
}

// PlaylistInfo describes the playlist a load came from; zero for single tracks.
type PlaylistInfo struct {
	Name          string `json:"name,omitempty"`
	SelectedTrack int    `json:"selectedTrack,omitempty"`
}

// Manager dispatches identifiers and track descriptors to the enabled
// sources. Safe for concurrent use.
type Manager struct {
	cfg        config.NodeConfig
	youtube    *YouTube
	soundcloud *SoundCloud
	client     *http.Client
}

// NewManager builds a Manager for the configured sources.
func NewManager(cfg config.NodeConfig) *Manager {
	client := &http.Client{Timeout: 30 * time.Second}
	return &Manager{
		cfg:        cfg,
		youtube:    NewYouTube(),
		soundcloud: NewSoundCloud(client),
		client:     client,
	}
}

// Load resolves an identifier for /loadtracks.
func (m *Manager) Load(ctx context.Context, identifier string) Result {
	groups := identifierPattern.FindStringSubmatch(identifier)
	if groups == nil {
		return Result{LoadType: LoadNone}
	}
	ytSearch, scSearch, rest := groups[1] != "", groups[2] != "", groups[3]

	switch {
	case ytSearch:
		return m.search(ctx, rest, true)
	case scSearch:
		return m.search(ctx, rest, false)
	case strings.HasPrefix(rest, "/"):
		return m.loadLocal(rest)
	}

	if u, err := url.Parse(rest); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		host := strings.ToLower(u.Host)
		switch {
		case strings.Contains(host, "soundcloud"):
			return m.loadSoundcloud(ctx, rest)
		case strings.Contains(host, "youtube") || strings.Contains(host, "youtu.be"):
			return m.loadYoutube(ctx, rest)
		default:
			return m.loadHTTP(ctx, rest)
		}
	}

	// Bare text: search on the video platform, falling back to the
	// audio-share site when video search is disabled.
	return m.search(ctx, rest, m.cfg.YoutubeSearchEnabled && m.cfg.Sources.Youtube)
}

func (m *Manager) search(ctx context.Context, query string, youtube bool) Result {
	if youtube {
		if !m.cfg.Sources.Youtube || !m.cfg.YoutubeSearchEnabled {
			return failed(ErrYoutubeDisabled)
		}
		tracks, err := m.youtube.Search(ctx, query)
		return searchResult(tracks, err)
	}
	if !m.cfg.Sources.Soundcloud || !m.cfg.SoundcloudSearchEnabled {
		return failed(ErrSoundcloudDisabled)
	}
	tracks, err := m.soundcloud.Search(ctx, query)
	return searchResult(tracks, err)
}

func searchResult(tracks []protocol.Track, err error) Result {
	if err != nil {
		return failed(err)
	}
	if len(tracks) == 0 {
		return Result{LoadType: LoadNone}
	}
	return Result{LoadType: LoadSearch, Tracks: tracks}
}

func (m *Manager) loadYoutube(ctx context.Context, uri string) Result {
	if !m.cfg.Sources.Youtube {
		return failed(ErrYoutubeDisabled)
	}
	track, err := m.youtube.Resolve(ctx, uri)
	if errors.Is(err, ErrNoMatches) {
		return Result{LoadType: LoadNone}
	}
	if err != nil {
		return failed(err)
	}
	return Result{LoadType: LoadTrack, Tracks: []protocol.Track{track}}
}

func (m *Manager) loadSoundcloud(ctx context.Context, uri string) Result {
	if !m.cfg.Sources.Soundcloud {
		return failed(ErrSoundcloudDisabled)
	}
	track, err := m.soundcloud.Resolve(ctx, uri)
	if errors.Is(err, ErrNoMatches) {
		return Result{LoadType: LoadNone}
	}
	if err != nil {
		return failed(err)
	}
	return Result{LoadType: LoadTrack, Tracks: []protocol.Track{track}}
}

func (m *Manager) loadLocal(path string) Result {
	if !m.cfg.Sources.Local {
		return failed(ErrLocalDisabled)
	}
	track, err := localTrack(path)
	if err != nil {
		return Result{LoadType: LoadNone}
	}
	return Result{LoadType: LoadTrack, Tracks: []protocol.Track{track}}
}

func (m *Manager) loadHTTP(ctx context.Context, uri string) Result {
	if !m.cfg.Sources.HTTP {
		return failed(ErrHTTPDisabled)
	}
	track, err := m.probeHTTP(ctx, uri)
	if err != nil {
		return failed(err)
	}
	return Result{LoadType: LoadTrack, Tracks: []protocol.Track{track}}
}

func failed(err error) Result {
	return Result{LoadType: LoadFailed, Err: err}
}

// Open fetches the audio byte stream for a decoded track descriptor.
func (m *Manager) Open(ctx context.Context, t protocol.Track) (io.ReadCloser, error) {
	switch t.Source {
	case "youtube":
		if !m.cfg.Sources.Youtube {
			return nil, ErrYoutubeDisabled
		}
		return m.youtube.Stream(ctx, t.URI)
	case "soundcloud":
		if !m.cfg.Sources.Soundcloud {
			return nil, ErrSoundcloudDisabled
		}
		return m.soundcloud.Stream(ctx, t)
	case "local":
		if !m.cfg.Sources.Local {
			return nil, ErrLocalDisabled
		}
		return openLocal(t.URI)
	case "http":
		if !m.cfg.Sources.HTTP {
			return nil, ErrHTTPDisabled
		}
		return m.openHTTP(ctx, t.URI)
	default:
		return nil, fmt.Errorf("source: unknown source %q", t.Source)
	}
}
