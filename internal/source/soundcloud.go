package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cinderaudio/cinder/internal/resilience"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

const (
	apiBase = "https://api-v2.soundcloud.com"

	// keyFile caches the scraped API key; the only state the node persists.
	keyFile = "soundcloud.txt"

	// keyMaxAge forces a re-scrape of the API key once the cached copy is a
	// week old.
	keyMaxAge = 7 * 24 * time.Hour

	// opusPrefix marks identifiers that carry a transcoding URL rather than
	// a numeric track ID.
	opusPrefix = "O:"
)

// clientIDPattern extracts the API key from the site's script bundles.
var clientIDPattern = regexp.MustCompile(`client_id:"([a-zA-Z0-9]{32})"`)

// scriptPattern finds crossorigin script bundles on the landing page.
var scriptPattern = regexp.MustCompile(`<script[^>]+src="(https://[^"]+\.js)"`)

// SoundCloud resolves and streams audio-share tracks through the site's v2
// API. The API key is scraped from the public web player and cached on disk.
type SoundCloud struct {
	client  *http.Client
	keyPath string
	breaker *resilience.Breaker

	keyMu sync.Mutex
	key   string
}

// NewSoundCloud returns a resolver caching its API key in ./soundcloud.txt.
func NewSoundCloud(client *http.Client) *SoundCloud {
	return &SoundCloud{
		client:  client,
		keyPath: keyFile,
		breaker: resilience.NewBreaker("soundcloud"),
	}
}

// scTrack is the subset of the v2 API track object the node consumes.
type scTrack struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Duration     int64  `json:"duration"`
	PermalinkURL string `json:"permalink_url"`
	User         struct {
		Username string `json:"username"`
	} `json:"user"`
	Media struct {
		Transcodings []scTranscoding `json:"transcodings"`
	} `json:"media"`
}

type scTranscoding struct {
	URL    string `json:"url"`
	Format struct {
		Protocol string `json:"protocol"`
	} `json:"format"`
}

func (t scTrack) track() protocol.Track {
	identifier := fmt.Sprintf("%d", t.ID)
	// Prefer a direct transcoding URL so playback skips a resolve round trip.
	for _, tc := range t.Media.Transcodings {
		if tc.Format.Protocol == "progressive" {
			identifier = opusPrefix + tc.URL
			break
		}
	}
	if !strings.HasPrefix(identifier, opusPrefix) {
		for _, tc := range t.Media.Transcodings {
			if tc.Format.Protocol == "hls" {
				identifier = opusPrefix + tc.URL
				break
			}
		}
	}
	return protocol.Track{
		Source:     "soundcloud",
		Identifier: identifier,
		URI:        t.PermalinkURL,
		Title:      t.Title,
		Author:     t.User.Username,
		Length:     t.Duration,
		IsSeekable: true,
	}
}

// Search queries the v2 search API and returns up to [searchLimit] tracks.
func (s *SoundCloud) Search(ctx context.Context, query string) ([]protocol.Track, error) {
	var body struct {
		Collection []scTrack `json:"collection"`
	}
	params := url.Values{"q": {query}, "limit": {fmt.Sprint(searchLimit)}}
	if err := s.apiGet(ctx, "/search/tracks", params, &body); err != nil {
		return nil, err
	}
	tracks := make([]protocol.Track, 0, len(body.Collection))
	for _, t := range body.Collection {
		tracks = append(tracks, t.track())
	}
	return tracks, nil
}

// Resolve loads the metadata for a track page URL.
func (s *SoundCloud) Resolve(ctx context.Context, uri string) (protocol.Track, error) {
	var t scTrack
	if err := s.apiGet(ctx, "/resolve", url.Values{"url": {uri}}, &t); err != nil {
		return protocol.Track{}, err
	}
	if t.ID == 0 {
		return protocol.Track{}, ErrNoMatches
	}
	return t.track(), nil
}

// Stream opens the audio byte stream for a descriptor produced by this
// resolver. Identifiers carry an O:-prefixed transcoding URL; the API
// exchanges it for a CDN URL whose /hls suffix selects segment download over
// a progressive fetch.
func (s *SoundCloud) Stream(ctx context.Context, t protocol.Track) (io.ReadCloser, error) {
	transcoding := strings.TrimPrefix(t.Identifier, opusPrefix)
	if transcoding == t.Identifier {
		return nil, fmt.Errorf("source: soundcloud identifier %q has no stream URL", t.Identifier)
	}

	key, err := s.apiKey(ctx)
	if err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(transcoding, "?") {
		sep = "&"
	}
	var cdn struct {
		URL string `json:"url"`
	}
	if err := s.getJSON(ctx, transcoding+sep+"client_id="+key, &cdn); err != nil {
		return nil, err
	}
	if cdn.URL == "" {
		return nil, fmt.Errorf("source: soundcloud returned no stream URL for %q", t.Identifier)
	}

	if strings.HasSuffix(transcoding, "/hls") || strings.Contains(transcoding, "/hls?") {
		return s.openHLS(ctx, cdn.URL)
	}
	return s.openProgressive(ctx, cdn.URL)
}

func (s *SoundCloud) openProgressive(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch soundcloud stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("source: soundcloud stream status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// apiGet performs a v2 API request with the client_id appended. The breaker
// only counts transport and server errors; a 404 is an answer, not an outage.
func (s *SoundCloud) apiGet(ctx context.Context, path string, params url.Values, out any) error {
	key, err := s.apiKey(ctx)
	if err != nil {
		return err
	}
	params.Set("client_id", key)
	uri := apiBase + path + "?" + params.Encode()

	var lookupErr error
	if err := s.breaker.Do(func() error {
		lookupErr = s.getJSON(ctx, uri, out)
		if errors.Is(lookupErr, ErrNoMatches) {
			return nil
		}
		return lookupErr
	}); errors.Is(err, resilience.ErrUnavailable) {
		return err
	}
	return lookupErr
}

func (s *SoundCloud) getJSON(ctx context.Context, uri string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("source: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("source: soundcloud api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNoMatches
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("source: soundcloud api status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("source: decode soundcloud response: %w", err)
	}
	return nil
}

// apiKey returns the cached API key, refreshing it from disk or by scraping
// when missing or older than [keyMaxAge].
func (s *SoundCloud) apiKey(ctx context.Context) (string, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if s.key != "" {
		return s.key, nil
	}

	if info, err := os.Stat(s.keyPath); err == nil && time.Since(info.ModTime()) < keyMaxAge {
		if raw, err := os.ReadFile(s.keyPath); err == nil {
			if key := strings.TrimSpace(string(raw)); key != "" {
				s.key = key
				return key, nil
			}
		}
	}

	key, err := s.scrapeKey(ctx)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(s.keyPath, []byte(key+"\n")); err != nil {
		return "", fmt.Errorf("source: cache soundcloud key: %w", err)
	}
	s.key = key
	return key, nil
}

// scrapeKey pulls the web player's script bundles and extracts the client_id.
func (s *SoundCloud) scrapeKey(ctx context.Context) (string, error) {
	page, err := s.getText(ctx, "https://soundcloud.com/")
	if err != nil {
		return "", err
	}
	for _, m := range scriptPattern.FindAllStringSubmatch(page, -1) {
		script, err := s.getText(ctx, m[1])
		if err != nil {
			continue
		}
		if id := clientIDPattern.FindStringSubmatch(script); id != nil {
			return id[1], nil
		}
	}
	return "", fmt.Errorf("source: no soundcloud client_id found in page scripts")
}

func (s *SoundCloud) getText(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("source: fetch %q: %w", uri, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// writeFileAtomic truncate-writes via a temp file and rename so concurrent
// readers never observe a partial key.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".soundcloud-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
