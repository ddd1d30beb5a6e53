package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/cinderaudio/cinder/internal/resilience"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

// searchLimit caps the number of results returned for a search identifier.
const searchLimit = 5

// YouTube resolves and streams video-platform tracks through the yt-dlp
// helper binary. Keeping extraction in the external tool means the node
// survives the platform's player changes without a rebuild, the same
// trade-off the upstream node makes with its extractor library.
type YouTube struct {
	binary  string
	breaker *resilience.Breaker
}

// NewYouTube returns a resolver using the yt-dlp binary from PATH.
func NewYouTube() *YouTube {
	return &YouTube{
		binary:  "yt-dlp",
		breaker: resilience.NewBreaker("youtube"),
	}
}

// ytMetadata is the subset of yt-dlp's JSON dump the node consumes.
type ytMetadata struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Uploader   string       `json:"uploader"`
	Channel    string       `json:"channel"`
	Duration   float64      `json:"duration"`
	WebpageURL string       `json:"webpage_url"`
	IsLive     bool         `json:"is_live"`
	Entries    []ytMetadata `json:"entries"`
}

func (m ytMetadata) track() protocol.Track {
	author := m.Uploader
	if author == "" {
		author = m.Channel
	}
	length := int64(m.Duration * 1000)
	if m.IsLive || length <= 0 {
		length = streamLength
	}
	uri := m.WebpageURL
	if uri == "" {
		uri = "https://www.youtube.com/watch?v=" + m.ID
	}
	return protocol.Track{
		Source:     "youtube",
		Identifier: m.ID,
		URI:        uri,
		Title:      m.Title,
		Author:     author,
		Length:     length,
		IsStream:   m.IsLive,
		IsSeekable: !m.IsLive,
	}
}

// Search runs a video-platform search and returns up to [searchLimit] tracks.
func (y *YouTube) Search(ctx context.Context, query string) ([]protocol.Track, error) {
	meta, err := y.dump(ctx, fmt.Sprintf("ytsearch%d:%s", searchLimit, query))
	if err != nil {
		return nil, err
	}
	tracks := make([]protocol.Track, 0, len(meta.Entries))
	for _, e := range meta.Entries {
		tracks = append(tracks, e.track())
	}
	return tracks, nil
}

// Resolve loads the metadata for a single video URL.
func (y *YouTube) Resolve(ctx context.Context, uri string) (protocol.Track, error) {
	meta, err := y.dump(ctx, uri)
	if err != nil {
		return protocol.Track{}, err
	}
	if meta.ID == "" {
		return protocol.Track{}, ErrNoMatches
	}
	return meta.track(), nil
}

// dump runs yt-dlp -J and decodes the metadata JSON. Repeated extractor
// failures trip the breaker so /loadtracks fails fast while the platform
// blocks the helper.
func (y *YouTube) dump(ctx context.Context, identifier string) (ytMetadata, error) {
	var meta ytMetadata
	err := y.breaker.Do(func() error {
		cmd := exec.CommandContext(ctx, y.binary,
			"-J",
			"--no-playlist",
			"--flat-playlist",
			identifier,
		)
		out, err := cmd.Output()
		if err != nil {
			return fmt.Errorf("source: yt-dlp metadata for %q: %w", identifier, err)
		}
		if err := json.Unmarshal(out, &meta); err != nil {
			return fmt.Errorf("source: decode yt-dlp output: %w", err)
		}
		return nil
	})
	if err != nil {
		return ytMetadata{}, err
	}
	return meta, nil
}

// Stream starts yt-dlp writing the best audio stream to stdout and returns
// it as a ReadCloser; Close terminates the helper process.
func (y *YouTube) Stream(ctx context.Context, uri string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, y.binary,
		"--quiet",
		"--no-playlist",
		"-f", "bestaudio/best",
		"-o", "-",
		uri,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("source: yt-dlp stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("source: start yt-dlp: %w", err)
	}
	return &processStream{r: stdout, cancel: cancel, cmd: cmd}, nil
}

// processStream is a ReadCloser over a helper process's stdout that reaps
// the process on Close.
type processStream struct {
	r      io.ReadCloser
	cancel context.CancelFunc
	cmd    *exec.Cmd

	closeOnce sync.Once
}

func (s *processStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *processStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.r.Close()
		go func() { _ = s.cmd.Wait() }()
	})
	return nil
}
