package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// openHLS downloads an HLS playlist and streams its segments back to back as
// one continuous byte stream. SoundCloud's HLS playlists are static (no live
// reloads), so a single pass over the segment list is enough.
func (s *SoundCloud) openHLS(ctx context.Context, playlistURL string) (io.ReadCloser, error) {
	segments, err := s.fetchPlaylist(ctx, playlistURL)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("source: hls playlist %q has no segments", playlistURL)
	}

	pr, pw := io.Pipe()
	go func() {
		for _, seg := range segments {
			if err := s.copySegment(ctx, pw, seg); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	return pr, nil
}

// fetchPlaylist parses the m3u8 into absolute segment URLs. Tag lines are
// skipped; relative segment paths resolve against the playlist URL.
func (s *SoundCloud) fetchPlaylist(ctx context.Context, playlistURL string) ([]string, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse hls playlist url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch hls playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("source: hls playlist status %d", resp.StatusCode)
	}

	var segments []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("source: bad hls segment %q: %w", line, err)
		}
		segments = append(segments, base.ResolveReference(ref).String())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("source: read hls playlist: %w", err)
	}
	return segments, nil
}

func (s *SoundCloud) copySegment(ctx context.Context, w io.Writer, uri string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("source: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("source: fetch hls segment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("source: hls segment status %d", resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("source: stream hls segment: %w", err)
	}
	return nil
}
