package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cinderaudio/cinder/pkg/protocol"
)

// streamLength marks a track with no known duration (live streams, local
// files without probed metadata).
const streamLength = math.MaxInt64

// localTrack builds a descriptor for a file on the node's filesystem. The
// duration is unknown until ffmpeg decodes it, so the descriptor carries the
// stream sentinel while staying seekable.
func localTrack(path string) (protocol.Track, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.Track{}, fmt.Errorf("source: stat %q: %w", path, err)
	}
	if info.IsDir() {
		return protocol.Track{}, fmt.Errorf("source: %q is a directory", path)
	}
	return protocol.Track{
		Source:     "local",
		Identifier: path,
		URI:        path,
		Title:      filepath.Base(path),
		Author:     "unknown",
		Length:     streamLength,
		IsSeekable: true,
	}, nil
}

func openLocal(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %q: %w", path, err)
	}
	return f, nil
}

// probeHTTP issues a HEAD-equivalent GET to confirm the URL answers, then
// builds a descriptor. Content-Type is not inspected; ffmpeg autodetects the
// container when the stream is armed.
func (m *Manager) probeHTTP(ctx context.Context, uri string) (protocol.Track, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return protocol.Track{}, fmt.Errorf("source: build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return protocol.Track{}, fmt.Errorf("source: probe %q: %w", uri, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return protocol.Track{}, fmt.Errorf("source: probe %q: status %d", uri, resp.StatusCode)
	}
	return protocol.Track{
		Source:     "http",
		Identifier: uri,
		URI:        uri,
		Title:      "Unknown title",
		Author:     "Unknown artist",
		Length:     streamLength,
		IsStream:   true,
	}, nil
}

func (m *Manager) openHTTP(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch %q: %w", uri, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("source: fetch %q: status %d", uri, resp.StatusCode)
	}
	return resp.Body, nil
}
