package ffmpeg

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/diamondburned/oggreader"
)

// oggMagic is the capture pattern opening every Ogg page.
var oggMagic = []byte("OggS")

// ProbeOgg peeks at the head of src to decide whether it is an Ogg-Opus
// stream that can be fed to the voice transport without transcoding. When it
// is, an [OggSource] consuming src is returned. Otherwise the stream is
// handed back (with the peeked bytes intact) for the ffmpeg path.
func ProbeOgg(src io.ReadCloser) (*OggSource, io.ReadCloser, error) {
	br := bufio.NewReader(src)
	head, err := br.Peek(len(oggMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		src.Close()
		return nil, nil, err
	}
	wrapped := readCloser{Reader: br, Closer: src}
	if !bytes.Equal(head, oggMagic) {
		return nil, wrapped, nil
	}
	return newOggSource(wrapped), nil, nil
}

// readCloser rejoins a buffered reader with the original stream's closer.
type readCloser struct {
	io.Reader
	io.Closer
}

// OggSource demuxes Opus packets out of an Ogg container and serves them one
// frame at a time. Demuxing runs in a background goroutine; ReadFrame blocks
// until a packet is available.
type OggSource struct {
	src    io.ReadCloser
	frames chan []byte

	mu      sync.Mutex
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

func newOggSource(src io.ReadCloser) *OggSource {
	s := &OggSource{
		src:    src,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go s.demux()
	return s
}

// demux runs the ogg packet decoder, pushing each Opus packet into the frame
// channel. The decoder paces packets against their granule positions, which
// combined with the small channel buffer keeps memory bounded when the
// transport stalls.
func (s *OggSource) demux() {
	err := oggreader.DecodeBuffered(writerFunc(func(pkt []byte) (int, error) {
		frame := make([]byte, len(pkt))
		copy(frame, pkt)
		select {
		case s.frames <- frame:
			return len(pkt), nil
		case <-s.done:
			return 0, io.ErrClosedPipe
		}
	}), s.src)

	s.mu.Lock()
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.readErr = err
	}
	s.mu.Unlock()
	close(s.frames)
}

// ReadFrame returns the next Opus packet, io.EOF at end of stream, or the
// demux error that terminated the stream.
func (s *OggSource) ReadFrame() ([]byte, error) {
	frame, ok := <-s.frames
	if !ok {
		s.mu.Lock()
		err := s.readErr
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return frame, nil
}

// Close stops the demuxer and closes the underlying stream. Idempotent.
func (s *OggSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.src.Close()
	})
	return nil
}

// writerFunc adapts a function to io.Writer; the decoder calls Write once
// per demuxed packet.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
