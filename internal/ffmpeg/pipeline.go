package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"sync/atomic"

	"layeh.com/gopus"

	"github.com/cinderaudio/cinder/internal/observe"
)

// The voice transport consumes 48 kHz stereo Opus at 20 ms frame size.
const (
	SampleRate  = 48000
	Channels    = 2
	FrameSizeMS = 20
	// FrameSamples is the number of samples per channel per 20 ms frame.
	FrameSamples = SampleRate * FrameSizeMS / 1000 // 960
	// FrameBytes is the s16le byte size of one full frame.
	FrameBytes = FrameSamples * Channels * 2 // 3840
)

// Volume is a live-adjustable multiplicative gain shared between a queue and
// its running pipeline. 1.0 is unity; the client scale of 0–1000 maps to
// 0.0–10.0. Safe for concurrent use.
type Volume struct {
	bits atomic.Uint64
}

// NewVolume returns a Volume initialised to v.
func NewVolume(v float64) *Volume {
	vol := &Volume{}
	vol.Set(v)
	return vol
}

// Set stores a new gain value, effective from the next frame.
func (v *Volume) Set(gain float64) {
	v.bits.Store(math.Float64bits(gain))
}

// Get returns the current gain.
func (v *Volume) Get() float64 {
	return math.Float64frombits(v.bits.Load())
}

// Pipeline runs one ffmpeg process, feeding the source stream to its stdin
// and turning its s16le stdout into volume-scaled Opus frames.
//
// ReadFrame is intended for a single consumer; Close may be called from any
// goroutine and is idempotent.
type Pipeline struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	src    io.ReadCloser
	stdout io.ReadCloser

	enc    *gopus.Encoder
	volume *Volume

	pcm  []byte
	pcm1 []int16

	closeOnce sync.Once
}

// NewPipeline spawns ffmpeg with the given argument list, usually a
// [Chain.Args] snapshot taken while the chain was locked. The source stream
// is copied to ffmpeg's stdin in a background goroutine; frames become
// available through ReadFrame as soon as ffmpeg produces output.
func NewPipeline(ctx context.Context, src io.ReadCloser, args []string, volume *Volume) (*Pipeline, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: create opus encoder: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}
	slog.Debug("ffmpeg spawned", "pid", cmd.Process.Pid, "args", args)
	observe.DefaultMetrics().FFmpegSpawns.Add(ctx, 1)

	go func() {
		// ffmpeg closing its stdin early (seek past end, container with
		// trailing junk) is normal; the copy error is informational only.
		if _, err := io.Copy(stdin, src); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			slog.Debug("ffmpeg stdin copy ended", "err", err)
		}
		stdin.Close()
	}()

	return &Pipeline{
		cmd:    cmd,
		cancel: cancel,
		src:    src,
		stdout: stdout,
		enc:    enc,
		volume: volume,
		pcm:    make([]byte, FrameBytes),
		pcm1:   make([]int16, FrameBytes/2),
	}, nil
}

// ReadFrame returns the next 20 ms Opus frame. The final partial frame is
// zero-padded. Returns io.EOF once ffmpeg's output is exhausted.
func (p *Pipeline) ReadFrame() ([]byte, error) {
	n, err := io.ReadFull(p.stdout, p.pcm)
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}
	for i := n; i < len(p.pcm); i++ {
		p.pcm[i] = 0
	}

	gain := 1.0
	if p.volume != nil {
		gain = p.volume.Get()
	}
	for i := range p.pcm1 {
		s := float64(int16(p.pcm[i*2])|int16(p.pcm[i*2+1])<<8) * gain
		switch {
		case s > math.MaxInt16:
			p.pcm1[i] = math.MaxInt16
		case s < math.MinInt16:
			p.pcm1[i] = math.MinInt16
		default:
			p.pcm1[i] = int16(s)
		}
	}

	frame, err := p.enc.Encode(p.pcm1, FrameSamples, FrameBytes)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: opus encode: %w", err)
	}
	return frame, nil
}

// Close terminates the ffmpeg process and the source stream. Safe to call
// multiple times and from any goroutine.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.src.Close()
		p.stdout.Close()
		// Reap the process; the error is expected after cancellation.
		go func() { _ = p.cmd.Wait() }()
	})
	return nil
}
