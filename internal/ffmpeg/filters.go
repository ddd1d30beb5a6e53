// Package ffmpeg spawns and supervises the external ffmpeg process that
// turns an arbitrary source byte stream into 48 kHz stereo Opus frames, and
// assembles the -af filter graph from a client [protocol.FilterSpec].
//
// ffmpeg decodes whatever container the source delivers and emits raw s16le
// PCM; volume is applied inline on the PCM and the result is Opus-encoded in
// process. Keeping the encode on our side of the pipe is what makes live
// volume changes possible without re-arming the pipeline.
package ffmpeg

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cinderaudio/cinder/pkg/protocol"
)

// Chain is the ordered ffmpeg argument state owned by one queue: an optional
// seek offset, the -af filter graph, or a raw argument override. The zero
// value is an empty chain with no seek.
//
// Chain is not safe for concurrent use; the owning queue serialises access.
type Chain struct {
	// seekMS is the active -ss offset in milliseconds; negative means none.
	seekMS int64

	// graph holds the assembled -af entries, in spec order.
	graph []string

	// raw, when non-nil, replaces the assembled graph and any extra output
	// arguments verbatim (the ffmpeg op).
	raw []string

	// rate is the position-scaling factor derived from timescale.speed.
	rate float64
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{seekMS: -1, rate: 1.0}
}

// SetSeek records a -ss <ms>ms -accurate_seek offset. It replaces any
// previous seek.
func (c *Chain) SetSeek(ms int64) {
	if ms < 0 {
		ms = 0
	}
	c.seekMS = ms
}

// ClearSeek drops any active seek offset. Used when a fresh track replaces
// the current one; filters persist across tracks but seeks do not.
func (c *Chain) ClearSeek() {
	c.seekMS = -1
}

// Seek returns the active seek offset in milliseconds and whether one is set.
func (c *Chain) Seek() (int64, bool) {
	return c.seekMS, c.seekMS >= 0
}

// Rate returns the position-scaling factor (timescale speed; 1.0 without one).
func (c *Chain) Rate() float64 {
	return c.rate
}

// IsEmpty reports whether the chain carries neither a seek, a graph, nor raw
// arguments. An empty chain permits the demux passthrough path.
func (c *Chain) IsEmpty() bool {
	return c.seekMS < 0 && len(c.graph) == 0 && c.raw == nil
}

// SetRaw replaces the filter graph with a verbatim argument sequence.
// The active seek offset is preserved.
func (c *Chain) SetRaw(args []string) {
	c.raw = append([]string(nil), args...)
	c.graph = nil
	c.rate = 1.0
}

// Apply replaces the filter graph from spec, preserving any active seek.
// An empty spec clears all filtering.
func (c *Chain) Apply(spec *protocol.FilterSpec) {
	c.raw = nil
	c.graph = nil
	c.rate = 1.0
	if spec == nil {
		return
	}

	if spec.Volume != nil {
		c.graph = append(c.graph, fmt.Sprintf("volume=%s", trimFloat(*spec.Volume)))
	}

	if len(spec.Equalizer) > 0 {
		bands := make([]string, 0, len(spec.Equalizer))
		for _, b := range spec.Equalizer {
			if b.Band < 0 || b.Band > 14 || b.Gain <= 0 {
				// A non-positive gain has no defined log2; the band is muted
				// upstream anyway, so it is skipped here.
				continue
			}
			gain := int(math.Round(math.Log2(b.Gain) * 12))
			bands = append(bands, fmt.Sprintf("equalizer=width_type=h:gain=%d", gain))
		}
		c.graph = append(c.graph, bands...)
	}

	if ts := spec.Timescale; ts != nil {
		rate := valueOr(ts.Rate, 1.0)
		pitch := valueOr(ts.Pitch, 1.0)
		speed := valueOr(ts.Speed, 1.0)
		finalspeed := speed + (1.0 - pitch)
		c.graph = append(c.graph,
			"aresample=48000",
			fmt.Sprintf("asetrate=48000*%s", trimFloat(pitch+(1.0-rate))),
			fmt.Sprintf("atempo=%s", trimFloat(finalspeed)),
			"aresample=48000",
		)
		c.rate = speed
	}

	if t := spec.Tremolo; t != nil {
		c.graph = append(c.graph, fmt.Sprintf("tremolo=f=%s:d=%s", trimFloat(t.Frequency), trimFloat(t.Depth)))
	}
	if v := spec.Vibrato; v != nil {
		c.graph = append(c.graph, fmt.Sprintf("vibrato=f=%s:d=%s", trimFloat(v.Frequency), trimFloat(v.Depth)))
	}
	if r := spec.Rotation; r != nil {
		c.graph = append(c.graph, fmt.Sprintf("apulsator=hz=%s", trimFloat(r.RotationHz)))
	}
	if lp := spec.LowPass; lp != nil && lp.Smoothing > 0 {
		c.graph = append(c.graph, fmt.Sprintf("lowpass=f=%s", trimFloat(500/lp.Smoothing)))
	}
}

// Args assembles the full ffmpeg argv for this chain. The source stream is
// fed on stdin and PCM is read from stdout.
func (c *Chain) Args() []string {
	var args []string
	if c.seekMS >= 0 {
		args = append(args, "-ss", fmt.Sprintf("%dms", c.seekMS), "-accurate_seek")
	}
	args = append(args,
		"-i", "-",
		"-analyzeduration", "0",
		"-loglevel", "0",
		"-f", "s16le",
		"-ar", "48000",
		"-ac", "2",
	)
	switch {
	case c.raw != nil:
		args = append(args, c.raw...)
	case len(c.graph) > 0:
		args = append(args, "-af", strings.Join(c.graph, ","))
	}
	return append(args, "pipe:1")
}

// Graph returns the assembled -af entries, for logging and tests.
func (c *Chain) Graph() []string {
	return append([]string(nil), c.graph...)
}

// valueOr dereferences p or falls back to def.
func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// trimFloat formats f without trailing zeros (2 not 2.000000).
func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
