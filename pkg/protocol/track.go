// Package protocol defines the wire types spoken between a Cinder node and
// its clients: the opaque base64 track descriptor blob, the JSON control
// frames exchanged over the client WebSocket, and the voice close-code
// tables. The blob layout is bit-compatible with the upstream Lavalink
// message format, so descriptors produced by other nodes and client
// libraries decode cleanly here and vice versa.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Track describes one addressable audio item. It is the decoded form of the
// opaque descriptor blob and is immutable once decoded.
type Track struct {
	// Source names the resolver that produced this track
	// ("youtube", "soundcloud", "local", "http").
	Source string `json:"sourceName"`

	// Identifier is the source-specific ID (video ID, API track ID, path).
	Identifier string `json:"identifier"`

	// URI is the canonical address of the track. Optional.
	URI string `json:"uri"`

	Title  string `json:"title"`
	Author string `json:"author"`

	// Length is the track duration in milliseconds. Streams report the
	// largest representable duration.
	Length int64 `json:"length"`

	// Position is the playback offset in milliseconds encoded into the blob.
	Position int64 `json:"position"`

	IsStream   bool `json:"isStream"`
	IsSeekable bool `json:"isSeekable"`
}

const (
	// trackInfoVersioned marks a blob whose body starts with a version byte.
	trackInfoVersioned = 1

	// trackInfoVersion is the descriptor body version this node writes.
	trackInfoVersion = 2

	// headerSizeMask extracts the body size from the 32-bit blob header;
	// the top two bits carry flags.
	headerSizeMask = 0x3FFFFFFF
)

var (
	// ErrTrackTooShort is returned when a blob ends before its declared size.
	ErrTrackTooShort = errors.New("protocol: track blob truncated")

	// ErrTrackVersion is returned for descriptor versions this node cannot read.
	ErrTrackVersion = errors.New("protocol: unsupported track version")
)

// EncodeTrack serialises t into the opaque base64 descriptor blob.
func EncodeTrack(t Track) (string, error) {
	var body bytes.Buffer
	body.WriteByte(trackInfoVersion)
	writeUTF(&body, t.Title)
	writeUTF(&body, t.Author)
	writeInt64(&body, t.Length)
	writeUTF(&body, t.Identifier)
	writeBool(&body, t.IsStream)
	writeBool(&body, t.URI != "")
	if t.URI != "" {
		writeUTF(&body, t.URI)
	}
	writeUTF(&body, t.Source)
	writeInt64(&body, t.Position)

	var out bytes.Buffer
	header := uint32(body.Len()) | uint32(trackInfoVersioned)<<30
	if err := binary.Write(&out, binary.BigEndian, header); err != nil {
		return "", fmt.Errorf("protocol: encode track header: %w", err)
	}
	out.Write(body.Bytes())
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

// DecodeTrack parses an opaque base64 descriptor blob back into a [Track].
func DecodeTrack(blob string) (Track, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Track{}, fmt.Errorf("protocol: decode track base64: %w", err)
	}
	r := bytes.NewReader(raw)

	var header uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return Track{}, ErrTrackTooShort
	}
	flags := header >> 30
	if int(header&headerSizeMask) > r.Len() {
		return Track{}, ErrTrackTooShort
	}

	version := byte(1)
	if flags&trackInfoVersioned != 0 {
		version, err = r.ReadByte()
		if err != nil {
			return Track{}, ErrTrackTooShort
		}
	}
	if version > trackInfoVersion {
		return Track{}, fmt.Errorf("%w: %d", ErrTrackVersion, version)
	}

	var t Track
	if t.Title, err = readUTF(r); err != nil {
		return Track{}, err
	}
	if t.Author, err = readUTF(r); err != nil {
		return Track{}, err
	}
	if t.Length, err = readInt64(r); err != nil {
		return Track{}, err
	}
	if t.Identifier, err = readUTF(r); err != nil {
		return Track{}, err
	}
	if t.IsStream, err = readBool(r); err != nil {
		return Track{}, err
	}
	// URI was introduced with version 2 and is written behind a presence flag.
	if version >= 2 {
		hasURI, err := readBool(r)
		if err != nil {
			return Track{}, err
		}
		if hasURI {
			if t.URI, err = readUTF(r); err != nil {
				return Track{}, err
			}
		}
	}
	if t.Source, err = readUTF(r); err != nil {
		return Track{}, err
	}
	if t.Position, err = readInt64(r); err != nil {
		return Track{}, err
	}
	t.IsSeekable = !t.IsStream
	return t, nil
}

// writeUTF writes s with a big-endian uint16 length prefix, the layout Java's
// DataOutput.writeUTF produces for strings without surrogate pairs.
func writeUTF(w *bytes.Buffer, s string) {
	b := []byte(s)
	if len(b) > 0xFFFF {
		b = b[:0xFFFF]
	}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	w.Write(l[:])
	w.Write(b)
}

func readUTF(r *bytes.Reader) (string, error) {
	var l uint16
	if err := binary.Read(r, binary.BigEndian, &l); err != nil {
		return "", ErrTrackTooShort
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrTrackTooShort
	}
	return string(b), nil
}

func writeInt64(w *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var v int64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, ErrTrackTooShort
	}
	return v, nil
}

func writeBool(w *bytes.Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, ErrTrackTooShort
	}
	return b != 0, nil
}
