package protocol

import "encoding/json"

// Inbound op strings accepted on the client WebSocket.
const (
	OpPlay              = "play"
	OpStop              = "stop"
	OpPause             = "pause"
	OpDestroy           = "destroy"
	OpSeek              = "seek"
	OpVolume            = "volume"
	OpFilters           = "filters"
	OpFFmpeg            = "ffmpeg"
	OpVoiceUpdate       = "voiceUpdate"
	OpConfigureResuming = "configureResuming"
	OpDump              = "dump"
)

// Outbound op strings pushed to clients.
const (
	OpStats        = "stats"
	OpPlayerUpdate = "playerUpdate"
	OpEvent        = "event"
)

// Event type strings carried in [EventFrame].
const (
	EventTrackStart      = "TrackStartEvent"
	EventTrackEnd        = "TrackEndEvent"
	EventTrackException  = "TrackExceptionEvent"
	EventTrackStuck      = "TrackStuckEvent"
	EventWebSocketClosed = "WebSocketClosedEvent"
)

// Track end reasons carried in a TrackEndEvent.
const (
	EndReasonFinished = "FINISHED"
	EndReasonStopped  = "STOPPED"
	EndReasonReplaced = "REPLACED"
	EndReasonCleanup  = "CLEANUP"
)

// Exception severities carried in a TrackExceptionEvent.
const (
	SeverityCommon     = "COMMON"
	SeveritySuspicious = "SUSPICIOUS"
	SeverityFault      = "FAULT"
)

// Inbound is the union of all fields a client control frame may carry.
// Which fields are meaningful depends on Op.
type Inbound struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`

	// play
	Track     string      `json:"track,omitempty"`
	StartTime json.Number `json:"startTime,omitempty"`
	EndTime   json.Number `json:"endTime,omitempty"`
	NoReplace bool        `json:"noReplace,omitempty"`

	// play, volume
	Volume *float64 `json:"volume,omitempty"`

	// pause, play
	Pause *bool `json:"pause,omitempty"`

	// seek
	Position int64 `json:"position,omitempty"`

	// voiceUpdate
	SessionID string            `json:"sessionId,omitempty"`
	Event     *VoiceServerEvent `json:"event,omitempty"`

	// filters — parsed from the same frame body by [ParseFilters].
	Filters *FilterSpec `json:"-"`

	// ffmpeg
	Args []string `json:"args,omitempty"`

	// configureResuming
	Key     string `json:"key,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

// VoiceServerEvent mirrors the chat platform's VOICE_SERVER_UPDATE payload
// forwarded by clients inside a voiceUpdate frame.
type VoiceServerEvent struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

// FilterSpec is the recognised subset of the filters frame. Nil pointers mean
// the option was absent; an all-nil spec clears the filter chain.
type FilterSpec struct {
	Volume    *float64        `json:"volume,omitempty"`
	Equalizer []EqualizerBand `json:"equalizer,omitempty"`
	Timescale *Timescale      `json:"timescale,omitempty"`
	Tremolo   *Oscillation    `json:"tremolo,omitempty"`
	Vibrato   *Oscillation    `json:"vibrato,omitempty"`
	Rotation  *Rotation       `json:"rotation,omitempty"`
	LowPass   *LowPass        `json:"lowPass,omitempty"`
}

// EqualizerBand shapes one of the 15 equalizer bands (0–14).
type EqualizerBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

// Timescale adjusts playback rate, pitch and speed. Absent values default to 1.0.
type Timescale struct {
	Rate  *float64 `json:"rate,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
	Speed *float64 `json:"speed,omitempty"`
}

// Oscillation parameterises the tremolo and vibrato effects.
type Oscillation struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Rotation rotates the audio around the stereo field.
type Rotation struct {
	RotationHz float64 `json:"rotationHz"`
}

// LowPass suppresses frequencies above 500/Smoothing Hz.
type LowPass struct {
	Smoothing float64 `json:"smoothing"`
}

// ParseInbound decodes one client control frame. For the filters op the spec
// options live at the top level of the frame, so the body is decoded twice.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, err
	}
	if in.Op == OpFilters {
		spec := &FilterSpec{}
		if err := json.Unmarshal(data, spec); err != nil {
			return Inbound{}, err
		}
		in.Filters = spec
	}
	return in, nil
}

// PlayerState is the position snapshot inside a playerUpdate frame.
type PlayerState struct {
	// Time is the node's wall clock in Unix milliseconds.
	Time int64 `json:"time"`

	// Position is the playback offset in milliseconds.
	Position int64 `json:"position"`

	// Connected reports whether the voice transport is ready.
	Connected bool `json:"connected"`
}

// PlayerUpdateFrame is pushed every five seconds per unpaused player.
type PlayerUpdateFrame struct {
	Op      string      `json:"op"`
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// NewPlayerUpdate builds a playerUpdate frame for the given guild.
func NewPlayerUpdate(guildID string, state PlayerState) PlayerUpdateFrame {
	return PlayerUpdateFrame{Op: OpPlayerUpdate, GuildID: guildID, State: state}
}

// EventFrame is the envelope for all player events pushed to clients.
type EventFrame struct {
	Op      string `json:"op"`
	Type    string `json:"type"`
	GuildID string `json:"guildId"`

	// TrackStartEvent, TrackEndEvent, TrackExceptionEvent, TrackStuckEvent
	Track string `json:"track,omitempty"`

	// Reason carries the end reason for a TrackEndEvent and the close reason
	// string for a WebSocketClosedEvent.
	Reason string `json:"reason,omitempty"`

	// TrackExceptionEvent
	Error     string     `json:"error,omitempty"`
	Exception *Exception `json:"exception,omitempty"`

	// TrackStuckEvent
	ThresholdMS int64 `json:"thresholdMs,omitempty"`

	// WebSocketClosedEvent
	Code     int  `json:"code,omitempty"`
	ByRemote bool `json:"byRemote,omitempty"`
}

// Exception carries structured error details in a TrackExceptionEvent.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause,omitempty"`
}

// StatsFrame is the periodic server-wide statistics broadcast.
type StatsFrame struct {
	Op             string     `json:"op"`
	Players        int        `json:"players"`
	PlayingPlayers int        `json:"playingPlayers"`
	Uptime         int64      `json:"uptime"`
	Memory         MemStats   `json:"memory"`
	CPU            CPUStats   `json:"cpu"`
	FrameStats     FrameStats `json:"frameStats"`
}

// MemStats mirrors the upstream memory block (bytes).
type MemStats struct {
	Free       uint64 `json:"free"`
	Used       uint64 `json:"used"`
	Allocated  uint64 `json:"allocated"`
	Reservable uint64 `json:"reservable"`
}

// CPUStats mirrors the upstream cpu block.
type CPUStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats is reported as zeroes; the node does not track per-frame deficits.
type FrameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}
