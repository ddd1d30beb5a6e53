package protocol

// voiceCloseReasons maps the platform's documented voice gateway close codes
// to their fixed reason strings. Unknown codes pass through with an empty
// reason.
var voiceCloseReasons = map[int]string{
	4001: "Invalid opcode.",
	4002: "Failed to decode payload.",
	4003: "Not authenticated.",
	4004: "Authentication failed.",
	4005: "Already authenticated.",
	4006: "Session is no longer valid.",
	4009: "Session timed out.",
	4011: "Server not found.",
	4012: "Unknown protocol.",
	4014: "Disconnected.",
	4015: "Voice server crashed.",
	4016: "Unknown encryption mode.",
}

// VoiceCloseReason returns the fixed reason string for a known voice close
// code and ok=false for codes without one.
func VoiceCloseReason(code int) (reason string, ok bool) {
	reason, ok = voiceCloseReasons[code]
	return reason, ok
}
