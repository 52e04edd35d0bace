package grbl

// Realtime commands are single bytes the controller acts on immediately.
// They skip the serial RX buffer and are never acknowledged with "ok".
const (
	RealtimeStatus     byte = '?'
	RealtimeFeedHold   byte = '!'
	RealtimeCycleStart byte = '~'
	RealtimeSoftReset  byte = 0x18
)

// RealtimeByName maps the names used by the HTTP API to realtime bytes.
var RealtimeByName = map[string]byte{
	"status": RealtimeStatus,
	"hold":   RealtimeFeedHold,
	"resume": RealtimeCycleStart,
	"reset":  RealtimeSoftReset,
}
