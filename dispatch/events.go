package dispatch

import (
	"time"

	"github.com/mastercactapus/grbllink/event"
	"github.com/mastercactapus/grbllink/grbl"
)

const (
	EventCommandQueued   event.Type = "commandQueued"
	EventCommandSent     event.Type = "commandSent"
	EventCommandResponse event.Type = "commandResponse"
	EventCommandError    event.Type = "commandError"
	EventUnsolicitedData event.Type = "unsolicitedData"
	EventAlarm           event.Type = "alarm"
	EventConnect         event.Type = "connect"
	EventDisconnect      event.Type = "disconnect"
	EventTransportError  event.Type = "transportError"
	EventControllerReset event.Type = "controllerReset"
)

// CommandEvent is the payload of command lifecycle events.
type CommandEvent struct {
	Payload  string         `json:"payload"`
	Response *grbl.Response `json:"response,omitempty"`
	Latency  time.Duration  `json:"latency,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
}

// ClearEvent is the payload of disconnect and controllerReset events.
type ClearEvent struct {
	Pending int    `json:"pending"`
	Queued  int    `json:"queued"`
	Error   string `json:"error,omitempty"`
}

func commandError(cmd *Command, err error) CommandEvent {
	return CommandEvent{Payload: cmd.Payload, Error: err.Error(), Code: Code(err)}
}
