package grbl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ResponseType is the classification of a single line read from the controller.
type ResponseType string

const (
	TypeOK      ResponseType = "ok"
	TypeError   ResponseType = "error"
	TypeAlarm   ResponseType = "alarm"
	TypeStatus  ResponseType = "status"
	TypeSetting ResponseType = "setting"
	TypeInfo    ResponseType = "info"
)

// A Response is one classified inbound line.
type Response struct {
	Type ResponseType `json:"type"`

	// Code is set for error and alarm lines.
	Code int    `json:"code,omitempty"`
	Raw  string `json:"raw"`
}

// IsAck reports whether the line acknowledges a previously sent command.
func (r Response) IsAck() bool { return r.Type == TypeOK || r.Type == TypeError }

// IsWelcome reports whether the line is the startup banner Grbl prints
// after a reset.
func (r Response) IsWelcome() bool {
	return r.Type == TypeInfo && strings.HasPrefix(r.Raw, "Grbl ")
}

// Err returns a *ReplyError for error and alarm responses, nil otherwise.
func (r Response) Err() error {
	switch r.Type {
	case TypeError, TypeAlarm:
		return &ReplyError{Alarm: r.Type == TypeAlarm, Code: r.Code}
	}
	return nil
}

// ReplyError is a failure reported by the controller itself.
type ReplyError struct {
	Alarm bool
	Code  int
}

func (e *ReplyError) Error() string {
	if e.Alarm {
		return fmt.Sprintf("ALARM:%d %s", e.Code, AlarmDescription(e.Code))
	}
	return fmt.Sprintf("error:%d %s", e.Code, ErrorDescription(e.Code))
}

// ErrMalformed is returned by ParseResponse when a line carries a known
// prefix but an unreadable body.
var ErrMalformed = errors.New("malformed response")

// ParseResponse classifies a single line (without the trailing newline).
//
// On error the returned Response is still usable and has TypeInfo.
func ParseResponse(line string) (Response, error) {
	line = strings.TrimSpace(line)
	resp := Response{Type: TypeInfo, Raw: line}

	switch {
	case line == "ok":
		resp.Type = TypeOK
	case strings.HasPrefix(line, "error:"):
		code, err := strconv.Atoi(strings.TrimSpace(line[len("error:"):]))
		if err != nil {
			return resp, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		resp.Type = TypeError
		resp.Code = code
	case strings.HasPrefix(line, "ALARM:"):
		code, err := strconv.Atoi(strings.TrimSpace(line[len("ALARM:"):]))
		if err != nil {
			return resp, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		resp.Type = TypeAlarm
		resp.Code = code
	case strings.HasPrefix(line, "<"):
		resp.Type = TypeStatus
	case strings.HasPrefix(line, "["):
		resp.Type = TypeSetting
	}

	return resp, nil
}
