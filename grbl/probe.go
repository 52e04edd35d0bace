package grbl

import (
	"errors"
	"strings"
)

// Probe is the result of a G38.x probing cycle, pushed as [PRB:x,y,z:1].
type Probe struct {
	Position
	Valid bool `json:"valid"`
}

// IsProbe reports whether line is a probe result.
func IsProbe(line string) bool { return strings.HasPrefix(line, "[PRB:") }

func ParseProbe(data string) (*Probe, error) {
	data = strings.TrimSpace(data)
	if !IsProbe(data) || !strings.HasSuffix(data, "]") {
		return nil, errors.New("not a probe result: " + data)
	}
	parts := strings.Split(strings.TrimSuffix(data[1:], "]"), ":")
	if len(parts) != 3 {
		return nil, errors.New("malformed probe result: " + data)
	}

	var res Probe
	var err error
	res.Valid = parts[2] == "1"
	res.Position, err = parseCoords(parts[1])
	if err != nil {
		return nil, err
	}
	return &res, nil
}
