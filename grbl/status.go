package grbl

import (
	"errors"
	"strconv"
	"strings"
)

// Position is a machine or work coordinate triple.
type Position struct{ X, Y, Z float64 }

// Sub returns p - o.
func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

// Add returns p + o.
func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// State is the machine state carried by a `<...>` status report.
//
// Grbl only sends WCO every few reports, so reports are folded into the
// previous State rather than replacing it.
type State struct {
	Status  string   `json:"status"`
	MPos    Position `json:"mpos"`
	WPos    Position `json:"wpos"`
	WCO     Position `json:"wco"`
	Feed    float64  `json:"feed"`
	Spindle float64  `json:"spindle"`

	// Probe is the most recent probe result, if any.
	Probe *Probe `json:"probe,omitempty"`
}

func parseCoords(data string) (p Position, err error) {
	parts := strings.Split(data, ",")
	if len(parts) < 3 {
		return p, errors.New("invalid number of elements")
	}
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, err
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, err
	}
	p.Z, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return p, err
	}
	return p, nil
}

// ParseStatus folds a status report line into prev and returns the result.
func ParseStatus(prev State, data string) (*State, error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "<") || !strings.HasSuffix(data, ">") {
		return nil, errors.New("not a status report: " + data)
	}
	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")
	parts := strings.Split(data, "|")
	stat := prev
	stat.Status = parts[0]

	var hasM, hasW bool
	var err error
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		switch sParts[0] {
		case "MPos":
			stat.MPos, err = parseCoords(sParts[1])
			hasM = true
		case "WPos":
			stat.WPos, err = parseCoords(sParts[1])
			hasW = true
		case "WCO":
			stat.WCO, err = parseCoords(sParts[1])
		case "FS":
			fs := strings.Split(sParts[1], ",")
			stat.Feed, err = strconv.ParseFloat(fs[0], 64)
			if err == nil && len(fs) > 1 {
				stat.Spindle, err = strconv.ParseFloat(fs[1], 64)
			}
		case "F":
			stat.Feed, err = strconv.ParseFloat(sParts[1], 64)
		}
		if err != nil {
			return nil, err
		}
	}

	// Grbl reports one of MPos/WPos depending on $10; derive the other.
	switch {
	case hasM && !hasW:
		stat.WPos = stat.MPos.Sub(stat.WCO)
	case hasW && !hasM:
		stat.MPos = stat.WPos.Add(stat.WCO)
	}

	return &stat, nil
}
