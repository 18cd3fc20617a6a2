package motor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedStatusLine is returned for lines that do not follow the
// <State|Field:...|...> grammar.
var ErrMalformedStatusLine = errors.New("motor: malformed status line")

// ErrUnknownAxis is returned for axis letters other than X, Y, Z and A.
var ErrUnknownAxis = errors.New("motor: unknown axis")

// Axis identifies a pump axis.
type Axis string

const (
	AxisX Axis = "X"
	AxisY Axis = "Y"
	AxisZ Axis = "Z"
	AxisA Axis = "A"
)

// Axes lists axes in the order used by MPos reports.
var Axes = []Axis{AxisX, AxisY, AxisZ, AxisA}

// ParseAxis parses an axis letter.
func ParseAxis(s string) (Axis, error) {
	a := Axis(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Axes {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownAxis, s)
}

// State is the machine state reported by the controller.
type State int

const (
	StateUnknown State = iota
	StateIdle
	StateRun
	StateJog
	StateHold
	StateAlarm
	StateHome
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRun:
		return "Run"
	case StateJog:
		return "Jog"
	case StateHold:
		return "Hold"
	case StateAlarm:
		return "Alarm"
	case StateHome:
		return "Home"
	default:
		return "Unknown"
	}
}

func parseState(name string) State {
	switch name {
	case "Idle":
		return StateIdle
	case "Run":
		return StateRun
	case "Jog":
		return StateJog
	case "Hold":
		return StateHold
	case "Alarm":
		return StateAlarm
	case "Home":
		return StateHome
	default:
		return StateUnknown
	}
}

// Status is one parsed status report. Positions only holds the axes present
// in the report.
type Status struct {
	State     State
	SubState  string
	Positions map[Axis]float64
	Feed      float64
	Speed     float64
	Raw       string
}

// Position returns the reported position of axis.
func (s Status) Position(axis Axis) (float64, bool) {
	v, ok := s.Positions[axis]
	return v, ok
}

// ParseStatusLine parses a status report such as
// "<Idle|MPos:1.000,2.000,0.000,0.000|FS:0,0>".
func ParseStatusLine(line string) (Status, error) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 || trimmed[0] != '<' || trimmed[len(trimmed)-1] != '>' {
		return Status{}, fmt.Errorf("%w: %q", ErrMalformedStatusLine, line)
	}

	fields := strings.Split(trimmed[1:len(trimmed)-1], "|")
	name, sub, _ := strings.Cut(fields[0], ":")
	if name == "" {
		return Status{}, fmt.Errorf("%w: missing state in %q", ErrMalformedStatusLine, line)
	}

	status := Status{
		State:     parseState(name),
		SubState:  sub,
		Positions: make(map[Axis]float64, len(Axes)),
		Raw:       line,
	}

	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch key {
		case "MPos":
			for i, tok := range strings.Split(value, ",") {
				if i >= len(Axes) {
					break
				}
				v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
				if err != nil {
					break
				}
				status.Positions[Axes[i]] = v
			}
		case "FS":
			feed, speed, _ := strings.Cut(value, ",")
			f, err := strconv.ParseFloat(feed, 64)
			if err != nil {
				return Status{}, fmt.Errorf("%w: bad feed %q", ErrMalformedStatusLine, value)
			}
			status.Feed = f
			if speed != "" {
				if s, err := strconv.ParseFloat(speed, 64); err == nil {
					status.Speed = s
				}
			}
		case "F":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Status{}, fmt.Errorf("%w: bad feed %q", ErrMalformedStatusLine, value)
			}
			status.Feed = f
		}
	}

	return status, nil
}

// Kind classifies a line received from the controller.
type Kind int

const (
	KindInfo Kind = iota
	KindStatus
	KindAck
	KindError
	KindAlarm
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindAck:
		return "ok"
	case KindError:
		return "error"
	case KindAlarm:
		return "alarm"
	default:
		return "info"
	}
}

// Terminator reports whether lines of this kind complete a command.
func (k Kind) Terminator() bool {
	return k == KindAck || k == KindError || k == KindAlarm
}

// Classify returns the kind of line and, for error and alarm lines, the code.
func Classify(line string) (Kind, int) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "<"):
		return KindStatus, 0
	case trimmed == "ok":
		return KindAck, 0
	case strings.HasPrefix(trimmed, "error:"):
		return KindError, parseCode(trimmed[len("error:"):])
	case strings.HasPrefix(trimmed, "ALARM:"):
		return KindAlarm, parseCode(trimmed[len("ALARM:"):])
	default:
		return KindInfo, 0
	}
}

// parseCode returns the numeric code, or -1 when it is not a number.
func parseCode(s string) int {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return code
}
