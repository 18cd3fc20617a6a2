package motor

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAlarm is matched by faults caused by an ALARM report.
	ErrAlarm = errors.New("motor: alarm")
	// ErrCommandTimeout is matched by faults caused by a missing response.
	ErrCommandTimeout = errors.New("motor: command timeout")
	// ErrCommandRejected is matched by faults caused by an error:N response.
	ErrCommandRejected = errors.New("motor: command rejected")
)

// ResultKind is the outcome of an awaited command.
type ResultKind int

const (
	ResultAck ResultKind = iota
	ResultError
	ResultAlarm
	ResultTimeout
)

func (k ResultKind) String() string {
	switch k {
	case ResultAck:
		return "ok"
	case ResultError:
		return "error"
	case ResultAlarm:
		return "alarm"
	default:
		return "timeout"
	}
}

// Result is the response to a command. Lines holds informational lines
// received before the terminator.
type Result struct {
	Kind     ResultKind
	Code     int
	Response string
	Lines    []string
}

// Ok reports whether the command was acknowledged.
func (r Result) Ok() bool {
	return r.Kind == ResultAck
}

// Err converts a non-ack result into a *Fault.
func (r Result) Err(cmd string) error {
	switch r.Kind {
	case ResultAck:
		return nil
	case ResultError:
		return &Fault{Kind: FaultRejected, Code: r.Code, Command: cmd}
	case ResultAlarm:
		return &Fault{Kind: FaultAlarm, Code: r.Code, Command: cmd}
	default:
		return &Fault{Kind: FaultTimeout, Command: cmd}
	}
}

// FaultKind distinguishes motor faults.
type FaultKind int

const (
	FaultAlarm FaultKind = iota
	FaultTimeout
	FaultRejected
)

// Fault is a controller failure that stops dosing until reset.
type Fault struct {
	Kind    FaultKind
	Code    int
	Command string
}

func (f *Fault) Error() string {
	switch f.Kind {
	case FaultAlarm:
		return fmt.Sprintf("controller alarm %d", f.Code)
	case FaultRejected:
		return fmt.Sprintf("command %q rejected with error %d", f.Command, f.Code)
	default:
		if f.Command == "" {
			return "no progress from controller"
		}
		return fmt.Sprintf("command %q timed out", f.Command)
	}
}

func (f *Fault) Unwrap() error {
	switch f.Kind {
	case FaultAlarm:
		return ErrAlarm
	case FaultRejected:
		return ErrCommandRejected
	default:
		return ErrCommandTimeout
	}
}

// Alarm is an ALARM report from the controller.
type Alarm struct {
	Code int
	Raw  string
	Time time.Time
}

// Move returns a linear move of axis by mm at feed mm/min.
func Move(axis Axis, mm, feed float64) string {
	return MoveAll(map[Axis]float64{axis: mm}, feed)
}

// MoveAll returns one coordinated linear move of every axis in targets at
// feed mm/min along the path. Axes are written in MPos order.
func MoveAll(targets map[Axis]float64, feed float64) string {
	var b strings.Builder
	b.WriteString("G1")
	for _, axis := range Axes {
		if mm, ok := targets[axis]; ok {
			fmt.Fprintf(&b, " %s%s", axis, formatNumber(mm))
		}
	}
	fmt.Fprintf(&b, " F%s", formatNumber(feed))
	return b.String()
}

// Zero returns the command resetting the position reference of axis.
func Zero(axis Axis) string {
	return ZeroAll(axis)
}

// ZeroAll returns one command resetting the position reference of every
// given axis.
func ZeroAll(axes ...Axis) string {
	var b strings.Builder
	b.WriteString("G92")
	for _, axis := range Axes {
		if slices.Contains(axes, axis) {
			fmt.Fprintf(&b, " %s0", axis)
		}
	}
	return b.String()
}

// formatNumber formats v with at most three decimals.
func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}
