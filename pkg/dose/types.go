package dose

import (
	"errors"
	"time"

	"github.com/itohio/godoser/pkg/motor"
)

var (
	// ErrAmbiguousTarget is returned when a request sets neither or both of
	// the volume and weight targets.
	ErrAmbiguousTarget = errors.New("dose: exactly one of volume or weight target must be set")
	// ErrInvalidTarget is returned for negative targets.
	ErrInvalidTarget = errors.New("dose: target must be positive")
	// ErrInvalidCalibration is returned for calibration <= 0.
	ErrInvalidCalibration = errors.New("dose: calibration must be positive")
	// ErrInvalidFlowRate is returned for flow rate <= 0.
	ErrInvalidFlowRate = errors.New("dose: flow rate must be positive")
	// ErrAlreadyActive is returned when the axis, or the machine for weight
	// doses, is busy.
	ErrAlreadyActive = errors.New("dose: already active")
	// ErrNotReset is returned while an aborted or faulted dose awaits reset.
	ErrNotReset = errors.New("dose: controller must be reset")
	// ErrNoScaleSample is returned when a weight dose has no fresh sample.
	ErrNoScaleSample = errors.New("dose: no fresh scale sample")
	// ErrNoPreset is returned when no pump preset exists for an axis.
	ErrNoPreset = errors.New("dose: no pump preset for axis")
	// ErrNotCoordinated is returned when doses cannot run as one
	// coordinated move.
	ErrNotCoordinated = errors.New("dose: only volume doses on distinct axes can run together")
	// ErrDoseFailed is returned by Wait when a dose ends aborted or faulted.
	ErrDoseFailed = errors.New("dose: dose did not complete")
)

// State is the state of a dose session.
type State int

const (
	StateIdle State = iota
	StatePriming
	StateDispensing
	StateSettling
	StateComplete
	StateAborted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StatePriming:
		return "Priming"
	case StateDispensing:
		return "Dispensing"
	case StateSettling:
		return "Settling"
	case StateComplete:
		return "Complete"
	case StateAborted:
		return "Aborted"
	case StateFaulted:
		return "Faulted"
	default:
		return "Idle"
	}
}

// Active reports whether a session in this state owns its axis.
func (s State) Active() bool {
	return s == StatePriming || s == StateDispensing || s == StateSettling
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted || s == StateFaulted
}

// NeedsReset reports whether the state blocks new doses until reset.
func (s State) NeedsReset() bool {
	return s == StateAborted || s == StateFaulted
}

// Mode selects open-loop volume dosing or closed-loop weight dosing.
type Mode int

const (
	ModeVolume Mode = iota
	ModeWeight
)

func (m Mode) String() string {
	if m == ModeWeight {
		return "weight"
	}
	return "volume"
}

// Request describes a single dose. Exactly one of TargetVolumeMl and
// TargetWeightG must be non-zero.
type Request struct {
	Axis               motor.Axis
	TargetVolumeMl     float64
	TargetWeightG      float64
	FlowRateMlPerMin   float64
	CalibrationMlPerMm float64
	PrimeVolumeMl      float64 // Optional priming before the dose
}

// Mode returns the dosing mode selected by the target.
func (r Request) Mode() Mode {
	if r.TargetWeightG != 0 {
		return ModeWeight
	}
	return ModeVolume
}

// Target returns the requested amount in ml or g.
func (r Request) Target() float64 {
	if r.Mode() == ModeWeight {
		return r.TargetWeightG
	}
	return r.TargetVolumeMl
}

// Plan is the motion chosen for an accepted request.
type Plan struct {
	SessionID                 string
	Axis                      motor.Axis
	Mode                      Mode
	FeedRateMmPerMin          float64
	RequestedFlowRateMlPerMin float64
	EffectiveFlowRateMlPerMin float64
	Clamped                   bool // Feed rate reduced to the safety ceiling
	DistanceMm                float64
}

// Snapshot is a read-only view of a dose session.
type Snapshot struct {
	SessionID         string
	Axis              motor.Axis
	Mode              Mode
	State             State
	Target            float64 // ml or g
	Dispensed         float64 // ml or g
	Progress          float64 // 0..1
	FeedRateMmPerMin  float64
	MeasuredFlowGPerM float64 // Measured from weight samples
	StartWeightG      float64
	Reason            string
	StartedAt         time.Time
	FinishedAt        time.Time
}

// EventKind is the kind of an input event.
type EventKind int

const (
	EventAxisSelected EventKind = iota
	EventDoseStartRequested
	EventEmergencyStopRequested
)

// Event is delivered by input devices.
type Event struct {
	Kind    EventKind
	Axis    motor.Axis // EventAxisSelected
	Request *Request   // EventDoseStartRequested, nil uses the selected pump preset
}
