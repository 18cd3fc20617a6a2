// Package dose implements the dose controller: a state machine that turns a
// dose request into motion commands and stops the pump either when the
// commanded distance has been run (volume mode) or when the scale reports
// the target weight (weight mode).
package dose

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/flow"
	"github.com/itohio/godoser/pkg/journal"
	"github.com/itohio/godoser/pkg/motor"
	"github.com/itohio/godoser/pkg/scale"
	"go.uber.org/zap"
)

const (
	tickInterval      = 50 * time.Millisecond
	positionTolerance = 0.01 // mm
	storeTimeout      = 2 * time.Second
	feedTolerance     = 1e-6 // mm/min
)

// Motor is the part of the motor channel used by the controller.
type Motor interface {
	SendAndAwait(ctx context.Context, cmd string, timeout time.Duration) (motor.Result, error)
	Realtime(b byte) error
	FeedHold() error
	Reset(ctx context.Context) error
	OnStatus(func(motor.Status))
	OnAlarm(func(motor.Alarm))
}

// Scale is the part of the scale protocol used by the controller.
type Scale interface {
	Latest() (scale.Sample, bool)
	Stale(now time.Time) bool
	Subscribe(buffer int) (<-chan scale.Sample, func())
	SetInterBurstDelay(d time.Duration)
	InterBurstDelay() time.Duration
}

var (
	_ Motor = (*motor.Channel)(nil)
	_ Scale = (*scale.Protocol)(nil)
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStore records every finished dose.
func WithStore(store journal.DoseStore) Option {
	return func(c *Controller) { c.store = store }
}

// WithPumps sets the presets used by start events without a request.
func WithPumps(pumps []config.PumpConfig) Option {
	return func(c *Controller) {
		for _, p := range pumps {
			axis, err := motor.ParseAxis(p.Axis)
			if err != nil {
				c.logger.Warn("Ignoring pump preset", zap.String("axis", p.Axis), zap.Error(err))
				continue
			}
			c.pumps[axis] = p
		}
	}
}

// session is the runtime state of one dose.
type session struct {
	id            string
	req           Request
	mode          Mode
	state         State
	reason        string
	feed          float64
	distance      float64
	primeDistance float64

	startWeight  float64
	maxWeight    float64
	dispensed    float64
	measuredFlow float64

	dispatched bool
	sawMotion  bool
	hasPos     bool
	lastPos    float64
	flushing   bool

	started      time.Time
	lastProgress time.Time
	settleStart  time.Time
	finished     time.Time
}

// Controller runs dose sessions. Volume doses on different axes may be
// started independently, in which case the motion controller runs their
// moves one after another, or together with StartSimultaneous. A weight
// dose owns the whole machine because the scale and feed hold are shared.
type Controller struct {
	motor  Motor
	scale  Scale
	cfg    config.DoseConfig
	logger *zap.Logger
	now    func() time.Time
	store  journal.DoseStore
	pumps  map[motor.Axis]config.PumpConfig
	flow   *flow.Estimator

	mu          sync.Mutex
	sessions    map[motor.Axis]*session
	positions   map[motor.Axis]float64
	selected    motor.Axis
	changed     chan struct{}
	scaleActive bool
	idleDelay   time.Duration

	cbMu      sync.RWMutex
	callbacks []func(Snapshot)

	statusCh chan motor.Status
	alarmCh  chan motor.Alarm
}

// New creates a controller. s may be nil when no scale is connected; weight
// doses are then refused.
func New(m Motor, s Scale, cfg config.DoseConfig, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		motor:     m,
		scale:     s,
		cfg:       cfg,
		logger:    logger.Named("dose"),
		now:       time.Now,
		pumps:     make(map[motor.Axis]config.PumpConfig),
		flow:      flow.New(cfg.FlowWindow),
		sessions:  make(map[motor.Axis]*session),
		positions: make(map[motor.Axis]float64),
		selected:  motor.AxisX,
		changed:   make(chan struct{}),
		statusCh:  make(chan motor.Status, 64),
		alarmCh:   make(chan motor.Alarm, 8),
	}
	for _, opt := range opts {
		opt(c)
	}

	m.OnStatus(func(st motor.Status) {
		select {
		case c.statusCh <- st:
		default:
			c.logger.Debug("Dropping status report")
		}
	})
	m.OnAlarm(func(a motor.Alarm) {
		select {
		case c.alarmCh <- a:
		default:
			c.logger.Warn("Dropping alarm", zap.Int("code", a.Code))
		}
	})

	if s != nil {
		c.idleDelay = cfg.IdleScaleInterval
		if c.idleDelay > 0 {
			s.SetInterBurstDelay(c.idleDelay)
		} else {
			c.idleDelay = s.InterBurstDelay()
		}
	}

	return c
}

// StartDose validates req, creates a session and sends the zeroing and
// motion commands. Validation errors are returned before anything is sent.
func (c *Controller) StartDose(ctx context.Context, req Request) (Plan, error) {
	if err := validate(&req); err != nil {
		return Plan{}, err
	}

	mode := req.Mode()
	plan := Plan{
		Axis:                      req.Axis,
		Mode:                      mode,
		FeedRateMmPerMin:          req.FlowRateMlPerMin / req.CalibrationMlPerMm,
		RequestedFlowRateMlPerMin: req.FlowRateMlPerMin,
		EffectiveFlowRateMlPerMin: req.FlowRateMlPerMin,
	}
	if limit := c.cfg.SafeMaxFeedrate; limit > 0 && plan.FeedRateMmPerMin > limit {
		plan.FeedRateMmPerMin = limit
		plan.EffectiveFlowRateMlPerMin = limit * req.CalibrationMlPerMm
		plan.Clamped = true
	}
	if mode == ModeVolume {
		plan.DistanceMm = req.TargetVolumeMl / req.CalibrationMlPerMm
	} else {
		plan.DistanceMm = c.cfg.ContinuousDistanceMm
	}

	now := c.now()

	c.mu.Lock()
	if err := c.admitLocked(req.Axis, mode); err != nil {
		c.mu.Unlock()
		return Plan{}, err
	}

	s := &session{
		id:           uuid.NewString(),
		req:          req,
		mode:         mode,
		state:        StateDispensing,
		feed:         plan.FeedRateMmPerMin,
		distance:     plan.DistanceMm,
		started:      now,
		lastProgress: now,
	}
	if req.PrimeVolumeMl > 0 {
		s.state = StatePriming
		s.primeDistance = req.PrimeVolumeMl / req.CalibrationMlPerMm
	}
	if mode == ModeWeight {
		sample, ok := c.freshSampleLocked(now)
		if !ok {
			c.mu.Unlock()
			return Plan{}, ErrNoScaleSample
		}
		s.startWeight = sample.Grams()
		s.maxWeight = s.startWeight
		c.flow.Reset()
	}
	c.sessions[req.Axis] = s
	snap := c.snapshotLocked(s)
	first := s.distance
	if s.state == StatePriming {
		first = s.primeDistance
	}
	c.mu.Unlock()

	plan.SessionID = s.id
	c.logger.Info("Dose started",
		zap.String("session", s.id),
		zap.String("axis", string(req.Axis)),
		zap.Stringer("mode", mode),
		zap.Float64("target", req.Target()),
		zap.Float64("feed", plan.FeedRateMmPerMin),
		zap.Bool("clamped", plan.Clamped))
	if plan.Clamped {
		c.logger.Warn("Feed rate clamped",
			zap.Float64("requested_flow", plan.RequestedFlowRateMlPerMin),
			zap.Float64("effective_flow", plan.EffectiveFlowRateMlPerMin))
	}
	c.notify(snap)

	if err := c.dispatch(ctx, s, first); err != nil {
		return plan, err
	}
	return plan, nil
}

// StartSimultaneous starts volume doses on several axes as one coordinated
// move: a single G92 zeroes the axes and a single G1 runs them together so
// every pump finishes at the same time. The path feed is chosen so the
// slowest dose runs at its requested flow rate, limited by the feed ceiling;
// faster doses are slowed down to match and report Clamped. Each axis gets
// its own session.
func (c *Controller) StartSimultaneous(ctx context.Context, reqs []Request) ([]Plan, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no doses", ErrNotCoordinated)
	}

	reqs = slices.Clone(reqs)
	seen := make(map[motor.Axis]bool, len(reqs))
	requested := make([]float64, len(reqs))
	distances := make(map[motor.Axis]float64, len(reqs))
	var duration, pathSq float64 // minutes, mm²
	for i := range reqs {
		req := &reqs[i]
		if err := validate(req); err != nil {
			return nil, err
		}
		if req.Mode() != ModeVolume || req.PrimeVolumeMl > 0 {
			return nil, fmt.Errorf("%w: axis %s needs a plain volume dose", ErrNotCoordinated, req.Axis)
		}
		if seen[req.Axis] {
			return nil, fmt.Errorf("%w: axis %s given twice", ErrNotCoordinated, req.Axis)
		}
		seen[req.Axis] = true

		feed := req.FlowRateMlPerMin / req.CalibrationMlPerMm
		if limit := c.cfg.SafeMaxFeedrate; limit > 0 {
			feed = min(feed, limit)
		}
		requested[i] = req.FlowRateMlPerMin / req.CalibrationMlPerMm
		d := req.TargetVolumeMl / req.CalibrationMlPerMm
		distances[req.Axis] = d
		duration = max(duration, d/feed)
		pathSq += d * d
	}

	pathFeed := math.Sqrt(pathSq) / duration
	if limit := c.cfg.SafeMaxFeedrate; limit > 0 && pathFeed > limit {
		pathFeed = limit
		duration = math.Sqrt(pathSq) / limit
	}

	now := c.now()
	plans := make([]Plan, len(reqs))
	group := make([]*session, len(reqs))

	c.mu.Lock()
	for _, req := range reqs {
		if err := c.admitLocked(req.Axis, ModeVolume); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	snaps := make([]Snapshot, len(reqs))
	for i, req := range reqs {
		feed := distances[req.Axis] / duration
		plans[i] = Plan{
			Axis:                      req.Axis,
			Mode:                      ModeVolume,
			FeedRateMmPerMin:          feed,
			RequestedFlowRateMlPerMin: req.FlowRateMlPerMin,
			EffectiveFlowRateMlPerMin: feed * req.CalibrationMlPerMm,
			Clamped:                   feed < requested[i]-feedTolerance,
			DistanceMm:                distances[req.Axis],
		}
		s := &session{
			id:           uuid.NewString(),
			req:          req,
			mode:         ModeVolume,
			state:        StateDispensing,
			feed:         feed,
			distance:     distances[req.Axis],
			started:      now,
			lastProgress: now,
		}
		c.sessions[req.Axis] = s
		group[i] = s
		plans[i].SessionID = s.id
		snaps[i] = c.snapshotLocked(s)
	}
	c.mu.Unlock()

	axes := make([]motor.Axis, 0, len(reqs))
	for _, req := range reqs {
		axes = append(axes, req.Axis)
	}
	c.logger.Info("Simultaneous dose started",
		zap.Int("axes", len(reqs)),
		zap.Float64("path_feed", pathFeed),
		zap.Duration("duration", time.Duration(duration*float64(time.Minute))))
	c.notify(snaps...)

	if err := c.dispatchGroup(ctx, group, motor.ZeroAll(axes...), motor.MoveAll(distances, pathFeed)); err != nil {
		return plans, err
	}
	return plans, nil
}

// validate checks req and normalises its axis.
func validate(req *Request) error {
	volumeSet, weightSet := req.TargetVolumeMl != 0, req.TargetWeightG != 0
	if volumeSet == weightSet {
		return ErrAmbiguousTarget
	}
	if req.TargetVolumeMl < 0 || req.TargetWeightG < 0 || req.PrimeVolumeMl < 0 {
		return ErrInvalidTarget
	}
	if req.CalibrationMlPerMm <= 0 {
		return ErrInvalidCalibration
	}
	if req.FlowRateMlPerMin <= 0 {
		return ErrInvalidFlowRate
	}
	axis, err := motor.ParseAxis(string(req.Axis))
	if err != nil {
		return fmt.Errorf("dose: %w", err)
	}
	req.Axis = axis
	return nil
}

// admitLocked checks that a new session of mode may start on axis.
func (c *Controller) admitLocked(axis motor.Axis, mode Mode) error {
	for a, s := range c.sessions {
		if s.state.NeedsReset() {
			return fmt.Errorf("%w: %s is %s", ErrNotReset, a, s.state)
		}
	}
	for a, s := range c.sessions {
		if !s.state.Active() {
			continue
		}
		switch {
		case a == axis:
			return fmt.Errorf("%w: axis %s", ErrAlreadyActive, a)
		case mode == ModeWeight:
			return fmt.Errorf("%w: weight dose needs exclusive use, axis %s is busy", ErrAlreadyActive, a)
		case s.mode == ModeWeight:
			return fmt.Errorf("%w: weight dose running on axis %s", ErrAlreadyActive, a)
		}
	}
	return nil
}

func (c *Controller) freshSampleLocked(now time.Time) (scale.Sample, bool) {
	if c.scale == nil {
		return scale.Sample{}, false
	}
	sample, ok := c.scale.Latest()
	if !ok || c.scale.Stale(now) {
		return scale.Sample{}, false
	}
	return sample, true
}

// dispatch zeroes the axis and starts a move of distance.
func (c *Controller) dispatch(ctx context.Context, s *session, distance float64) error {
	axis := s.req.Axis
	return c.dispatchGroup(ctx, []*session{s}, motor.Zero(axis), motor.Move(axis, distance, s.feed))
}

// dispatchGroup sends the zeroing and motion commands shared by group. Any
// failure faults all active sessions.
func (c *Controller) dispatchGroup(ctx context.Context, group []*session, zero, move string) error {
	for _, cmd := range []string{zero, move} {
		r, err := c.motor.SendAndAwait(ctx, cmd, 0)
		if err == nil {
			err = r.Err(cmd)
		}
		if err != nil {
			c.faultAll(fmt.Sprintf("%s: %v", cmd, err))
			return fmt.Errorf("failed to start dose: %w", err)
		}
	}

	c.mu.Lock()
	now := c.now()
	for _, s := range group {
		if s.state.Active() {
			s.dispatched = true
			s.sawMotion = false
			s.hasPos = false
			s.lastProgress = now
		}
	}
	c.mu.Unlock()

	return nil
}

// EmergencyStop sends feed hold and aborts every active session. Sessions
// are aborted even when the feed hold could not be written.
func (c *Controller) EmergencyStop() error {
	err := c.motor.FeedHold()

	c.mu.Lock()
	finished := c.endActiveLocked(StateAborted, "emergency stop")
	c.mu.Unlock()

	c.logger.Warn("Emergency stop", zap.Int("aborted", len(finished)))
	c.finish(finished)

	if err != nil {
		return fmt.Errorf("failed to send feed hold: %w", err)
	}
	return nil
}

// Reset soft-resets and unlocks the controller, then clears aborted and
// faulted sessions. Active sessions are aborted first. On failure nothing is
// cleared and Reset may be retried.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	finished := c.endActiveLocked(StateAborted, "reset")
	c.mu.Unlock()
	c.finish(finished)

	if err := c.motor.Reset(ctx); err != nil {
		c.logger.Error("Reset failed", zap.Error(err))
		return fmt.Errorf("reset failed: %w", err)
	}

	c.mu.Lock()
	for axis, s := range c.sessions {
		if s.state.NeedsReset() {
			delete(c.sessions, axis)
		}
	}
	c.mu.Unlock()

	c.logger.Info("Controller reset")
	c.broadcast()
	return nil
}

// Session returns a snapshot of the latest session on axis.
func (c *Controller) Session(axis motor.Axis) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[axis]
	if !ok {
		return Snapshot{Axis: axis, State: StateIdle}, false
	}
	return c.snapshotLocked(s), true
}

// Sessions returns snapshots of all sessions in axis order.
func (c *Controller) Sessions() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Snapshot, 0, len(c.sessions))
	for _, axis := range motor.Axes {
		if s, ok := c.sessions[axis]; ok {
			out = append(out, c.snapshotLocked(s))
		}
	}
	return out
}

// Selected returns the axis chosen by the last AxisSelected event.
func (c *Controller) Selected() motor.Axis {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Wait blocks until the session id on axis finishes. It returns
// ErrDoseFailed for aborted and faulted sessions.
func (c *Controller) Wait(ctx context.Context, axis motor.Axis, id string) (Snapshot, error) {
	for {
		c.mu.Lock()
		s, ok := c.sessions[axis]
		var snap Snapshot
		if ok {
			snap = c.snapshotLocked(s)
		}
		changed := c.changed
		c.mu.Unlock()

		switch {
		case !ok || snap.SessionID != id:
			return snap, fmt.Errorf("%w: session %s was cleared", ErrDoseFailed, id)
		case snap.State == StateComplete:
			return snap, nil
		case snap.State.NeedsReset():
			return snap, fmt.Errorf("%w: %s: %s", ErrDoseFailed, snap.State, snap.Reason)
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

// OnChange registers a callback invoked after session changes. Callbacks
// run on the goroutine that caused the change and must return quickly.
func (c *Controller) OnChange(callback func(Snapshot)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, callback)
}

func (c *Controller) snapshotLocked(s *session) Snapshot {
	snap := Snapshot{
		SessionID:         s.id,
		Axis:              s.req.Axis,
		Mode:              s.mode,
		State:             s.state,
		Target:            s.req.Target(),
		Dispensed:         s.dispensed,
		FeedRateMmPerMin:  s.feed,
		MeasuredFlowGPerM: s.measuredFlow,
		StartWeightG:      s.startWeight,
		Reason:            s.reason,
		StartedAt:         s.started,
		FinishedAt:        s.finished,
	}
	if snap.Target > 0 {
		snap.Progress = min(max(snap.Dispensed/snap.Target, 0), 1)
	}
	if s.state == StateComplete {
		snap.Progress = 1
	}
	return snap
}

// endActiveLocked moves every active session to state.
func (c *Controller) endActiveLocked(state State, reason string) []Snapshot {
	now := c.now()
	var out []Snapshot
	for _, s := range c.sessions {
		if !s.state.Active() {
			continue
		}
		c.endLocked(s, state, reason, now)
		out = append(out, c.snapshotLocked(s))
	}
	return out
}

func (c *Controller) endLocked(s *session, state State, reason string, now time.Time) {
	s.state = state
	s.reason = reason
	s.finished = now
	s.flushing = false
}

func (c *Controller) faultAll(reason string) {
	c.mu.Lock()
	finished := c.endActiveLocked(StateFaulted, reason)
	c.mu.Unlock()

	if len(finished) > 0 {
		c.logger.Error("Dose faulted", zap.String("reason", reason), zap.Int("sessions", len(finished)))
	}
	c.finish(finished)
}

// finish logs, stores and publishes finished sessions.
func (c *Controller) finish(snaps []Snapshot) {
	for _, snap := range snaps {
		c.logger.Info("Dose finished",
			zap.String("session", snap.SessionID),
			zap.String("axis", string(snap.Axis)),
			zap.Stringer("state", snap.State),
			zap.Float64("dispensed", snap.Dispensed),
			zap.String("reason", snap.Reason))

		if c.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			err := c.store.RecordDose(ctx, journal.DoseRecord{
				ID:         snap.SessionID,
				Axis:       string(snap.Axis),
				Mode:       snap.Mode.String(),
				Target:     snap.Target,
				Dispensed:  snap.Dispensed,
				FeedRate:   snap.FeedRateMmPerMin,
				State:      snap.State.String(),
				Reason:     snap.Reason,
				StartedAt:  snap.StartedAt,
				FinishedAt: snap.FinishedAt,
			})
			cancel()
			if err != nil {
				c.logger.Warn("Failed to record dose", zap.Error(err))
			}
		}
	}
	c.notify(snaps...)
}

func (c *Controller) notify(snaps ...Snapshot) {
	if len(snaps) == 0 {
		return
	}

	c.cbMu.RLock()
	callbacks := make([]func(Snapshot), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.cbMu.RUnlock()

	for _, snap := range snaps {
		for _, cb := range callbacks {
			if cb != nil {
				cb(snap)
			}
		}
	}
	c.broadcast()
}

// broadcast wakes up Wait callers.
func (c *Controller) broadcast() {
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}
