package dose

import (
	"context"
	"fmt"
	"time"

	"github.com/itohio/godoser/pkg/motor"
	"github.com/itohio/godoser/pkg/scale"
	"go.uber.org/zap"
)

// Run processes weight samples, status reports, alarms and timers until ctx
// is cancelled. Status is polled while a session waits for motion to end.
func (c *Controller) Run(ctx context.Context) error {
	var weights <-chan scale.Sample
	if c.scale != nil {
		ch, unsubscribe := c.scale.Subscribe(16)
		defer unsubscribe()
		weights = ch
	}

	pollInterval := c.cfg.StatusPollInterval
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	c.logger.Info("Dose controller running")
	defer c.logger.Info("Dose controller stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-weights:
			if !ok {
				weights = nil
				continue
			}
			c.HandleWeight(s)
		case st := <-c.statusCh:
			c.HandleStatus(ctx, st)
		case a := <-c.alarmCh:
			c.HandleAlarm(a)
		case <-poll.C:
			if c.awaitingMotion() {
				if err := c.motor.Realtime(motor.RealtimeStatus); err != nil {
					c.logger.Warn("Status poll failed", zap.Error(err))
				}
			}
		case <-tick.C:
			c.Tick(ctx, c.now())
		}
		c.updateScaleInterval()
	}
}

// HandleWeight processes one weight sample. A weight dose whose dispensed
// amount reaches its target (less the predicted overshoot) is held
// immediately and moves to Settling.
func (c *Controller) HandleWeight(sample scale.Sample) {
	c.flow.Add(sample)
	rate := c.flow.Rate()
	lookahead := c.flow.Predict(c.cfg.StopLookahead)
	now := c.now()
	grams := sample.Grams()

	var (
		hold    bool
		changed []Snapshot
	)

	c.mu.Lock()
	for _, s := range c.sessions {
		if s.mode != ModeWeight || !s.dispatched {
			continue
		}
		if s.state != StateDispensing && s.state != StateSettling {
			continue
		}

		if grams > s.maxWeight {
			s.maxWeight = grams
			s.lastProgress = now
		}
		s.dispensed = grams - s.startWeight
		s.measuredFlow = rate

		if s.state == StateDispensing && s.dispensed+lookahead >= s.req.TargetWeightG {
			s.state = StateSettling
			s.settleStart = now
			hold = true
			c.logger.Info("Target weight reached",
				zap.String("session", s.id),
				zap.Float64("dispensed", s.dispensed),
				zap.Float64("target", s.req.TargetWeightG),
				zap.Float64("lookahead", lookahead))
		}
		changed = append(changed, c.snapshotLocked(s))
	}
	c.mu.Unlock()

	if hold {
		if err := c.motor.FeedHold(); err != nil {
			c.logger.Error("Failed to hold feed", zap.Error(err))
			c.faultAll(fmt.Sprintf("feed hold failed: %v", err))
			return
		}
	}
	c.notify(changed...)
}

// HandleStatus processes one status report. An Idle report after motion
// completes priming or the volume move.
func (c *Controller) HandleStatus(ctx context.Context, st motor.Status) {
	now := c.now()

	var (
		finished []Snapshot
		changed  []Snapshot
		primed   []*session
	)

	c.mu.Lock()
	if st.State == motor.StateAlarm {
		finished = c.endActiveLocked(StateFaulted, "controller in alarm state")
	}
	// Moves run one after another from the planner, so motion on any axis
	// is progress for sessions still queued behind it.
	moved := c.trackPositionsLocked(st)
	for _, s := range c.sessions {
		if !s.dispatched || (s.state != StatePriming && s.state != StateDispensing) {
			continue
		}
		if moved {
			s.lastProgress = now
		}

		if pos, ok := st.Position(s.req.Axis); ok {
			if !s.hasPos {
				s.lastProgress = now
			}
			s.lastPos, s.hasPos = pos, true
			if s.mode == ModeVolume && s.state == StateDispensing {
				s.dispensed = pos * s.req.CalibrationMlPerMm
			}
		}

		switch st.State {
		case motor.StateRun, motor.StateJog, motor.StateHome:
			s.sawMotion = true
		case motor.StateIdle:
			target := s.distance
			if s.state == StatePriming {
				target = s.primeDistance
			}
			reached := s.hasPos && s.lastPos >= target-positionTolerance
			if !reached && !s.sawMotion {
				// motion has not started yet
				continue
			}

			switch {
			case s.state == StatePriming:
				s.state = StateDispensing
				s.dispatched = false
				primed = append(primed, s)
			case s.mode == ModeVolume:
				s.state = StateSettling
				s.settleStart = now
				s.dispensed = s.distance * s.req.CalibrationMlPerMm
			default:
				c.endLocked(s, StateFaulted, "motion ended before target weight was reached", now)
				finished = append(finished, c.snapshotLocked(s))
				continue
			}
		}
		changed = append(changed, c.snapshotLocked(s))
	}
	c.mu.Unlock()

	c.finish(finished)
	c.notify(changed...)

	for _, s := range primed {
		c.startMain(ctx, s)
	}
}

// trackPositionsLocked records the reported positions and reports whether
// any axis moved since the previous report.
func (c *Controller) trackPositionsLocked(st motor.Status) bool {
	moved := false
	for axis, pos := range st.Positions {
		if last, ok := c.positions[axis]; !ok || last != pos {
			moved = true
		}
		c.positions[axis] = pos
	}
	return moved
}

// startMain begins the main move of a session that finished priming.
func (c *Controller) startMain(ctx context.Context, s *session) {
	c.mu.Lock()
	if s.mode == ModeWeight {
		sample, ok := c.freshSampleLocked(c.now())
		if !ok {
			c.mu.Unlock()
			c.faultAll(ErrNoScaleSample.Error())
			return
		}
		s.startWeight = sample.Grams()
		s.maxWeight = s.startWeight
		s.dispensed = 0
		c.flow.Reset()
	}
	c.mu.Unlock()

	c.logger.Info("Priming complete", zap.String("session", s.id))
	if err := c.dispatch(ctx, s, s.distance); err != nil {
		c.logger.Error("Failed to start dose after priming", zap.Error(err))
	}
}

// HandleAlarm faults every active session.
func (c *Controller) HandleAlarm(a motor.Alarm) {
	fault := &motor.Fault{Kind: motor.FaultAlarm, Code: a.Code}
	c.faultAll(fault.Error())
}

// Tick applies timeouts and finishes settled sessions.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	var (
		hold     bool
		finished []Snapshot
		flush    []*session
	)

	c.mu.Lock()
	for _, s := range c.sessions {
		switch s.state {
		case StatePriming, StateDispensing:
			if !s.dispatched {
				continue
			}
			if c.cfg.NoProgressTimeout > 0 && now.Sub(s.lastProgress) > c.cfg.NoProgressTimeout {
				fault := &motor.Fault{Kind: motor.FaultTimeout}
				c.endLocked(s, StateFaulted, fmt.Sprintf("%v for %v", fault, c.cfg.NoProgressTimeout), now)
				finished = append(finished, c.snapshotLocked(s))
				hold = true
				continue
			}
			if s.mode == ModeWeight && s.state == StateDispensing && c.scale != nil && c.scale.Stale(now) {
				c.endLocked(s, StateFaulted, "scale sample is stale", now)
				finished = append(finished, c.snapshotLocked(s))
				hold = true
			}
		case StateSettling:
			if s.flushing || now.Sub(s.settleStart) < c.cfg.SettleDelay {
				continue
			}
			if s.mode == ModeWeight {
				s.flushing = true
				flush = append(flush, s)
				continue
			}
			c.endLocked(s, StateComplete, "", now)
			finished = append(finished, c.snapshotLocked(s))
		}
	}
	c.mu.Unlock()

	if hold {
		if err := c.motor.FeedHold(); err != nil {
			c.logger.Error("Failed to hold feed", zap.Error(err))
		}
	}
	c.finish(finished)

	for _, s := range flush {
		c.flush(ctx, s)
	}
}

// flush discards the held remainder of a weight move and completes the
// session.
func (c *Controller) flush(ctx context.Context, s *session) {
	err := c.motor.Reset(ctx)

	c.mu.Lock()
	if s.state != StateSettling {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.endLocked(s, StateFaulted, fmt.Sprintf("failed to flush held motion: %v", err), c.now())
	} else {
		c.endLocked(s, StateComplete, "", c.now())
	}
	snap := c.snapshotLocked(s)
	c.mu.Unlock()

	c.finish([]Snapshot{snap})
}

// HandleEvent processes an input event.
func (c *Controller) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventAxisSelected:
		if _, err := motor.ParseAxis(string(ev.Axis)); err != nil {
			return fmt.Errorf("dose: %w", err)
		}
		c.mu.Lock()
		c.selected = ev.Axis
		c.mu.Unlock()
		c.logger.Debug("Axis selected", zap.String("axis", string(ev.Axis)))
		return nil

	case EventDoseStartRequested:
		req, err := c.requestFor(ev)
		if err != nil {
			return err
		}
		_, err = c.StartDose(ctx, req)
		return err

	case EventEmergencyStopRequested:
		return c.EmergencyStop()

	default:
		return fmt.Errorf("dose: unknown event %d", ev.Kind)
	}
}

func (c *Controller) requestFor(ev Event) (Request, error) {
	if ev.Request != nil {
		return *ev.Request, nil
	}

	axis := c.Selected()
	p, ok := c.pumps[axis]
	if !ok {
		return Request{}, fmt.Errorf("%w %s", ErrNoPreset, axis)
	}
	return Request{
		Axis:               axis,
		TargetVolumeMl:     p.DefaultVolumeMl,
		FlowRateMlPerMin:   p.FlowRateMlPerMin,
		CalibrationMlPerMm: p.CalibrationMlPerMm,
	}, nil
}

// awaitingMotion reports whether a session waits for the controller to
// report the end of a move.
func (c *Controller) awaitingMotion() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sessions {
		if s.dispatched && (s.state == StatePriming || s.state == StateDispensing) {
			return true
		}
	}
	return false
}

// updateScaleInterval polls the scale faster while a weight dose runs.
func (c *Controller) updateScaleInterval() {
	if c.scale == nil {
		return
	}

	c.mu.Lock()
	active := false
	for _, s := range c.sessions {
		if s.mode == ModeWeight && s.state.Active() {
			active = true
			break
		}
	}
	if active == c.scaleActive {
		c.mu.Unlock()
		return
	}
	c.scaleActive = active
	c.mu.Unlock()

	if active {
		c.scale.SetInterBurstDelay(c.cfg.ActiveScaleInterval)
	} else {
		c.scale.SetInterBurstDelay(c.idleDelay)
	}
}
