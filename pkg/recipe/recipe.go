// Package recipe runs named sets of doses, either one after another or all
// pumps together as one coordinated move.
package recipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/dose"
	"github.com/itohio/godoser/pkg/motor"
	"go.uber.org/zap"
)

var (
	// ErrNoPump is returned for steps on an axis without a pump preset.
	ErrNoPump = errors.New("recipe: no pump configured for axis")
	// ErrStepFailed wraps the error of the step that stopped a recipe.
	ErrStepFailed = errors.New("recipe: step failed")
)

// Doser starts doses and waits for them to finish.
type Doser interface {
	StartDose(ctx context.Context, req dose.Request) (dose.Plan, error)
	StartSimultaneous(ctx context.Context, reqs []dose.Request) ([]dose.Plan, error)
	Wait(ctx context.Context, axis motor.Axis, id string) (dose.Snapshot, error)
}

var _ Doser = (*dose.Controller)(nil)

// StepResult is the outcome of one recipe step.
type StepResult struct {
	Index    int
	Axis     motor.Axis
	Skipped  bool
	Plan     dose.Plan
	Snapshot dose.Snapshot
}

// Result is the outcome of a recipe run.
type Result struct {
	Name  string
	Steps []StepResult
}

// Runner executes recipes step by step.
type Runner struct {
	doser    Doser
	pumps    map[motor.Axis]config.PumpConfig
	logger   *zap.Logger
	progress func(StepResult)
}

// Option configures a Runner.
type Option func(*Runner)

// WithProgress registers a callback invoked after every step.
func WithProgress(fn func(StepResult)) Option {
	return func(r *Runner) { r.progress = fn }
}

// NewRunner creates a runner using pumps for calibration and default flow.
func NewRunner(d Doser, pumps []config.PumpConfig, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		doser:  d,
		pumps:  make(map[motor.Axis]config.PumpConfig),
		logger: logger.Named("recipe"),
	}
	for _, p := range pumps {
		if axis, err := motor.ParseAxis(p.Axis); err == nil {
			r.pumps[axis] = p
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run doses every step of rc in order and waits for each to complete.
// Steps without an amount are skipped. The first failed step stops the
// recipe; the result holds the steps run so far.
func (r *Runner) Run(ctx context.Context, rc config.RecipeConfig) (Result, error) {
	result := Result{Name: rc.Name}
	r.logger.Info("Recipe started", zap.String("recipe", rc.Name), zap.Int("steps", len(rc.Steps)))

	for i, step := range rc.Steps {
		sr, err := r.runStep(ctx, i, rc, step)
		if err != nil {
			r.logger.Error("Recipe stopped", zap.String("recipe", rc.Name), zap.Int("step", i+1), zap.Error(err))
			return result, fmt.Errorf("%w: %d (%s): %w", ErrStepFailed, i+1, step.Axis, err)
		}
		result.Steps = append(result.Steps, sr)
		if r.progress != nil {
			r.progress(sr)
		}
	}

	r.logger.Info("Recipe complete", zap.String("recipe", rc.Name))
	return result, nil
}

// RunTogether doses every volume step of rc at once as one coordinated
// move, so all pumps finish together, and waits for all of them. Weight
// steps cannot run this way and fail the recipe before anything starts.
func (r *Runner) RunTogether(ctx context.Context, rc config.RecipeConfig) (Result, error) {
	result := Result{Name: rc.Name}
	r.logger.Info("Recipe started together", zap.String("recipe", rc.Name), zap.Int("steps", len(rc.Steps)))

	var (
		reqs    []dose.Request
		indexes []int
	)
	for i, step := range rc.Steps {
		req, skip, err := r.request(rc, step)
		if err == nil && req.Mode() == dose.ModeWeight {
			err = dose.ErrNotCoordinated
		}
		if err != nil {
			return result, fmt.Errorf("%w: %d (%s): %w", ErrStepFailed, i+1, step.Axis, err)
		}
		if skip {
			continue
		}
		reqs = append(reqs, req)
		indexes = append(indexes, i)
	}
	if len(reqs) == 0 {
		r.logger.Info("Recipe has nothing to dose", zap.String("recipe", rc.Name))
		return result, nil
	}

	plans, err := r.doser.StartSimultaneous(ctx, reqs)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrStepFailed, err)
	}

	var failed error
	for k, plan := range plans {
		sr := StepResult{Index: indexes[k], Axis: plan.Axis, Plan: plan}
		sr.Snapshot, err = r.doser.Wait(ctx, plan.Axis, plan.SessionID)
		if err != nil && failed == nil {
			failed = fmt.Errorf("%w: %d (%s): %w", ErrStepFailed, sr.Index+1, plan.Axis, err)
		}
		result.Steps = append(result.Steps, sr)
		if r.progress != nil {
			r.progress(sr)
		}
	}
	if failed != nil {
		r.logger.Error("Recipe failed", zap.String("recipe", rc.Name), zap.Error(failed))
		return result, failed
	}

	r.logger.Info("Recipe complete", zap.String("recipe", rc.Name))
	return result, nil
}

func (r *Runner) runStep(ctx context.Context, i int, rc config.RecipeConfig, step config.RecipeStep) (StepResult, error) {
	req, skip, err := r.request(rc, step)
	if err != nil {
		return StepResult{}, err
	}
	sr := StepResult{Index: i, Axis: req.Axis}

	if skip {
		sr.Skipped = true
		r.logger.Debug("Skipping empty step", zap.Int("step", i+1), zap.String("axis", string(req.Axis)))
		return sr, nil
	}

	sr.Plan, err = r.doser.StartDose(ctx, req)
	if err != nil {
		return sr, err
	}

	sr.Snapshot, err = r.doser.Wait(ctx, req.Axis, sr.Plan.SessionID)
	if err != nil {
		return sr, err
	}

	r.logger.Info("Step complete",
		zap.Int("step", i+1),
		zap.String("axis", string(req.Axis)),
		zap.Float64("dispensed", sr.Snapshot.Dispensed))
	return sr, nil
}

// request builds the dose request of step. Steps without an amount are
// reported as skipped.
func (r *Runner) request(rc config.RecipeConfig, step config.RecipeStep) (dose.Request, bool, error) {
	axis, err := motor.ParseAxis(step.Axis)
	if err != nil {
		return dose.Request{}, false, err
	}
	if step.VolumeMl == 0 && step.WeightG == 0 {
		return dose.Request{Axis: axis}, true, nil
	}

	pump, ok := r.pumps[axis]
	if !ok {
		return dose.Request{Axis: axis}, false, fmt.Errorf("%w %s", ErrNoPump, axis)
	}
	flowRate := rc.FlowRateMlPerMin
	if flowRate <= 0 {
		flowRate = pump.FlowRateMlPerMin
	}

	return dose.Request{
		Axis:               axis,
		TargetVolumeMl:     step.VolumeMl,
		TargetWeightG:      step.WeightG,
		FlowRateMlPerMin:   flowRate,
		CalibrationMlPerMm: pump.CalibrationMlPerMm,
	}, false, nil
}
