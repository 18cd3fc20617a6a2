package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/dose"
	"github.com/itohio/godoser/pkg/motor"
	"github.com/itohio/godoser/pkg/recipe"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDoseCmd(a *app) *cobra.Command {
	var (
		axis        string
		volume      float64
		weight      float64
		flowRate    float64
		calibration float64
		prime       float64
	)

	cmd := &cobra.Command{
		Use:   "dose",
		Short: "Dispense a volume or weight with one pump",
		Long: `Dispense with the pump on --axis. Either --volume (open loop, ml) or
--weight (closed loop against the scale, g) must be given; without either the
pump's default volume is used. Flow rate and calibration default to the pump
settings. Interrupting a running dose triggers an emergency stop.`,
		Args: cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ax, err := motor.ParseAxis(axis)
			if err != nil {
				return err
			}
			pump, ok := a.cfg.Pump(string(ax))
			if !ok {
				return fmt.Errorf("%w %s", dose.ErrNoPreset, ax)
			}

			req := dose.Request{
				Axis:               ax,
				TargetVolumeMl:     volume,
				TargetWeightG:      weight,
				FlowRateMlPerMin:   pump.FlowRateMlPerMin,
				CalibrationMlPerMm: pump.CalibrationMlPerMm,
				PrimeVolumeMl:      prime,
			}
			if volume == 0 && weight == 0 {
				req.TargetVolumeMl = pump.DefaultVolumeMl
			}
			if cmd.Flags().Changed("flow") {
				req.FlowRateMlPerMin = flowRate
			}
			if cmd.Flags().Changed("calibration") {
				req.CalibrationMlPerMm = calibration
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			d, err := a.doser(ctx, req.Mode() == dose.ModeWeight)
			if err != nil {
				return err
			}
			d.OnChange(progressPrinter(cmd))

			plan, err := d.StartDose(ctx, req)
			if err != nil {
				return err
			}
			printPlan(cmd, pump.Name, plan)

			snap, err := waitOrStop(cmd.Context(), d, ax, plan.SessionID)
			printCommandStats(cmd, a)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Done: %.2f of %.2f %s\n", snap.Dispensed, snap.Target, unit(snap.Mode))
			return nil
		}),
	}

	flags := cmd.Flags()
	flags.StringVarP(&axis, "axis", "a", "X", "pump axis (X, Y, Z or A)")
	flags.Float64VarP(&volume, "volume", "v", 0, "target volume in ml")
	flags.Float64VarP(&weight, "weight", "w", 0, "target weight in g")
	flags.Float64VarP(&flowRate, "flow", "f", 0, "flow rate in ml/min")
	flags.Float64Var(&calibration, "calibration", 0, "pump calibration in ml/mm")
	flags.Float64Var(&prime, "prime", 0, "volume in ml to prime before dosing")
	cmd.MarkFlagsMutuallyExclusive("volume", "weight")
	return cmd
}

func newRecipeCmd(a *app) *cobra.Command {
	var list, together bool

	cmd := &cobra.Command{
		Use:   "recipe [name]",
		Short: "Run a configured recipe",
		Long: `Run the named recipe: its steps are dosed one after another and the
recipe stops at the first step that fails. With --together all volume
steps run as one coordinated move so every pump finishes at the same time.
Without a name, or with --list, the configured recipes are printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			if list || len(args) == 0 {
				printRecipes(cmd, a.cfg.Recipes)
				return nil
			}

			rc, ok := a.cfg.Recipe(args[0])
			if !ok {
				return fmt.Errorf("unknown recipe %q", args[0])
			}
			needScale := false
			for _, step := range rc.Steps {
				if step.WeightG != 0 {
					needScale = true
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			d, err := a.doser(ctx, needScale)
			if err != nil {
				return err
			}

			runner := recipe.NewRunner(d, a.cfg.Pumps, a.logger, recipe.WithProgress(func(s recipe.StepResult) {
				if s.Skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "Step %d (%s): skipped\n", s.Index+1, s.Axis)
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Step %d (%s): %.2f %s\n", s.Index+1, s.Axis, s.Snapshot.Dispensed, unit(s.Snapshot.Mode))
			}))

			// The runner uses its own context so an interrupt can stop the
			// pumps before the recipe unwinds.
			stopped := context.AfterFunc(cmd.Context(), func() {
				if err := d.EmergencyStop(); err != nil {
					a.logger.Error("Emergency stop failed", zap.Error(err))
				}
			})
			defer stopped()

			if together {
				_, err = runner.RunTogether(ctx, rc)
			} else {
				_, err = runner.Run(ctx, rc)
			}
			printCommandStats(cmd, a)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recipe %q complete\n", rc.Name)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list configured recipes")
	cmd.Flags().BoolVarP(&together, "together", "t", false, "dose all volume steps at once")
	return cmd
}

// waitOrStop waits for the session and triggers an emergency stop when
// ctx is cancelled first.
func waitOrStop(ctx context.Context, d *dose.Controller, axis motor.Axis, id string) (dose.Snapshot, error) {
	snap, err := d.Wait(ctx, axis, id)
	if err != nil && ctx.Err() != nil {
		if stopErr := d.EmergencyStop(); stopErr != nil {
			return snap, errors.Join(err, stopErr)
		}
		return snap, fmt.Errorf("dose interrupted: %w", err)
	}
	return snap, err
}

func progressPrinter(cmd *cobra.Command) func(dose.Snapshot) {
	var mu sync.Mutex
	last := dose.StateIdle
	return func(s dose.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.State == last {
			return
		}
		last = s.State
		line := fmt.Sprintf("%s: %s %.2f/%.2f %s", s.Axis, s.State, s.Dispensed, s.Target, unit(s.Mode))
		if s.Reason != "" {
			line += " (" + s.Reason + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}

func printPlan(cmd *cobra.Command, pump string, plan dose.Plan) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s on %s: %s dose at %.1f mm/min (%.2f ml/min)\n",
		pump, plan.Axis, plan.Mode, plan.FeedRateMmPerMin, plan.EffectiveFlowRateMlPerMin)
	if plan.Clamped {
		fmt.Fprintf(cmd.OutOrStdout(), "Flow rate %.2f ml/min exceeds the feed rate limit, clamped to %.2f ml/min\n",
			plan.RequestedFlowRateMlPerMin, plan.EffectiveFlowRateMlPerMin)
	}
}

func printRecipes(cmd *cobra.Command, recipes []config.RecipeConfig) {
	for _, rc := range recipes {
		steps := make([]string, 0, len(rc.Steps))
		for _, s := range rc.Steps {
			switch {
			case s.WeightG != 0:
				steps = append(steps, fmt.Sprintf("%s=%gg", s.Axis, s.WeightG))
			case s.VolumeMl != 0:
				steps = append(steps, fmt.Sprintf("%s=%gml", s.Axis, s.VolumeMl))
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-16s %5.1f ml/min  %s\n", rc.Name, rc.FlowRateMlPerMin, strings.Join(steps, " "))
	}
}

func printCommandStats(cmd *cobra.Command, a *app) {
	st := a.commands.Stats()
	if st.Total == 0 {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Commands: %d sent, %d failed (%.0f%% ok)\n", st.Total, st.Failed, st.SuccessRate)
}

func unit(m dose.Mode) string {
	if m == dose.ModeWeight {
		return "g"
	}
	return "ml"
}
