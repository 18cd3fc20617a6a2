package main

import (
	"fmt"

	"github.com/itohio/godoser/pkg/flow"
	"github.com/itohio/godoser/pkg/scale"
	"github.com/spf13/cobra"
)

func newWeighCmd(a *app) *cobra.Command {
	var (
		count    int
		average  int
		tare     bool
		showFlow bool
	)

	cmd := &cobra.Command{
		Use:   "weigh",
		Short: "Read the scale",
		Long: `Read the scale with the burst protocol. Each reading sends one burst of
weight requests and reports the last weight received in the read window.
A count of 0 reads until interrupted. With --average the moving average of
the last readings is printed instead. With --flow the weight change rate
over the dose flow window is printed next to each reading.`,
		Args: cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			p, err := a.openScale()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if tare {
				if err := p.Tare(ctx); err != nil {
					return err
				}
			}

			var rate float64
			est := flow.New(a.cfg.Dose.FlowWindow)
			est.OnUpdate(func(r float64) { rate = r })

			in := make(chan scale.Sample)
			defer close(in)
			averaged := scale.Average(in, average, 1)

			for i := 0; count <= 0 || i < count; i++ {
				sample, ok, err := p.Poll(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if !ok {
					if err := p.Health(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "no reading")
					continue
				}
				in <- sample
				avg := <-averaged
				if !showFlow {
					printSample(cmd, avg)
					continue
				}
				est.Add(avg)
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %10.2f %s  %8.2f g/min\n",
					avg.Time.Format("15:04:05.000"), avg.Value, avg.Unit, rate)
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of readings, 0 for continuous")
	cmd.Flags().IntVar(&average, "average", 1, "number of readings to average")
	cmd.Flags().BoolVar(&showFlow, "flow", false, "show the weight change rate")
	cmd.Flags().BoolVarP(&tare, "tare", "t", false, "tare the scale first")
	return cmd
}

func printSample(cmd *cobra.Command, s scale.Sample) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %10.2f %s\n", s.Time.Format("15:04:05.000"), s.Value, s.Unit)
}
