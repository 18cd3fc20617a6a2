package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "doser",
		Short: "doser drives peristaltic pumps on a FluidNC controller to dose by volume or weight",
		Long: `doser controls up to four peristaltic pumps connected to the X, Y, Z and A
axes of a FluidNC motor controller. Doses are either open-loop by volume, or
closed-loop by weight read from an RS232 scale.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "config.yaml", "configuration file path")
	flags.StringVar(&a.envFile, "env", "", "dotenv file with DOSER_* overrides (default .env)")
	flags.BoolVar(&a.mock, "mock", false, "use simulated hardware instead of serial ports")
	flags.StringVar(&a.motorPort, "motor-port", "", "motor controller serial port override")
	flags.StringVar(&a.scalePort, "scale-port", "", "scale serial port override")

	root.AddCommand(
		newPortsCmd(a),
		newConfigCmd(a),
		newWeighCmd(a),
		newStatusCmd(a),
		newResetCmd(a),
		newHomeCmd(a),
		newInfoCmd(a),
		newDoseCmd(a),
		newRecipeCmd(a),
		newHistoryCmd(a),
	)

	return root
}

// run wraps a command so that everything it opened is closed afterwards.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.close()
		return fn(cmd, args)
	}
}
