package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/itohio/godoser/pkg/motor"
	"github.com/itohio/godoser/pkg/transport"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPortsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ports, err := transport.Ports()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tUSB\tDESCRIPTION")
			for _, p := range ports {
				usb := "-"
				if p.USB {
					usb = p.VID + ":" + p.PID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, usb, p.Description)
			}
			return w.Flush()
		}),
	}
}

func newConfigCmd(a *app) *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			if write {
				if err := a.cfg.Save(a.configPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration written to", a.configPath)
				return nil
			}
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}),
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "write the configuration to the --config file")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the motor controller state and axis positions",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ch, err := a.openMotor()
			if err != nil {
				return err
			}
			st, err := ch.QueryStatus(cmd.Context(), a.cfg.Motor.StatusTimeout)
			if err != nil {
				return err
			}

			state := st.State.String()
			if st.SubState != "" {
				state += ":" + st.SubState
			}
			fmt.Fprintf(cmd.OutOrStdout(), "State: %s\n", state)
			for _, axis := range motor.Axes {
				if pos, ok := st.Position(axis); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %.3f mm\n", axis, pos)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Feed: %g mm/min\n", st.Feed)
			return nil
		}),
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Soft-reset and unlock the motor controller",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ch, err := a.openMotor()
			if err != nil {
				return err
			}
			if err := ch.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Controller reset")
			return nil
		}),
	}
}

func newHomeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Run the homing cycle",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ch, err := a.openMotor()
			if err != nil {
				return err
			}
			if err := ch.Home(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Homed")
			return nil
		}),
	}
}

func newInfoCmd(a *app) *cobra.Command {
	var settings bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print controller build information",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ch, err := a.openMotor()
			if err != nil {
				return err
			}

			lines, err := ch.Info(cmd.Context())
			if err != nil {
				return err
			}
			if settings {
				more, err := ch.Settings(cmd.Context())
				if err != nil {
					return err
				}
				lines = append(lines, more...)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&settings, "settings", "s", false, "also print the $$ settings")
	return cmd
}
