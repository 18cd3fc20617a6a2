package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent doses from the journal",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			db, err := a.openHistory()
			if err != nil {
				return err
			}
			if db == nil {
				return errors.New("no journal configured, set journal.path or DOSER_JOURNAL_PATH")
			}

			records, err := db.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tAXIS\tMODE\tTARGET\tDISPENSED\tSTATE\tREASON")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%s\t%s\n",
					r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
					r.Axis, r.Mode, r.Target, r.Dispensed, r.State, r.Reason)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of doses to show")
	return cmd
}
