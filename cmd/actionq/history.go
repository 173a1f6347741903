package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"actionq/internal/app"
	"actionq/internal/journal"
	"actionq/internal/queue"
	logx "actionq/pkg/logx"
)

func newHistoryCmd(cfgPath *string) *cobra.Command {
	var (
		limit  int
		flt    journal.Filter
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent task outcomes from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				st, ok := queue.ParseStatus(status)
				if !ok || !st.Terminal() {
					return fmt.Errorf("--status must be success, failed or cancelled, got %q", status)
				}
				flt.Status = string(st)
			}
			st, err := app.OpenJournal(cmd.Context(), *cfgPath, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.Recent(cmd.Context(), limit, flt)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTASK\tACTION\tSTATUS\tATTEMPTS\tDURATION\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					e.At.Local().Format(time.DateTime), e.TaskID, e.Action, e.Status,
					e.Attempts, time.Duration(e.DurationMS)*time.Millisecond, e.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of outcomes to show")
	cmd.Flags().StringVar(&flt.Action, "action", "", "only this action")
	cmd.Flags().StringVar(&status, "status", "", "only this status (success, failed, cancelled)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
