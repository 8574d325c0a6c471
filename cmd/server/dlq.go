package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered tasks",
	}

	var offset, limit int
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlane(cmd.Context(), opts.cfg, opts.cfg.NATS.URL, opts.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			letters, err := p.coordinator().ListDeadLetters(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(letters)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tTYPE\tREASON\tCREATED\tREPROCESSED AS")
			for _, dl := range letters {
				taskType := ""
				if dl.Task != nil {
					taskType = dl.Task.Type
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					dl.ID, dl.TaskID, taskType, dl.Reason,
					dl.CreatedAt.Format(time.RFC3339), dl.ReprocessedAs)
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&offset, "offset", 0, "skip this many entries")
	list.Flags().IntVar(&limit, "limit", 50, "show at most this many entries")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	reprocess := &cobra.Command{
		Use:   "reprocess <dead-letter-id>",
		Short: "Submit a dead-lettered task again as a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlane(cmd.Context(), opts.cfg, opts.cfg.NATS.URL, opts.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			task, err := p.coordinator().ReprocessDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reprocessed %s as task %s (%s)\n", args[0], task.ID, task.Status)
			return nil
		},
	}

	cmd.AddCommand(list, reprocess)
	return cmd
}
