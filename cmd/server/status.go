package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Print coordination metrics, or the status of one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlane(cmd.Context(), opts.cfg, opts.cfg.NATS.URL, opts.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			coord := p.coordinator()
			var out interface{}
			if len(args) == 1 {
				out, err = coord.CheckTaskStatus(cmd.Context(), args[0])
			} else {
				out, err = coord.GetCoordinationMetrics(cmd.Context())
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
