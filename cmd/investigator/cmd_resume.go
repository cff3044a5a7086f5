package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCmd(a *app) *cobra.Command {
	var ctxFlags contextFlags

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue an interrupted run",
		Long: "Resets any hypothesis left INVESTIGATING back to PENDING, recovers findings\n" +
			"from session summaries and investigates what is still pending.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			o, err := a.orchestrator(ctxFlags.memoryContext())
			if err != nil {
				return err
			}
			a.watchConfig(ctx)

			fmt.Fprintf(a.stdout, "Resuming run %s\n", args[0])
			res, err := o.Resume(ctx, args[0])
			printResult(a, res, ctxFlags.memoryContext())
			return err
		},
	}
	ctxFlags.register(cmd)
	return cmd
}
