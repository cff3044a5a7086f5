package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-investigator/internal/api"
)

func newServeCmd(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run status, findings and the live progress stream over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()
			a.watchConfig(ctx)

			if port == 0 {
				port = a.cfg.Server.Port
			}
			opts := api.Options{
				Root:               a.cfg.Workspace.Root,
				AllowedOrigins:     a.cfg.Server.AllowedOrigins,
				RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
				EnableMetrics:      a.cfg.Metrics.Enabled,
				Logger:             a.logger,
			}
			if a.store != nil {
				opts.Index = a.store
			}
			fmt.Fprintf(a.stdout, "Serving %s on :%d\n", a.cfg.Workspace.Root, port)
			return api.NewServer(fmt.Sprintf(":%d", port), opts).Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (defaults to server.port)")
	return cmd
}
