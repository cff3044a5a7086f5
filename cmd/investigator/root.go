package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	return newRootCommandWithApp(&app{
		stdout:   out,
		stderr:   errOut,
		newAgent: newLLMAgent,
	})
}

func newRootCommandWithApp(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "investigator",
		Short: "Investigate hypotheses about a metric change, one agent session each",
		Long: "investigator takes a prioritized list of hypotheses about why a business metric\n" +
			"moved and investigates them one at a time with an LLM agent working in an\n" +
			"isolated workspace, recording a finding for each.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", envOr("INVESTIGATOR_CONFIG", "investigator.yaml"), "path to the YAML config file")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "mirror the application log to stderr")

	cmd.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newStatusCmd(a),
		newServeCmd(a),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
