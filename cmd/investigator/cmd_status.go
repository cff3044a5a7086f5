package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-investigator/internal/findings"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/orchestrator"
	"github.com/kubilitics/kubilitics-investigator/internal/progress"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		tail   int
	)

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show hypotheses, findings and recent progress of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			defer a.close()

			ws, err := workspace.New(a.cfg.Workspace.Root, args[0])
			if err != nil {
				return err
			}
			hs, err := hypothesis.NewLedger(ws.HypothesesPath(), a.logger).Load()
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, args[0])
			}
			if err != nil {
				return err
			}
			ledger, err := findings.Read(ws.FindingsPath())
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"run_id":     ws.RunID,
					"hypotheses": hs,
					"findings":   ledger,
				})
			}

			entries, err := progress.Read(ws.ProgressPath())
			if err != nil {
				return err
			}
			printStatus(a.stdout, ws, hs, ledger, entries, tail)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the ledgers as JSON")
	cmd.Flags().IntVar(&tail, "tail", 5, "number of progress lines to show")
	return cmd
}
