package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/memory"
	"github.com/kubilitics/kubilitics-investigator/internal/orchestrator"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

type contextFlags struct {
	targetMetric     string
	metricDefinition string
	businessContext  string
}

func (f *contextFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.targetMetric, "target-metric", "", "metric under investigation, for the memory document")
	fl.StringVar(&f.metricDefinition, "metric-definition", "", "how the target metric is computed")
	fl.StringVar(&f.businessContext, "business-context", "", "free-form business context")
}

func (f *contextFlags) memoryContext() memory.Context {
	return memory.Context{
		TargetMetric:     f.targetMetric,
		MetricDefinition: f.metricDefinition,
		BusinessContext:  f.businessContext,
	}
}

func newRunCmd(a *app) *cobra.Command {
	var (
		hypothesesPath string
		dataPath       string
		runID          string
		ctxFlags       contextFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new investigation run",
		Long: "Reads the hypothesis list, imports the data files into a fresh workspace and\n" +
			"investigates every hypothesis in priority order.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			hs, err := hypothesis.ReadInput(hypothesesPath)
			if err != nil {
				return err
			}
			if runID == "" {
				runID = newRunID(time.Now())
			}
			ws, err := workspace.New(a.cfg.Workspace.Root, runID)
			if err != nil {
				return err
			}
			if _, err := os.Stat(ws.HypothesesPath()); err == nil {
				return fmt.Errorf("%w: %s", orchestrator.ErrRunExists, runID)
			}
			if dataPath != "" {
				n, err := ws.ImportFiles(dataPath)
				if err != nil {
					return err
				}
				a.logger.Info("imported data files", zap.String("run_id", runID), zap.Int("files", n))
			}

			o, err := a.orchestrator(ctxFlags.memoryContext())
			if err != nil {
				return err
			}
			a.watchConfig(ctx)

			fmt.Fprintf(a.stdout, "Run %s: investigating %d hypotheses in %s\n", runID, len(hs), ws.Dir)
			res, err := o.Run(ctx, runID, hs)
			printResult(a, res, ctxFlags.memoryContext())
			return err
		},
	}

	cmd.Flags().StringVarP(&hypothesesPath, "hypotheses", "f", "", "hypothesis list (.json, .yaml or .yml)")
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "file or directory of data files to import")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (generated when empty)")
	ctxFlags.register(cmd)
	_ = cmd.MarkFlagRequired("hypotheses")
	return cmd
}

// newRunID returns a sortable, unique run id.
func newRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}
