package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/kubilitics/kubilitics-investigator/internal/findings"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/memory"
	"github.com/kubilitics/kubilitics-investigator/internal/orchestrator"
	"github.com/kubilitics/kubilitics-investigator/internal/progress"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

func printResult(a *app, res *orchestrator.Result, mc memory.Context) {
	if res == nil {
		return
	}
	out := a.stdout
	fmt.Fprintf(out, "Run %s: %s after %s (%d sessions)\n", res.RunID, res.State, res.Duration.Round(time.Second), res.Sessions)
	if res.Ledger != nil {
		s := res.Ledger.Summary
		fmt.Fprintf(out, "  confirmed: %d  ruled out: %d  pending: %d\n", s.Confirmed, s.RuledOut, s.Pending)
	}
	if res.State == orchestrator.StateDone {
		fmt.Fprintf(out, "  %s\n", memory.Summary(mc.TargetMetric, res.Hypotheses))
		fmt.Fprintf(out, "  findings: %s\n", res.Workspace.FindingsPath())
		fmt.Fprintf(out, "  memory:   %s\n", res.Workspace.MemoryPath())
	}
	if a.tracker != nil {
		if sum := a.tracker.Summary(); sum.TotalTokens > 0 {
			fmt.Fprintf(out, "  usage:    %d tokens, $%.4f\n", sum.TotalTokens, sum.TotalCostUSD)
		}
	}
}

func printStatus(out io.Writer, ws *workspace.Workspace, hs []hypothesis.Hypothesis, ledger *findings.Ledger, entries []progress.Entry, tail int) {
	fmt.Fprintf(out, "Run:       %s\n", ws.RunID)
	fmt.Fprintf(out, "Directory: %s\n", ws.Dir)
	if ledger != nil {
		s := ledger.Summary
		fmt.Fprintf(out, "Summary:   %d hypotheses, %d confirmed, %d ruled out, %d pending\n",
			s.TotalHypotheses, s.Confirmed, s.RuledOut, s.Pending)
		if ledger.FinalizedAt != nil {
			fmt.Fprintf(out, "Finalized: %s\n", ledger.FinalizedAt.Format(time.RFC3339))
		}
	}

	fmt.Fprintln(out, "\nHypotheses:")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tPRIORITY\tSTATUS\tCONFIDENCE\tTITLE")
	for _, h := range hs {
		confidence := "-"
		if ledger != nil {
			for _, f := range ledger.Findings {
				if f.HypothesisID == h.ID {
					confidence = f.Confidence
				}
			}
		}
		fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\t%s\n", h.ID, h.Priority, h.Status, confidence, h.Title)
	}
	_ = tw.Flush()

	if len(entries) == 0 || tail <= 0 {
		return
	}
	fmt.Fprintln(out, "\nRecent progress:")
	if len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, e := range entries {
		fmt.Fprintf(out, "  [%s] %s\n", e.Time.Format("2006-01-02 15:04:05"), e.Message)
	}
}
