// Package memory compiles a finished run into a single markdown document for
// downstream question answering and report generation.
package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/findings"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/orchestrator"
	"github.com/kubilitics/kubilitics-investigator/internal/session"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

// Context describes what was investigated. All fields are optional.
type Context struct {
	TargetMetric     string
	MetricDefinition string
	BusinessContext  string
}

// Compiler writes analysis/memory_document.md when a run finishes.
type Compiler struct {
	context Context
	logger  *zap.Logger
	clock   func() time.Time
}

var _ orchestrator.Finisher = (*Compiler)(nil)

// NewCompiler returns a compiler. logger may be nil.
func NewCompiler(c Context, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{context: c, logger: logger, clock: time.Now}
}

// Finish compiles the document for res and writes it into the workspace.
func (c *Compiler) Finish(ctx context.Context, res *orchestrator.Result) error {
	if res.Workspace == nil {
		return fmt.Errorf("compile memory document: run %s has no workspace", res.RunID)
	}
	doc, err := c.Compile(res.Workspace)
	if err != nil {
		return err
	}
	if err := workspace.WriteFileAtomic(res.Workspace.MemoryPath(), []byte(doc)); err != nil {
		return fmt.Errorf("write memory document: %w", err)
	}
	c.logger.Info("Memory document written",
		zap.String("run_id", res.RunID),
		zap.String("path", res.Workspace.MemoryPath()),
		zap.Int("bytes", len(doc)),
	)
	return nil
}

// Compile renders the memory document of a run from its persisted ledgers
// and session logs. Missing pieces are noted in the document.
func (c *Compiler) Compile(ws *workspace.Workspace) (string, error) {
	hs, err := hypothesis.NewLedger(ws.HypothesesPath(), c.logger).Load()
	if err != nil {
		return "", fmt.Errorf("compile memory document: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("# Investigation Memory Document\n")
	sb.WriteString(fmt.Sprintf("Run ID: %s\n", ws.RunID))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", c.clock().UTC().Format(time.RFC3339)))

	sb.WriteString("## Investigation Context\n\n")
	sb.WriteString(fmt.Sprintf("**Target Metric**: %s\n", orDefault(c.context.TargetMetric, "Unknown")))
	sb.WriteString(fmt.Sprintf("**Metric Definition**: %s\n\n", orDefault(c.context.MetricDefinition, "Not provided")))
	if c.context.BusinessContext != "" {
		sb.WriteString("**Business Context**:\n")
		sb.WriteString(c.context.BusinessContext + "\n\n")
	}

	files, err := ws.DataFiles()
	if err == nil && len(files) > 0 {
		sb.WriteString("## Data Files\n\n")
		for _, f := range files {
			sb.WriteString(fmt.Sprintf("- %s\n", f))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Hypotheses Investigated\n\n")
	for _, h := range hs {
		mark := "✗"
		if h.Status == hypothesis.StatusConfirmed {
			mark = "✓"
		}
		sb.WriteString(fmt.Sprintf("### [%s] %s: %s\n", mark, h.ID, h.Title))
		sb.WriteString(fmt.Sprintf("**Status**: %s\n", h.Status))
		sb.WriteString(fmt.Sprintf("**Causal Story**: %s\n", orDefault(h.CausalStory, "N/A")))
		sb.WriteString(fmt.Sprintf("**Expected Pattern**: %s\n", orDefault(h.ExpectedPattern, "N/A")))
		sb.WriteString(fmt.Sprintf("**Dimensions**: %s\n", strings.Join(h.Dimensions, ", ")))
		if log, ok, err := session.LatestSummary(ws.LogsDir(), h.ID); err == nil && ok {
			sb.WriteString(fmt.Sprintf("**Session**: %d turns, %d tokens, $%.4f\n", log.Turns, log.TotalTokens, log.CostUSD))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Key Findings\n\n")
	ledger, err := findings.Read(ws.FindingsPath())
	if err != nil {
		c.logger.Warn("Failed to read findings ledger", zap.Error(err))
		sb.WriteString("*No findings available*\n\n")
	} else {
		for _, f := range ledger.Findings {
			sb.WriteString(fmt.Sprintf("### Finding %s\n", f.FindingID))
			sb.WriteString(fmt.Sprintf("**Hypothesis**: %s\n", f.HypothesisID))
			sb.WriteString(fmt.Sprintf("**Outcome**: %s\n", f.Outcome))
			sb.WriteString(fmt.Sprintf("**Confidence**: %s\n", f.Confidence))
			sb.WriteString(fmt.Sprintf("**Evidence**: %s\n", orDefault(f.Evidence, "N/A")))
			if len(f.KeyMetrics) > 0 {
				sb.WriteString("**Key Metrics**:\n")
				for _, m := range f.KeyMetrics {
					sb.WriteString(fmt.Sprintf("- %s\n", m))
				}
			}
			sb.WriteString("\n")
		}
		s := ledger.Summary
		sb.WriteString(fmt.Sprintf("**Summary**: %d hypotheses, %d confirmed, %d ruled out, %d pending\n\n",
			s.TotalHypotheses, s.Confirmed, s.RuledOut, s.Pending))
	}

	sb.WriteString("## Investigation Progress\n\n")
	data, err := os.ReadFile(ws.ProgressPath())
	if err != nil || len(data) == 0 {
		sb.WriteString("*No progress log available*\n\n")
	} else {
		sb.WriteString("```\n")
		sb.WriteString(strings.TrimRight(string(data), "\n") + "\n")
		sb.WriteString("```\n\n")
	}

	sb.WriteString("---\n")
	sb.WriteString("*This document is generated for retrieval-based Q&A*\n")
	return sb.String(), nil
}

// Summary is a one-line description of a run's result.
func Summary(targetMetric string, hs []hypothesis.Hypothesis) string {
	metric := orDefault(targetMetric, "Unknown metric")
	var confirmed []hypothesis.Hypothesis
	for _, h := range hs {
		if h.Status == hypothesis.StatusConfirmed {
			confirmed = append(confirmed, h)
		}
	}
	if len(confirmed) == 0 {
		return fmt.Sprintf("Investigation of %s: 0 of %d hypotheses confirmed. No clear explanation found.", metric, len(hs))
	}
	return fmt.Sprintf("Investigation of %s: %d of %d hypotheses confirmed. Top finding: %s",
		metric, len(confirmed), len(hs), confirmed[0].Title)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
