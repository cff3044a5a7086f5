package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kubilitics/kubilitics-investigator/internal/agent"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

const (
	mdTimestamp   = "2006-01-02 15:04:05"
	fileTimestamp = "20060102T150405"
)

// logWriter owns the markdown log and JSON summary of one session.
type logWriter struct {
	summary *Log
	clock   func() time.Time
}

func newLogWriter(logsDir, hypothesisID string, start time.Time, clock func() time.Time) (*logWriter, error) {
	base := fmt.Sprintf("session_%s_%s", hypothesisID, start.Format(fileTimestamp))
	w := &logWriter{
		summary: &Log{
			HypothesisID:     hypothesisID,
			StartTime:        start,
			Outcome:          ForcedOutcome(0).Outcome,
			KeyFindings:      []string{},
			ScriptsCreated:   []string{},
			ArtifactsCreated: []string{},
			SummaryPath:      filepath.Join(logsDir, base+".json"),
			MarkdownPath:     filepath.Join(logsDir, base+".md"),
		},
		clock: clock,
	}

	header := fmt.Sprintf("# Session Log: %s\n\n**Started**: %s\n\n---\n\n", hypothesisID, start.Format(time.RFC3339))
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create logs dir: %v", ErrStorage, err)
	}
	if err := os.WriteFile(w.summary.MarkdownPath, []byte(header), 0o644); err != nil {
		return nil, fmt.Errorf("%w: create markdown log: %v", ErrStorage, err)
	}
	if err := w.writeSummary(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *logWriter) appendMarkdown(text string) error {
	f, err := os.OpenFile(w.summary.MarkdownPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open markdown log: %v", ErrStorage, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("%w: append markdown log: %v", ErrStorage, err)
	}
	return nil
}

func (w *logWriter) writeSummary() error {
	if err := workspace.WriteJSONAtomic(w.summary.SummaryPath, w.summary); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// recordStep appends one step block and rewrites the summary counters.
func (w *logWriter) recordStep(number, maxTurns int, step *agent.StepEvent, usage agent.Usage) error {
	title := strings.TrimSpace(firstLine(step.Action))
	if title == "" {
		title = "respond"
	}
	decision := step.Decision
	if decision == "" {
		decision = "continue"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] Step %d: %s\n\n", w.clock().UTC().Format(mdTimestamp), number, truncate(title, 120))
	fmt.Fprintf(&b, "**What I did**: %s\n\n", orDash(truncate(step.Action, MaxStepText)))
	fmt.Fprintf(&b, "**What I found**: %s\n\n", orDash(truncate(step.Observation, MaxStepText)))
	fmt.Fprintf(&b, "**My interpretation**: %s\n\n", orDash(truncate(step.LogEntry, MaxStepText)))
	fmt.Fprintf(&b, "**Decision**: %s\n\n", decision)
	fmt.Fprintf(&b, "**Reasoning**: %s\n\n", reasoning(step, maxTurns))
	b.WriteString("---\n\n")
	if err := w.appendMarkdown(b.String()); err != nil {
		return err
	}

	w.summary.Turns++
	w.summary.TotalTokens = usage.TotalTokens
	w.summary.CostUSD = usage.CostUSD
	w.summary.ScriptsCreated = appendUnique(w.summary.ScriptsCreated, step.Scripts...)
	w.summary.ArtifactsCreated = appendUnique(w.summary.ArtifactsCreated, step.Artifacts...)
	return w.writeSummary()
}

// recordRetry notes a failed attempt in the markdown log and resets the
// turn counter for the next attempt. Usage keeps accumulating.
func (w *logWriter) recordRetry(attempt int, cause error, wait time.Duration) error {
	text := fmt.Sprintf("## [%s] Retry %d\n\n**Reason**: %s\n\n**Backoff**: %s\n\n---\n\n",
		w.clock().UTC().Format(mdTimestamp), attempt, truncate(cause.Error(), MaxStepText), wait)
	if err := w.appendMarkdown(text); err != nil {
		return err
	}
	w.summary.Turns = 0
	return w.writeSummary()
}

// finalize writes the conclusion block and the closing summary.
func (w *logWriter) finalize(outcome *Outcome, usage agent.Usage) error {
	end := w.clock().UTC()

	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] Conclusion\n\n", end.Format(mdTimestamp))
	fmt.Fprintf(&b, "**OUTCOME**: %s\n\n", outcome.Outcome)
	fmt.Fprintf(&b, "**EVIDENCE**: %s\n\n", outcome.Evidence)
	fmt.Fprintf(&b, "**CONFIDENCE**: %s\n\n", outcome.Confidence)
	b.WriteString("**KEY METRICS**:\n")
	for _, m := range outcome.KeyMetrics {
		fmt.Fprintf(&b, "- %s\n", m)
	}
	b.WriteString("\n---\n*Session completed*\n")
	if err := w.appendMarkdown(b.String()); err != nil {
		return err
	}

	w.summary.EndTime = &end
	w.summary.Outcome = outcome.Outcome
	w.summary.Confidence = outcome.Confidence
	w.summary.Evidence = outcome.Evidence
	w.summary.TotalTokens = usage.TotalTokens
	w.summary.CostUSD = usage.CostUSD
	w.summary.KeyFindings = append([]string{}, outcome.KeyMetrics...)
	return w.writeSummary()
}

// LatestSummary returns the newest session summary for hypothesisID in
// logsDir. It reports false when none exists.
func LatestSummary(logsDir, hypothesisID string) (*Log, bool, error) {
	matches, err := filepath.Glob(filepath.Join(logsDir, fmt.Sprintf("session_%s_*.json", hypothesisID)))
	if err != nil {
		return nil, false, fmt.Errorf("glob session logs: %w", err)
	}
	// Another hypothesis id may share the prefix (H1 vs H1_b); keep exact matches.
	prefix := fmt.Sprintf("session_%s_", hypothesisID)
	var exact []string
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), ".json")
		if _, err := time.Parse(fileTimestamp, stamp); err == nil {
			exact = append(exact, m)
		}
	}
	if len(exact) == 0 {
		return nil, false, nil
	}
	sort.Strings(exact)
	latest := exact[len(exact)-1]

	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, false, fmt.Errorf("read session summary: %w", err)
	}
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, false, fmt.Errorf("parse session summary: %w", err)
	}
	log.SummaryPath = latest
	log.MarkdownPath = strings.TrimSuffix(latest, ".json") + ".md"
	return &log, true, nil
}

var reasoningLine = regexp.MustCompile(`(?im)^\W*reasoning\W*:\s*(.+)$`)

func reasoning(step *agent.StepEvent, maxTurns int) string {
	if m := reasoningLine.FindStringSubmatch(step.LogEntry); m != nil {
		return truncate(strings.TrimSpace(m[1]), MaxStepText)
	}
	return fmt.Sprintf("Turn %d of %d", step.Turn, maxTurns)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	// Keep the cut on a rune boundary.
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, existing := range list {
			if existing == it {
				found = true
				break
			}
		}
		if !found {
			list = append(list, it)
		}
	}
	return list
}
