package session

import (
	"fmt"
	"strings"

	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

// SystemInstruction describes the working method and the required
// conclusion format.
func SystemInstruction(maxTurns int) string {
	return fmt.Sprintf(`You are a data analyst testing ONE hypothesis about why a business metric changed between two periods.

Work iteratively, at most %d turns. In every turn:
1. ANALYZE: read data or write and run a short script against the data files.
2. INTERPRET: state what the result means for the hypothesis.
3. DECIDE: continue, pivot to a different cut of the data, or conclude.

End every turn with two lines:
Decision: continue|pivot|conclude
Reasoning: <one sentence>

Write scripts only under the scripts directory and any other output only under the artifacts directory.
Quote concrete numbers. Do not conclude without evidence from the data.

When you conclude, end your final message with exactly this block:

CONCLUSION
OUTCOME: CONFIRMED or RULED_OUT
CONFIDENCE: HIGH, MEDIUM or LOW
EVIDENCE: <one or two sentences with the key numbers>
KEY_METRICS: <metric 1>; <metric 2>; <metric 3>
`, maxTurns)
}

// HypothesisPrompt renders the hypothesis and the workspace it is tested in.
func HypothesisPrompt(h hypothesis.Hypothesis, paths workspace.Paths, dataFiles []string) string {
	rel := func(p string) string {
		if r := relTo(paths.RunDir, p); r != "" {
			return r
		}
		return p
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Hypothesis %s: %s\n\n", h.ID, h.Title)
	if h.CausalStory != "" {
		fmt.Fprintf(&b, "## Causal story\n%s\n\n", h.CausalStory)
	}
	if len(h.Dimensions) > 0 {
		fmt.Fprintf(&b, "## Dimensions to test\n%s\n\n", strings.Join(h.Dimensions, ", "))
	}
	if h.ExpectedPattern != "" {
		fmt.Fprintf(&b, "## Expected pattern if true\n%s\n\n", h.ExpectedPattern)
	}

	b.WriteString("## Data files\n")
	if len(dataFiles) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range dataFiles {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	b.WriteString("\n## Output directories\n")
	fmt.Fprintf(&b, "- scripts: %s\n", rel(paths.ScriptsDir))
	fmt.Fprintf(&b, "- artifacts: %s\n", rel(paths.ArtifactsDir))
	b.WriteString("\nAll paths are relative to the current working directory.\n")
	return b.String()
}
