package session

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
)

// The agent ends its final step with either a marker block:
//
//	CONCLUSION
//	OUTCOME: CONFIRMED|RULED_OUT
//	CONFIDENCE: HIGH|MEDIUM|LOW
//	EVIDENCE: <text>
//	KEY_METRICS: a; b; c
//
// or a JSON object with outcome, confidence, evidence and key_metrics.

var (
	markerLine = regexp.MustCompile(`(?im)^[\s#*>_-]*CONCLUSION[\s*_:]*$`)
	fieldLine  = regexp.MustCompile(`(?i)^[\s*_-]*(OUTCOME|CONFIDENCE|EVIDENCE|KEY[_ ]METRICS)[\s*_]*:[\s*_]*(.*)$`)
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

func forcedEvidence(turns int) string {
	return fmt.Sprintf(forcedEvidenceFormat, turns)
}

// ParseConclusion extracts the agent's verdict from text. It reports false
// when no well-formed conclusion is present.
func ParseConclusion(text string) (*Outcome, bool) {
	if o, ok := parseMarker(text); ok {
		return o, true
	}
	return parseJSON(text)
}

func parseMarker(text string) (*Outcome, bool) {
	locs := markerLine.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil, false
	}
	body := text[locs[len(locs)-1][1]:]

	fields := map[string]string{}
	var metrics []string
	current := ""
	for _, line := range strings.Split(body, "\n") {
		if m := fieldLine.FindStringSubmatch(line); m != nil {
			current = strings.ToUpper(strings.ReplaceAll(m[1], " ", "_"))
			value := strings.TrimRight(strings.TrimSpace(m[2]), "*_ ")
			fields[current] = value
			if current == "KEY_METRICS" && value != "" {
				metrics = append(metrics, splitMetrics(value)...)
			}
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || current == "" {
			continue
		}
		switch current {
		case "EVIDENCE":
			fields[current] = strings.TrimSpace(fields[current] + " " + trimmed)
		case "KEY_METRICS":
			metrics = append(metrics, splitMetrics(strings.TrimLeft(trimmed, "-*• "))...)
		}
	}

	return build(fields["OUTCOME"], fields["CONFIDENCE"], fields["EVIDENCE"], metrics)
}

func parseJSON(text string) (*Outcome, bool) {
	var candidates []string
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.LastIndex(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		// Walk back to the outermost object ending at the last brace.
		for i := start; i >= 0; i = strings.LastIndex(text[:i], "{") {
			candidates = append(candidates, text[i:end+1])
			if i == 0 {
				break
			}
		}
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		var raw struct {
			Outcome    string   `json:"outcome"`
			Confidence string   `json:"confidence"`
			Evidence   string   `json:"evidence"`
			KeyMetrics []string `json:"key_metrics"`
		}
		if err := json.Unmarshal([]byte(candidates[i]), &raw); err != nil {
			continue
		}
		if o, ok := build(raw.Outcome, raw.Confidence, raw.Evidence, raw.KeyMetrics); ok {
			return o, true
		}
	}
	return nil, false
}

func build(outcome, confidence, evidence string, metrics []string) (*Outcome, bool) {
	status := hypothesis.Status(normalizeToken(outcome))
	if status != hypothesis.StatusConfirmed && status != hypothesis.StatusRuledOut {
		return nil, false
	}
	conf := Confidence(normalizeToken(confidence))
	if !conf.Valid() {
		return nil, false
	}
	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		return nil, false
	}

	clean := make([]string, 0, len(metrics))
	for _, m := range metrics {
		if m = strings.TrimSpace(m); m != "" {
			clean = append(clean, m)
		}
	}
	return &Outcome{Outcome: status, Confidence: conf, Evidence: evidence, KeyMetrics: clean}, true
}

func normalizeToken(s string) string {
	s = strings.ToUpper(strings.Trim(strings.TrimSpace(s), "*_`\"'."))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func splitMetrics(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
