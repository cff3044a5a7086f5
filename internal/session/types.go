package session

import (
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-investigator/internal/agent"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
)

const (
	DefaultMaxTurns     = 10
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 2 * time.Second

	// MaxStepText bounds each text field of a markdown step block.
	MaxStepText = 500

	PermissionUnattended = "unattended"
	PermissionConfirm    = "confirm"
)

// Evidence texts of synthesized outcomes.
const (
	EvidenceCouldNotComplete = "investigation could not complete"
	forcedEvidenceFormat     = "investigation ended without a conclusion after %d turns (forced termination)"
)

// ErrStorage wraps failures writing session logs. The orchestrator treats it
// as fatal to the run.
var ErrStorage = errors.New("session storage failure")

// Confidence grades an outcome.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Valid reports whether c is a known confidence.
func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// Config governs one session.
type Config struct {
	MaxTurns            int
	AllowedCapabilities []agent.Capability
	ModelIdentifier     string

	// PermissionMode is accepted for compatibility; sessions always run
	// unattended.
	PermissionMode string

	// MaxRetries is the number of extra attempts after a transport failure.
	MaxRetries int

	// RetryBackoff is the linear backoff unit: attempt n waits n×RetryBackoff.
	RetryBackoff time.Duration
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		MaxTurns:            DefaultMaxTurns,
		AllowedCapabilities: append([]agent.Capability(nil), agent.AllCapabilities...),
		PermissionMode:      PermissionUnattended,
		MaxRetries:          DefaultMaxRetries,
		RetryBackoff:        DefaultRetryBackoff,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if len(c.AllowedCapabilities) == 0 {
		c.AllowedCapabilities = d.AllowedCapabilities
	}
	if c.PermissionMode == "" {
		c.PermissionMode = d.PermissionMode
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Outcome is the terminal verdict of a session.
type Outcome struct {
	Outcome    hypothesis.Status `json:"outcome"`
	Confidence Confidence        `json:"confidence"`
	Evidence   string            `json:"evidence"`
	KeyMetrics []string          `json:"key_metrics"`

	// Forced marks outcomes synthesized by the runner rather than concluded
	// by the agent.
	Forced bool `json:"forced,omitempty"`
}

// ForcedOutcome is the verdict of a session that ran out of turns, or ended
// with a malformed conclusion.
func ForcedOutcome(turns int) *Outcome {
	return &Outcome{
		Outcome:    hypothesis.StatusRuledOut,
		Confidence: ConfidenceLow,
		Evidence:   forcedEvidence(turns),
		KeyMetrics: []string{},
		Forced:     true,
	}
}

// FailedOutcome is the verdict of a session that could not complete.
func FailedOutcome() *Outcome {
	return &Outcome{
		Outcome:    hypothesis.StatusRuledOut,
		Confidence: ConfidenceLow,
		Evidence:   EvidenceCouldNotComplete,
		KeyMetrics: []string{},
		Forced:     true,
	}
}

// Log is the structured summary of one session, persisted as JSON next to
// the markdown log.
type Log struct {
	HypothesisID     string            `json:"hypothesis_id"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	Outcome          hypothesis.Status `json:"outcome"`
	Confidence       Confidence        `json:"confidence,omitempty"`
	Evidence         string            `json:"evidence,omitempty"`
	Turns            int               `json:"turns"`
	TotalTokens      int               `json:"total_tokens"`
	CostUSD          float64           `json:"cost_usd"`
	KeyFindings      []string          `json:"key_findings"`
	ScriptsCreated   []string          `json:"scripts_created"`
	ArtifactsCreated []string          `json:"artifacts_created"`

	// SummaryPath and MarkdownPath locate the two log files.
	SummaryPath  string `json:"-"`
	MarkdownPath string `json:"-"`
}
