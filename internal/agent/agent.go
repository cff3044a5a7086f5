// Package agent defines the iterative agent capability a session drives: a
// single call that takes a prompt and returns a stream of step events.
//
// Implementations:
//   - llmagent.Agent: provider tool loop over the workspace tools
//   - Scripted: deterministic replay for tests and dry runs
package agent

import (
	"context"
	"errors"
	"fmt"
)

// Capability names a class of action the agent may take in its workspace.
type Capability string

const (
	CapReadFile     Capability = "read-file"
	CapWriteFile    Capability = "write-file"
	CapExecuteShell Capability = "execute-shell"
	CapListFiles    Capability = "list-files"
)

// AllCapabilities is the full capability set in canonical order.
var AllCapabilities = []Capability{CapReadFile, CapWriteFile, CapExecuteShell, CapListFiles}

// ParseCapabilities converts configuration strings into capabilities.
func ParseCapabilities(names []string) ([]Capability, error) {
	out := make([]Capability, 0, len(names))
	for _, n := range names {
		c := Capability(n)
		switch c {
		case CapReadFile, CapWriteFile, CapExecuteShell, CapListFiles:
			out = append(out, c)
		default:
			return nil, fmt.Errorf("unknown capability %q", n)
		}
	}
	return out, nil
}

// Request is one call into the agent capability.
type Request struct {
	// SessionID identifies the call for usage accounting.
	SessionID string

	// System is the working-method instruction.
	System string

	// Prompt carries the hypothesis and the data files to test it against.
	Prompt string

	AllowedCapabilities []Capability

	// Cwd is the working directory every relative path resolves against.
	Cwd string

	// ScriptsDir and ArtifactsDir classify files the agent writes.
	ScriptsDir   string
	ArtifactsDir string

	MaxTurns int
	Model    string
}

// Allows reports whether the request grants c.
func (r Request) Allows(c Capability) bool {
	for _, a := range r.AllowedCapabilities {
		if a == c {
			return true
		}
	}
	return false
}

// Usage is the resource consumption of one step.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// StepEvent is one reasoning/tool-use iteration reported by the agent.
type StepEvent struct {
	// Turn is 1-based.
	Turn int

	// Action summarizes what the agent did (tool calls, or "respond").
	Action string

	// Observation is what the action returned: command output or file content.
	Observation string

	// LogEntry is the agent's own narration of the step. The final step's
	// entry carries the conclusion block.
	LogEntry string

	// Decision is continue, pivot or conclude when the agent states one.
	Decision string

	Usage Usage

	// Scripts and Artifacts are files written during this step, relative to Cwd.
	Scripts   []string
	Artifacts []string
}

// Event is one element of the agent stream. Exactly one field is set.
type Event struct {
	Step *StepEvent
	Err  error
}

// Agent is the iterative agent capability.
type Agent interface {
	// Run starts the agent. The returned channel is closed when the stream
	// ends; a terminal failure arrives as the last Event with Err set.
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

// ErrTransport marks a failure reaching the agent's backing model that is
// worth retrying.
var ErrTransport = errors.New("agent transport failure")

// TransportError wraps a retryable failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("agent transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
