package types

import "context"

// ToolExecutor is the bridge between the LLM (which decides what to call) and
// the workspace (where the tool actually runs).
type ToolExecutor interface {
	// Execute runs a named tool with the given arguments and returns the result.
	// The result is a string that will be fed back to the LLM as the tool output.
	// Implementations must be safe for concurrent execution (parallel tool calls).
	Execute(ctx context.Context, toolName string, args map[string]interface{}) (string, error)
}

// ToolEvent describes one tool call lifecycle notification inside a turn.
type ToolEvent struct {
	// Phase is the lifecycle phase: "calling" | "result" | "error"
	Phase string `json:"phase"`
	// CallID is the LLM-assigned ID for this specific tool call.
	CallID string `json:"call_id"`
	// ToolName is the name of the tool being called.
	ToolName string `json:"tool_name"`
	// Args are the arguments the LLM passed to the tool.
	Args map[string]interface{} `json:"args,omitempty"`
	// Result is the tool output (set when Phase == "result").
	Result string `json:"result,omitempty"`
	// Error is the error message (set when Phase == "error").
	Error string `json:"error,omitempty"`
	// TurnIndex is which agentic turn this tool call belongs to (0-based).
	TurnIndex int `json:"turn_index"`
}

// TurnSummary is emitted once per completed LLM turn.
type TurnSummary struct {
	// TurnIndex is the 0-based turn number.
	TurnIndex int
	// Text is the assistant text produced during the turn.
	Text string
	// ToolCalls is the number of tool calls the turn requested.
	ToolCalls int
	// Usage is the provider-reported usage for this turn.
	Usage TokenUsage
	// Final is true when the turn requested no tools and ends the loop.
	Final bool
}

// AgentConfig controls the agentic loop behaviour.
type AgentConfig struct {
	// MaxTurns caps the number of LLM→tool→LLM rounds (default 10).
	// Prevents infinite loops if the LLM keeps calling tools.
	MaxTurns int
	// ParallelTools enables concurrent execution of multiple tool calls
	// returned in a single LLM response.
	ParallelTools bool
}

// DefaultAgentConfig returns safe production defaults.
// Tools run sequentially because investigation steps write scripts and then
// execute them within the same turn.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxTurns:      10,
		ParallelTools: false,
	}
}

// AgentStreamEvent is a union of text tokens, tool events and turn summaries,
// sent on a single channel during the agentic loop.
type AgentStreamEvent struct {
	// TextToken is set when this event carries a streamed text token.
	TextToken string
	// ToolEvent is set when this event carries a tool lifecycle notification.
	ToolEvent *ToolEvent
	// Turn is set when a turn has finished.
	Turn *TurnSummary
	// Done signals the end of the agentic loop.
	Done bool
	// Err carries any terminal error from the agentic loop.
	Err error
}
