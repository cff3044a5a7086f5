package types

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`    // user, assistant, system
	Content string `json:"content"` // message text
}

// Tool represents a tool/function definition that can be called by the LLM
type Tool struct {
	Name        string                 `json:"name"`        // tool name
	Description string                 `json:"description"` // what the tool does
	Parameters  map[string]interface{} `json:"parameters"`  // JSON schema for parameters
}

// ToolCall represents a tool call made by the LLM
type ToolCall struct {
	ID        string                 `json:"id"`        // unique call ID
	Name      string                 `json:"name"`      // tool name
	Arguments map[string]interface{} `json:"arguments"` // tool arguments
}

// TokenUsage tracks token usage and cost
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`     // input tokens
	CompletionTokens int     `json:"completion_tokens"` // output tokens
	TotalTokens      int     `json:"total_tokens"`      // total tokens
	EstimatedCost    float64 `json:"estimated_cost"`    // estimated cost in USD
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		EstimatedCost:    u.EstimatedCost + o.EstimatedCost,
	}
}
