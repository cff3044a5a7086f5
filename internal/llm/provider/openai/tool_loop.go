package openai

// tool_loop.go: multi-turn agentic tool-calling loop for OpenAI.
//
// Conversation turns for OpenAI's tool-use API:
//
//   Turn N (LLM returns tool calls):
//     choices[0].delta.tool_calls: [{index:0, id:"X", function:{name:"execute_shell", arguments:"{..."}}]
//     finish_reason: "tool_calls"
//
//   → Append to messages:
//     {role:"assistant", tool_calls:[{id:"X", ...}]}
//     {role:"tool",      tool_call_id:"X", content:"<result>"}
//
//   Turn N+1:
//     choices[0].delta.content: "CONCLUSION ..."
//     finish_reason: "stop" → done

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/kubilitics/kubilitics-investigator/internal/llm/types"
)

// ─── OpenAI multi-turn message types ──────────────────────────────────────────

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	Index    *int            `json:"index,omitempty"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"` // always "function"
	Function oaiToolFunction `json:"function"`
}

type oaiToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"` // JSON string
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Tools         []openAITool      `json:"tools,omitempty"`
	MaxTokens     int               `json:"max_tokens"`
	Stream        bool              `json:"stream"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiDelta struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	ToolCalls []oaiToolCall `json:"tool_calls,omitempty"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Index        int      `json:"index"`
		Delta        oaiDelta `json:"delta"`
		FinishReason string   `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// ─── CompleteWithTools ────────────────────────────────────────────────────────

// CompleteWithTools implements the full agentic loop for OpenAI.
func (c *Client) CompleteWithTools(
	ctx context.Context,
	messages []types.Message,
	tools []types.Tool,
	executor types.ToolExecutor,
	cfg types.AgentConfig,
) (<-chan types.AgentStreamEvent, error) {
	if executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = types.DefaultAgentConfig().MaxTurns
	}

	evtCh := make(chan types.AgentStreamEvent, 64)

	go func() {
		defer close(evtCh)
		c.runAgentLoop(ctx, messages, tools, executor, cfg, evtCh)
	}()

	return evtCh, nil
}

func (c *Client) runAgentLoop(
	ctx context.Context,
	messages []types.Message,
	tools []types.Tool,
	executor types.ToolExecutor,
	cfg types.AgentConfig,
	evtCh chan<- types.AgentStreamEvent,
) {
	oaiMsgs := convertMessages(messages)
	oaiTools := convertTools(tools)

	for turn := 0; turn < cfg.MaxTurns; turn++ {
		req := oaiRequest{
			Model:         c.model,
			MaxTokens:     c.maxTokens,
			Messages:      oaiMsgs,
			Tools:         oaiTools,
			Stream:        true,
			StreamOptions: &oaiStreamOptions{IncludeUsage: true},
		}

		text, toolCalls, usage, err := c.streamSingleTurn(ctx, req, evtCh)
		if err != nil {
			emit(ctx, evtCh, types.AgentStreamEvent{Err: fmt.Errorf("LLM turn %d: %w", turn, err)})
			return
		}

		summary := &types.TurnSummary{
			TurnIndex: turn,
			Text:      text,
			ToolCalls: len(toolCalls),
			Usage:     usage,
			Final:     len(toolCalls) == 0,
		}

		if len(toolCalls) == 0 {
			emit(ctx, evtCh, types.AgentStreamEvent{Turn: summary})
			emit(ctx, evtCh, types.AgentStreamEvent{Done: true})
			return
		}

		oaiMsgs = append(oaiMsgs, oaiMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		})

		toolResults, err := executeTools(ctx, toolCalls, executor, evtCh, turn, cfg.ParallelTools)
		if err != nil {
			emit(ctx, evtCh, types.AgentStreamEvent{Err: fmt.Errorf("tool execution turn %d: %w", turn, err)})
			return
		}
		emit(ctx, evtCh, types.AgentStreamEvent{Turn: summary})

		for _, tr := range toolResults {
			oaiMsgs = append(oaiMsgs, oaiMessage{
				Role:       "tool",
				ToolCallID: tr.toolCallID,
				Content:    tr.content,
			})
		}
	}

	emit(ctx, evtCh, types.AgentStreamEvent{
		Err: fmt.Errorf("%w (%d) without final answer", types.ErrMaxTurnsExceeded, cfg.MaxTurns),
	})
}

// ─── streamSingleTurn ─────────────────────────────────────────────────────────
// Makes one streaming call. Text tokens are forwarded to evtCh; assembled
// tool_calls and usage are returned once the stream ends.
func (c *Client) streamSingleTurn(
	ctx context.Context,
	req oaiRequest,
	evtCh chan<- types.AgentStreamEvent,
) (string, []oaiToolCall, types.TokenUsage, error) {
	var usage types.TokenUsage

	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, usage, fmt.Errorf("marshal: %w", err)
	}

	requestURL, err := url.JoinPath(c.baseURL, "/chat/completions")
	if err != nil {
		return "", nil, usage, fmt.Errorf("failed to join url path: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewBuffer(body))
	if err != nil {
		return "", nil, usage, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, usage, ctx.Err()
		}
		return "", nil, usage, &types.TransportError{Op: "HTTP", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return "", nil, usage, types.StatusError(httpResp.StatusCode, string(b))
	}

	// ── Parse SSE stream ──────────────────────────────────────────────────────
	// Tool call arguments arrive as fragments keyed by index.
	type tcAccumulator struct {
		id      string
		name    string
		argsBuf strings.Builder
	}

	var (
		textBuf strings.Builder
		tcByIdx = map[int]*tcAccumulator{}
		lastIdx = -1
		sawDone bool
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return textBuf.String(), nil, usage, ctx.Err()
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			textBuf.WriteString(delta.Content)
			if !emit(ctx, evtCh, types.AgentStreamEvent{TextToken: delta.Content}) {
				return textBuf.String(), nil, usage, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := lastIdx
			switch {
			case tc.Index != nil:
				idx = *tc.Index
			case tc.ID != "":
				idx = len(tcByIdx)
			}
			if idx < 0 {
				continue
			}
			acc, ok := tcByIdx[idx]
			if !ok {
				acc = &tcAccumulator{}
				tcByIdx[idx] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.argsBuf.WriteString(tc.Function.Arguments)
			lastIdx = idx
		}
	}

	if err := scanner.Err(); err != nil {
		return textBuf.String(), nil, usage, &types.TransportError{Op: "scanner", Err: err}
	}
	if !sawDone {
		return textBuf.String(), nil, usage, &types.TransportError{Op: "stream", Err: io.ErrUnexpectedEOF}
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	indices := make([]int, 0, len(tcByIdx))
	for i := range tcByIdx {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	toolCalls := make([]oaiToolCall, 0, len(indices))
	for _, i := range indices {
		acc := tcByIdx[i]
		args := acc.argsBuf.String()
		if args == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, oaiToolCall{
			ID:   acc.id,
			Type: "function",
			Function: oaiToolFunction{
				Name:      acc.name,
				Arguments: args,
			},
		})
	}

	return textBuf.String(), toolCalls, usage, nil
}

// ─── Tool execution ───────────────────────────────────────────────────────────

type oaiToolResult struct {
	toolCallID string
	content    string
}

func executeTools(
	ctx context.Context,
	toolCalls []oaiToolCall,
	executor types.ToolExecutor,
	evtCh chan<- types.AgentStreamEvent,
	turn int,
	parallel bool,
) ([]oaiToolResult, error) {
	results := make([]oaiToolResult, len(toolCalls))

	if parallel && len(toolCalls) > 1 {
		var wg sync.WaitGroup
		for i, tc := range toolCalls {
			wg.Add(1)
			go func(idx int, tc oaiToolCall) {
				defer wg.Done()
				results[idx] = executeTool(ctx, tc, executor, evtCh, turn)
			}(i, tc)
		}
		wg.Wait()
		return results, ctx.Err()
	}

	for i, tc := range toolCalls {
		results[i] = executeTool(ctx, tc, executor, evtCh, turn)
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// executeTool runs one tool call. Bad arguments and executor failures are fed
// back to the model as tool output rather than ending the loop.
func executeTool(
	ctx context.Context,
	tc oaiToolCall,
	executor types.ToolExecutor,
	evtCh chan<- types.AgentStreamEvent,
	turn int,
) oaiToolResult {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		msg := fmt.Sprintf("invalid arguments for %q: %v", tc.Function.Name, err)
		emit(ctx, evtCh, types.AgentStreamEvent{ToolEvent: &types.ToolEvent{
			Phase: "error", CallID: tc.ID, ToolName: tc.Function.Name, Error: msg, TurnIndex: turn,
		}})
		return oaiToolResult{toolCallID: tc.ID, content: msg}
	}

	emit(ctx, evtCh, types.AgentStreamEvent{ToolEvent: &types.ToolEvent{
		Phase: "calling", CallID: tc.ID, ToolName: tc.Function.Name, Args: args, TurnIndex: turn,
	}})

	result, err := executor.Execute(ctx, tc.Function.Name, args)
	if err != nil {
		msg := fmt.Sprintf("Tool %q failed: %v", tc.Function.Name, err)
		emit(ctx, evtCh, types.AgentStreamEvent{ToolEvent: &types.ToolEvent{
			Phase: "error", CallID: tc.ID, ToolName: tc.Function.Name, Error: msg, TurnIndex: turn,
		}})
		return oaiToolResult{toolCallID: tc.ID, content: msg}
	}

	emit(ctx, evtCh, types.AgentStreamEvent{ToolEvent: &types.ToolEvent{
		Phase: "result", CallID: tc.ID, ToolName: tc.Function.Name, Result: result, TurnIndex: turn,
	}})
	return oaiToolResult{toolCallID: tc.ID, content: result}
}

func emit(ctx context.Context, evtCh chan<- types.AgentStreamEvent, evt types.AgentStreamEvent) bool {
	select {
	case evtCh <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// ─── Conversion helpers ───────────────────────────────────────────────────────

func convertMessages(messages []types.Message) []oaiMessage {
	out := make([]oaiMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, oaiMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func convertTools(tools []types.Tool) []openAITool {
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAITool{
			Type: "function",
			Function: openAIFunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
