package anthropic

// tool_loop.go: multi-turn agentic tool-calling loop for Anthropic.
//
// Conversation turns for Anthropic's tool-use API:
//
//   Turn N (LLM returns tool calls):
//     response.content: [{type:"tool_use", id:"X", name:"read_file", input:{...}}]
//     stop_reason: "tool_use"
//
//   → Append to messages:
//     {role:"assistant", content:[{type:"tool_use", id:"X", ...}]}
//     {role:"user",      content:[{type:"tool_result", tool_use_id:"X", content:"<result>"}]}
//
//   Turn N+1 (LLM continues with tool results in context):
//     response.content: [{type:"text", text:"CONCLUSION ..."}]
//     stop_reason: "end_turn"  → done

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/kubilitics/kubilitics-investigator/internal/llm/types"
)

// CompleteWithTools runs the agentic loop and streams its events.
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

// runAgentLoop runs until the LLM stops calling tools, an error occurs, or
// cfg.MaxTurns is exceeded.
func (c *Client) runAgentLoop(
	ctx context.Context,
	messages []types.Message,
	tools []types.Tool,
	executor types.ToolExecutor,
	cfg types.AgentConfig,
	evtCh chan<- types.AgentStreamEvent,
) {
	system, filtered := extractSystem(messages)
	anthMsgs := convertMessages(filtered)
	anthTools := convertTools(tools)

	for turn := 0; turn < cfg.MaxTurns; turn++ {
		req := anthRequest{
			Model:     c.model,
			MaxTokens: c.maxTokens,
			Messages:  anthMsgs,
			Tools:     anthTools,
			System:    system,
			Stream:    true,
		}

		text, toolUses, usage, err := c.streamSingleTurn(ctx, req, evtCh)
		if err != nil {
			emit(ctx, evtCh, types.AgentStreamEvent{Err: fmt.Errorf("LLM turn %d: %w", turn, err)})
			return
		}

		summary := &types.TurnSummary{
			TurnIndex: turn,
			Text:      text,
			ToolCalls: len(toolUses),
			Usage:     usage,
			Final:     len(toolUses) == 0,
		}

		// No tool calls → this is the final answer.
		if len(toolUses) == 0 {
			emit(ctx, evtCh, types.AgentStreamEvent{Turn: summary})
			emit(ctx, evtCh, types.AgentStreamEvent{Done: true})
			return
		}

		assistantBlocks := make([]ContentBlock, 0, len(toolUses)+1)
		if text != "" {
			assistantBlocks = append(assistantBlocks, ContentBlock{Type: "text", Text: text})
		}
		for _, tu := range toolUses {
			assistantBlocks = append(assistantBlocks, ContentBlock{
				Type:  "tool_use",
				ID:    tu.id,
				Name:  tu.name,
				Input: tu.input,
			})
		}
		anthMsgs = append(anthMsgs, anthMessage{Role: "assistant", Content: assistantBlocks})

		toolResults, err := executeTools(ctx, toolUses, executor, evtCh, turn, cfg.ParallelTools)
		if err != nil {
			emit(ctx, evtCh, types.AgentStreamEvent{Err: fmt.Errorf("tool execution turn %d: %w", turn, err)})
			return
		}

		// The turn summary follows the tool events so consumers see the
		// complete step (reasoning plus observations) in one place.
		emit(ctx, evtCh, types.AgentStreamEvent{Turn: summary})

		resultBlocks := make([]ContentBlock, 0, len(toolResults))
		for _, tr := range toolResults {
			resultBlocks = append(resultBlocks, ContentBlock{
				Type:      "tool_result",
				ToolUseID: tr.toolUseID,
				Content:   tr.content,
			})
		}
		anthMsgs = append(anthMsgs, anthMessage{Role: "user", Content: resultBlocks})
	}

	emit(ctx, evtCh, types.AgentStreamEvent{
		Err: fmt.Errorf("%w (%d) without final answer", types.ErrMaxTurnsExceeded, cfg.MaxTurns),
	})
}

// ─── streamSingleTurn ─────────────────────────────────────────────────────────
// Makes one streaming API call.  Text tokens are forwarded to evtCh as they
// arrive; collected tool_use records and usage are returned when the turn ends.
func (c *Client) streamSingleTurn(
	ctx context.Context,
	req anthRequest,
	evtCh chan<- types.AgentStreamEvent,
) (string, []toolUseRecord, types.TokenUsage, error) {
	var usage types.TokenUsage

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", nil, usage, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", nil, usage, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)

	// No hard timeout on the client; cancellation is via ctx.
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, usage, ctx.Err()
		}
		return "", nil, usage, &types.TransportError{Op: "HTTP", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return "", nil, usage, types.StatusError(httpResp.StatusCode, string(body))
	}

	// ── Parse SSE stream ──────────────────────────────────────────────────────
	var (
		collectedText        strings.Builder
		toolUses             []toolUseRecord
		currentToolID        string
		currentToolName      string
		currentToolInputJSON strings.Builder
		eventType            string
		stopped              bool
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() && !stopped {
		if ctx.Err() != nil {
			return collectedText.String(), toolUses, usage, ctx.Err()
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		if eventType == "" {
			eventType = event.Type
		}

		switch eventType {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens += event.Message.Usage.InputTokens
				usage.CompletionTokens += event.Message.Usage.OutputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentToolID = event.ContentBlock.ID
				currentToolName = event.ContentBlock.Name
				currentToolInputJSON.Reset()
			}

		case "content_block_delta":
			if event.Delta == nil {
				break
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					collectedText.WriteString(event.Delta.Text)
					if !emit(ctx, evtCh, types.AgentStreamEvent{TextToken: event.Delta.Text}) {
						return collectedText.String(), toolUses, usage, ctx.Err()
					}
				}
			case "input_json_delta":
				currentToolInputJSON.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolID != "" {
				var toolInput map[string]interface{}
				if jsonStr := currentToolInputJSON.String(); jsonStr != "" {
					_ = json.Unmarshal([]byte(jsonStr), &toolInput)
				}
				toolUses = append(toolUses, toolUseRecord{
					id:    currentToolID,
					name:  currentToolName,
					input: toolInput,
				})
				currentToolID = ""
				currentToolName = ""
				currentToolInputJSON.Reset()
			}

		case "message_delta":
			if event.Usage != nil {
				usage.CompletionTokens += event.Usage.OutputTokens
			}

		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			return collectedText.String(), toolUses, usage, &types.TransportError{Op: "stream", Err: fmt.Errorf("%s", msg)}

		case "message_stop":
			stopped = true
		}
		eventType = ""
	}

	if err := scanner.Err(); err != nil {
		return collectedText.String(), toolUses, usage, &types.TransportError{Op: "scanner", Err: err}
	}
	if !stopped {
		return collectedText.String(), toolUses, usage, &types.TransportError{Op: "stream", Err: io.ErrUnexpectedEOF}
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return collectedText.String(), toolUses, usage, nil
}

// ─── Tool execution ───────────────────────────────────────────────────────────

type toolUseRecord struct {
	id    string
	name  string
	input map[string]interface{}
}

type toolResultRecord struct {
	toolUseID string
	content   string
}

// executeTools runs all tool calls, optionally in parallel, and returns results.
func executeTools(
	ctx context.Context,
	toolUses []toolUseRecord,
	executor types.ToolExecutor,
	evtCh chan<- types.AgentStreamEvent,
	turn int,
	parallel bool,
) ([]toolResultRecord, error) {
	results := make([]toolResultRecord, len(toolUses))

	if parallel && len(toolUses) > 1 {
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error

		for i, tu := range toolUses {
			wg.Add(1)
			go func(idx int, tu toolUseRecord) {
				defer wg.Done()
				res, execErr := executeSingleTool(ctx, tu, executor, evtCh, turn)
				mu.Lock()
				defer mu.Unlock()
				results[idx] = res
				if execErr != nil && firstErr == nil {
					firstErr = execErr
				}
			}(i, tu)
		}
		wg.Wait()
		return results, firstErr
	}

	for i, tu := range toolUses {
		res, err := executeSingleTool(ctx, tu, executor, evtCh, turn)
		results[i] = res
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// executeSingleTool runs one tool call and emits lifecycle events to evtCh.
// Errors from the executor are returned as tool content (not fatal) so the
// LLM can reason about the failure.
func executeSingleTool(
	ctx context.Context,
	tu toolUseRecord,
	executor types.ToolExecutor,
	evtCh chan<- types.AgentStreamEvent,
	turn int,
) (toolResultRecord, error) {
	if !emit(ctx, evtCh, types.AgentStreamEvent{ToolEvent: &types.ToolEvent{
		Phase: "calling", CallID: tu.id, ToolName: tu.name, Args: tu.input, TurnIndex: turn,
	}}) {
		return toolResultRecord{toolUseID: tu.id, content: "context cancelled"}, ctx.Err()
	}

	result, err := executor.Execute(ctx, tu.name, tu.input)
	if err != nil {
		msg := fmt.Sprintf("Tool %q failed: %v", tu.name, err)
		emit(ctx, evtCh, types.AgentStreamEvent{ToolEvent: &types.ToolEvent{
			Phase: "error", CallID: tu.id, ToolName: tu.name, Error: msg, TurnIndex: turn,
		}})
		return toolResultRecord{toolUseID: tu.id, content: msg}, nil
	}

	emit(ctx, evtCh, types.AgentStreamEvent{ToolEvent: &types.ToolEvent{
		Phase: "result", CallID: tu.id, ToolName: tu.name, Result: result, TurnIndex: turn,
	}})

	return toolResultRecord{toolUseID: tu.id, content: result}, nil
}

// emit sends an event unless ctx is done. It reports whether the event was sent.
func emit(ctx context.Context, evtCh chan<- types.AgentStreamEvent, evt types.AgentStreamEvent) bool {
	select {
	case evtCh <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// ─── Conversion helpers ───────────────────────────────────────────────────────

// extractSystem pulls system messages out of the list; Anthropic takes the
// system prompt as a top-level field.
func extractSystem(messages []types.Message) (string, []types.Message) {
	var system []string
	filtered := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		filtered = append(filtered, m)
	}
	return strings.Join(system, "\n\n"), filtered
}

func convertMessages(messages []types.Message) []anthMessage {
	out := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, anthMessage{
			Role:    m.Role,
			Content: []ContentBlock{{Type: "text", Text: m.Content}},
		})
	}
	return out
}

func convertTools(tools []types.Tool) []anthTool {
	out := make([]anthTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}
