// Package llmagent implements the agent capability on top of an LLM
// provider's tool loop and the workspace tools.
package llmagent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/agent"
	"github.com/kubilitics/kubilitics-investigator/internal/agent/tools"
	"github.com/kubilitics/kubilitics-investigator/internal/llm/budget"
	"github.com/kubilitics/kubilitics-investigator/internal/llm/types"
	"github.com/kubilitics/kubilitics-investigator/internal/metrics"
)

// Provider is an LLM backend able to run a multi-turn tool loop.
type Provider interface {
	Name() string
	Model() string
	CompleteWithTools(
		ctx context.Context,
		messages []types.Message,
		tools []types.Tool,
		executor types.ToolExecutor,
		cfg types.AgentConfig,
	) (<-chan types.AgentStreamEvent, error)
}

// Options tunes the agent.
type Options struct {
	// Tracker accounts usage per session and enforces the token cap. Optional.
	Tracker *budget.Tracker

	ShellTimeout time.Duration
	Logger       *zap.Logger
}

// Agent drives one provider tool loop per Run.
type Agent struct {
	provider     Provider
	tracker      *budget.Tracker
	shellTimeout time.Duration
	logger       *zap.Logger
}

// New returns an agent over provider.
func New(provider Provider, opts Options) (*Agent, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Agent{
		provider:     provider,
		tracker:      opts.Tracker,
		shellTimeout: opts.ShellTimeout,
		logger:       opts.Logger,
	}, nil
}

// Run starts the provider loop and converts each completed turn into a step.
func (a *Agent) Run(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	executor, err := tools.New(tools.Config{
		Root:         req.Cwd,
		ScriptsDir:   req.ScriptsDir,
		ArtifactsDir: req.ArtifactsDir,
		Allowed:      req.AllowedCapabilities,
		ShellTimeout: a.shellTimeout,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}
	if req.Model != "" && req.Model != a.provider.Model() {
		a.logger.Warn("Requested model differs from provider model",
			zap.String("requested", req.Model),
			zap.String("provider_model", a.provider.Model()),
		)
	}

	cfg := types.DefaultAgentConfig()
	if req.MaxTurns > 0 {
		cfg.MaxTurns = req.MaxTurns
	}

	messages := []types.Message{
		{Role: "system", Content: req.System},
		{Role: "user", Content: req.Prompt},
	}

	loopCtx, cancel := context.WithCancel(ctx)
	stream, err := a.provider.CompleteWithTools(loopCtx, messages, executor.Definitions(), executor, cfg)
	if err != nil {
		cancel()
		return nil, classify(err)
	}

	out := make(chan agent.Event, 16)
	go func() {
		defer close(out)
		defer cancel()
		a.consume(ctx, loopCtx, cancel, req, executor, stream, out)
	}()
	return out, nil
}

func (a *Agent) consume(
	ctx, loopCtx context.Context,
	cancel context.CancelFunc,
	req agent.Request,
	executor *tools.Executor,
	stream <-chan types.AgentStreamEvent,
	out chan<- agent.Event,
) {
	provider, model := a.provider.Name(), a.provider.Model()
	calls := make(map[int][]*types.ToolEvent)
	stopped := false

	for evt := range stream {
		if stopped {
			continue
		}
		switch {
		case evt.ToolEvent != nil:
			calls[evt.ToolEvent.TurnIndex] = append(calls[evt.ToolEvent.TurnIndex], evt.ToolEvent)

		case evt.Turn != nil:
			step := a.buildStep(req, provider, model, evt.Turn, calls[evt.Turn.TurnIndex], executor)
			delete(calls, evt.Turn.TurnIndex)
			metrics.LLMTurnsTotal.WithLabelValues(provider, model, "success").Inc()
			if !send(ctx, out, agent.Event{Step: step}) {
				stopped = true
				cancel()
				continue
			}
			if a.tracker != nil {
				if err := a.tracker.Check(req.SessionID); err != nil {
					metrics.BudgetExceeded.Inc()
					a.logger.Warn("Session stopped by token budget",
						zap.String("session_id", req.SessionID),
						zap.Error(err),
					)
					stopped = true
					cancel()
				}
			}

		case evt.Err != nil:
			stopped = true
			if errors.Is(evt.Err, types.ErrMaxTurnsExceeded) {
				// Exhaustion is a normal end; the session synthesizes the outcome.
				continue
			}
			if loopCtx.Err() != nil && ctx.Err() == nil {
				// Cancelled by the budget check above.
				continue
			}
			metrics.LLMTurnsTotal.WithLabelValues(provider, model, "error").Inc()
			send(ctx, out, agent.Event{Err: classify(evt.Err)})

		case evt.Done:
			stopped = true
		}
	}
}

func (a *Agent) buildStep(
	req agent.Request,
	provider, model string,
	turn *types.TurnSummary,
	calls []*types.ToolEvent,
	executor *tools.Executor,
) *agent.StepEvent {
	usage := agent.Usage{
		InputTokens:  turn.Usage.PromptTokens,
		OutputTokens: turn.Usage.CompletionTokens,
		TotalTokens:  turn.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	if a.tracker != nil {
		usage.CostUSD = a.tracker.Record(req.SessionID, provider, usage.InputTokens, usage.OutputTokens)
	} else {
		usage.CostUSD = budget.CalculateCost(provider, usage.InputTokens, usage.OutputTokens)
	}
	metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
	metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
	metrics.LLMCostUSD.WithLabelValues(provider, model).Add(usage.CostUSD)

	scripts, artifacts := executor.TakeWritten()
	action, observation := describeCalls(calls)

	return &agent.StepEvent{
		Turn:        turn.TurnIndex + 1,
		Action:      action,
		Observation: observation,
		LogEntry:    turn.Text,
		Decision:    decision(turn.Text, turn.Final),
		Usage:       usage,
		Scripts:     scripts,
		Artifacts:   artifacts,
	}
}

// describeCalls renders the turn's tool calls as an action line and their
// results as the observation.
func describeCalls(events []*types.ToolEvent) (string, string) {
	if len(events) == 0 {
		return "respond", ""
	}
	var actions, observations []string
	for _, e := range events {
		switch e.Phase {
		case "calling":
			actions = append(actions, fmt.Sprintf("%s(%s)", e.ToolName, formatArgs(e.Args)))
		case "result":
			observations = append(observations, fmt.Sprintf("[%s] %s", e.ToolName, e.Result))
		case "error":
			observations = append(observations, fmt.Sprintf("[%s] error: %s", e.ToolName, e.Error))
		}
	}
	return strings.Join(actions, "; "), strings.Join(observations, "\n")
}

func formatArgs(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		if k == "content" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}

var decisionPattern = regexp.MustCompile(`(?im)^\W*decision\W*:\W*(continue|pivot|conclude)\b`)

func decision(text string, final bool) string {
	if m := decisionPattern.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1])
	}
	if final {
		return "conclude"
	}
	return "continue"
}

func classify(err error) error {
	if errors.Is(err, types.ErrTransport) {
		return &agent.TransportError{Err: err}
	}
	return err
}

func send(ctx context.Context, out chan<- agent.Event, evt agent.Event) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
