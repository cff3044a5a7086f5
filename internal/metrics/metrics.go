package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Investigator metrics for production monitoring
var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_runs_total",
			Help: "Total number of investigation runs by terminal state",
		},
		[]string{"state"}, // state: DONE/FAILED
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "investigator_run_duration_seconds",
			Help:    "Investigation run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
	)

	// Session metrics
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_sessions_total",
			Help: "Total number of hypothesis sessions by outcome",
		},
		[]string{"outcome", "confidence", "forced"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "investigator_session_duration_seconds",
			Help:    "Hypothesis session duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
	)

	SessionTurns = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "investigator_session_turns",
			Help:    "Agent turns taken per hypothesis session",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		},
	)

	SessionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "investigator_session_retries_total",
			Help: "Total number of agent calls retried after a transport failure",
		},
	)

	// Hypothesis metrics
	HypothesisTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_hypothesis_transitions_total",
			Help: "Hypothesis status transitions",
		},
		[]string{"to"},
	)

	// LLM metrics
	LLMTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_llm_turns_total",
			Help: "Total number of LLM turns",
		},
		[]string{"provider", "model", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_llm_cost_usd_total",
			Help: "Total LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	BudgetExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "investigator_budget_exceeded_total",
			Help: "Sessions stopped early by the token budget",
		},
	)

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_tool_calls_total",
			Help: "Total number of workspace tool calls",
		},
		[]string{"tool", "status"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "investigator_tool_duration_seconds",
			Help:    "Workspace tool execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"tool"},
	)

	// Ledger metrics
	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_ledger_writes_total",
			Help: "Total number of ledger document writes",
		},
		[]string{"ledger", "status"}, // ledger: hypotheses/findings
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "investigator_websocket_connections",
			Help: "Current number of active progress tail connections",
		},
	)
)
