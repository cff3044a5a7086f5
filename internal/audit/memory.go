package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryLogger keeps audit events in memory. It backs tests and callers that
// run without log files.
type MemoryLogger struct {
	mu      sync.Mutex
	events  []*Event
	app     *zap.Logger
	discard bool
}

// NewMemoryLogger records every event. app may be nil.
func NewMemoryLogger(app *zap.Logger) *MemoryLogger {
	if app == nil {
		app = zap.NewNop()
	}
	return &MemoryLogger{app: app}
}

// NewNopLogger returns a Logger that drops everything.
func NewNopLogger() Logger {
	return &MemoryLogger{app: zap.NewNop(), discard: true}
}

// Events returns a copy of the recorded events.
func (m *MemoryLogger) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns the number of recorded events of one type.
func (m *MemoryLogger) Count(t EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

func (m *MemoryLogger) Log(ctx context.Context, event *Event) error {
	if m.discard {
		return nil
	}
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLogger) App() *zap.Logger { return m.app }

func (m *MemoryLogger) LogInvestigationStarted(ctx context.Context, runID string, hypotheses int) error {
	return m.Log(ctx, investigationStarted(runID, hypotheses))
}

func (m *MemoryLogger) LogInvestigationCompleted(ctx context.Context, runID string, confirmed int, duration time.Duration) error {
	return m.Log(ctx, investigationCompleted(runID, confirmed, duration))
}

func (m *MemoryLogger) LogInvestigationFailed(ctx context.Context, runID string, err error) error {
	return m.Log(ctx, investigationFailed(runID, err))
}

func (m *MemoryLogger) LogHypothesisStatus(ctx context.Context, runID, hypothesisID, from, to string) error {
	return m.Log(ctx, hypothesisStatus(runID, hypothesisID, from, to))
}

func (m *MemoryLogger) LogSessionStarted(ctx context.Context, runID, hypothesisID string) error {
	return m.Log(ctx, sessionStarted(runID, hypothesisID))
}

func (m *MemoryLogger) LogSessionRetried(ctx context.Context, runID, hypothesisID string, attempt int, err error) error {
	return m.Log(ctx, sessionRetried(runID, hypothesisID, attempt, err))
}

func (m *MemoryLogger) LogSessionCompleted(ctx context.Context, runID, hypothesisID, outcome string, duration time.Duration) error {
	return m.Log(ctx, sessionCompleted(runID, hypothesisID, outcome, duration))
}

func (m *MemoryLogger) LogSessionFailed(ctx context.Context, runID, hypothesisID string, err error) error {
	return m.Log(ctx, sessionFailed(runID, hypothesisID, err))
}

func (m *MemoryLogger) LogLedgerFinalized(ctx context.Context, runID string, confirmed, ruledOut, pending int) error {
	return m.Log(ctx, ledgerFinalized(runID, confirmed, ruledOut, pending))
}

func (m *MemoryLogger) LogConfigChanged(ctx context.Context, path string) error {
	return m.Log(ctx, configChanged(path))
}

func (m *MemoryLogger) Sync() error  { return m.app.Sync() }
func (m *MemoryLogger) Close() error { return nil }
