package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// App returns the structured application logger
	App() *zap.Logger

	// Run lifecycle
	LogInvestigationStarted(ctx context.Context, runID string, hypotheses int) error
	LogInvestigationCompleted(ctx context.Context, runID string, confirmed int, duration time.Duration) error
	LogInvestigationFailed(ctx context.Context, runID string, err error) error

	// Hypothesis and session lifecycle
	LogHypothesisStatus(ctx context.Context, runID, hypothesisID, from, to string) error
	LogSessionStarted(ctx context.Context, runID, hypothesisID string) error
	LogSessionRetried(ctx context.Context, runID, hypothesisID string, attempt int, err error) error
	LogSessionCompleted(ctx context.Context, runID, hypothesisID, outcome string, duration time.Duration) error
	LogSessionFailed(ctx context.Context, runID, hypothesisID string, err error) error

	// LogLedgerFinalized records the closing summary of the findings ledger
	LogLedgerFinalized(ctx context.Context, runID string, confirmed, ruledOut, pending int) error

	// LogConfigChanged records a configuration file change
	LogConfigChanged(ctx context.Context, path string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Console mirrors the application log to stderr
	Console bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)
	if config.Console {
		consoleEncoder := encoderConfig
		consoleEncoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
		appCore = zapcore.NewTee(appCore, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEncoder),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit log is always INFO level, append-only
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

func (l *auditLogger) App() *zap.Logger { return l.appLogger }

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogInvestigationStarted(ctx context.Context, runID string, hypotheses int) error {
	return l.Log(ctx, investigationStarted(runID, hypotheses))
}

func (l *auditLogger) LogInvestigationCompleted(ctx context.Context, runID string, confirmed int, duration time.Duration) error {
	return l.Log(ctx, investigationCompleted(runID, confirmed, duration))
}

func (l *auditLogger) LogInvestigationFailed(ctx context.Context, runID string, err error) error {
	return l.Log(ctx, investigationFailed(runID, err))
}

func (l *auditLogger) LogHypothesisStatus(ctx context.Context, runID, hypothesisID, from, to string) error {
	return l.Log(ctx, hypothesisStatus(runID, hypothesisID, from, to))
}

func (l *auditLogger) LogSessionStarted(ctx context.Context, runID, hypothesisID string) error {
	return l.Log(ctx, sessionStarted(runID, hypothesisID))
}

func (l *auditLogger) LogSessionRetried(ctx context.Context, runID, hypothesisID string, attempt int, err error) error {
	return l.Log(ctx, sessionRetried(runID, hypothesisID, attempt, err))
}

func (l *auditLogger) LogSessionCompleted(ctx context.Context, runID, hypothesisID, outcome string, duration time.Duration) error {
	return l.Log(ctx, sessionCompleted(runID, hypothesisID, outcome, duration))
}

func (l *auditLogger) LogSessionFailed(ctx context.Context, runID, hypothesisID string, err error) error {
	return l.Log(ctx, sessionFailed(runID, hypothesisID, err))
}

func (l *auditLogger) LogLedgerFinalized(ctx context.Context, runID string, confirmed, ruledOut, pending int) error {
	return l.Log(ctx, ledgerFinalized(runID, confirmed, ruledOut, pending))
}

func (l *auditLogger) LogConfigChanged(ctx context.Context, path string) error {
	return l.Log(ctx, configChanged(path))
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	// stderr cannot be synced on some platforms; the file cores already were
	_ = l.appLogger.Sync()
	return nil
}

// Close closes the audit logger. Safe to call more than once.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		err = l.Sync()
	})
	return err
}

// ─── Event constructors ───────────────────────────────────────────────────────

func investigationStarted(runID string, hypotheses int) *Event {
	return NewEvent(EventInvestigationStarted).
		WithRun(runID).
		WithResult(ResultSuccess).
		WithMetadata("hypotheses", hypotheses).
		WithDescription(fmt.Sprintf("Investigation %s started", runID))
}

func investigationCompleted(runID string, confirmed int, duration time.Duration) *Event {
	return NewEvent(EventInvestigationCompleted).
		WithRun(runID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("confirmed", confirmed).
		WithDescription(fmt.Sprintf("Investigation %s completed", runID))
}

func investigationFailed(runID string, err error) *Event {
	return NewEvent(EventInvestigationFailed).
		WithRun(runID).
		WithError(err, "investigation_error").
		WithDescription(fmt.Sprintf("Investigation %s failed", runID))
}

func hypothesisStatus(runID, hypothesisID, from, to string) *Event {
	return NewEvent(EventHypothesisStatusChanged).
		WithRun(runID).
		WithHypothesis(hypothesisID).
		WithResult(ResultSuccess).
		WithMetadata("from", from).
		WithMetadata("to", to).
		WithDescription(fmt.Sprintf("Hypothesis %s: %s → %s", hypothesisID, from, to))
}

func sessionStarted(runID, hypothesisID string) *Event {
	return NewEvent(EventSessionStarted).
		WithRun(runID).
		WithHypothesis(hypothesisID).
		WithResult(ResultPending)
}

func sessionRetried(runID, hypothesisID string, attempt int, err error) *Event {
	return NewEvent(EventSessionRetried).
		WithRun(runID).
		WithHypothesis(hypothesisID).
		WithError(err, "transport_error").
		WithMetadata("attempt", attempt)
}

func sessionCompleted(runID, hypothesisID, outcome string, duration time.Duration) *Event {
	return NewEvent(EventSessionCompleted).
		WithRun(runID).
		WithHypothesis(hypothesisID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("outcome", outcome)
}

func sessionFailed(runID, hypothesisID string, err error) *Event {
	return NewEvent(EventSessionFailed).
		WithRun(runID).
		WithHypothesis(hypothesisID).
		WithError(err, "session_error")
}

func ledgerFinalized(runID string, confirmed, ruledOut, pending int) *Event {
	return NewEvent(EventLedgerFinalized).
		WithRun(runID).
		WithResult(ResultSuccess).
		WithMetadata("confirmed", confirmed).
		WithMetadata("ruled_out", ruledOut).
		WithMetadata("pending", pending)
}

func configChanged(path string) *Event {
	return NewEvent(EventConfigChanged).
		WithResult(ResultSuccess).
		WithMetadata("path", path).
		WithDescription("Configuration file changed")
}

// ─── Correlation IDs ──────────────────────────────────────────────────────────

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
