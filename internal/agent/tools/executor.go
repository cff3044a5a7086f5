// Package tools executes agent tool calls against a session workspace.
//
// Every path is resolved against the run directory and rejected if it
// escapes it. Writes are further limited to the session's scripts and
// artifacts directories.
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/agent"
	"github.com/kubilitics/kubilitics-investigator/internal/llm/types"
	"github.com/kubilitics/kubilitics-investigator/internal/metrics"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

const (
	ToolReadFile     = "read_file"
	ToolWriteFile    = "write_file"
	ToolExecuteShell = "execute_shell"
	ToolListFiles    = "list_files"

	// MaxOutputChars caps any single tool result fed back to the model.
	MaxOutputChars = 10000

	DefaultShellTimeout = 120 * time.Second
)

var toolCapability = map[string]agent.Capability{
	ToolReadFile:     agent.CapReadFile,
	ToolWriteFile:    agent.CapWriteFile,
	ToolExecuteShell: agent.CapExecuteShell,
	ToolListFiles:    agent.CapListFiles,
}

// Config describes one session's tool sandbox.
type Config struct {
	Root         string
	ScriptsDir   string
	ArtifactsDir string
	Allowed      []agent.Capability
	ShellTimeout time.Duration
	Logger       *zap.Logger
}

// Executor runs workspace tools for one session. It implements
// types.ToolExecutor.
type Executor struct {
	root         string
	scriptsDir   string
	artifactsDir string
	allowed      map[agent.Capability]bool
	shellTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	written []string
	seen    map[string]bool
}

// New returns an executor confined to cfg.Root.
func New(cfg Config) (*Executor, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("tool root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve tool root: %w", err)
	}
	if cfg.ShellTimeout <= 0 {
		cfg.ShellTimeout = DefaultShellTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Executor{
		root:         root,
		scriptsDir:   absOr(root, cfg.ScriptsDir),
		artifactsDir: absOr(root, cfg.ArtifactsDir),
		allowed:      make(map[agent.Capability]bool, len(cfg.Allowed)),
		shellTimeout: cfg.ShellTimeout,
		logger:       cfg.Logger,
		seen:         make(map[string]bool),
	}
	for _, c := range cfg.Allowed {
		e.allowed[c] = true
	}
	return e, nil
}

func absOr(root, dir string) string {
	if dir == "" {
		return ""
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return filepath.Clean(dir)
}

// Definitions returns the tool schemas for the allowed capabilities.
func (e *Executor) Definitions() []types.Tool {
	var defs []types.Tool
	for _, t := range allDefinitions {
		if e.allowed[toolCapability[t.Name]] {
			defs = append(defs, t)
		}
	}
	return defs
}

// Execute runs one tool call.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]interface{}) (string, error) {
	capability, ok := toolCapability[toolName]
	if !ok {
		metrics.ToolCalls.WithLabelValues(toolName, "unknown").Inc()
		return "", fmt.Errorf("unknown tool: %s", toolName)
	}
	if !e.allowed[capability] {
		metrics.ToolCalls.WithLabelValues(toolName, "denied").Inc()
		return "", fmt.Errorf("capability %s is not allowed in this session", capability)
	}

	start := time.Now()
	var (
		out string
		err error
	)
	switch toolName {
	case ToolReadFile:
		out, err = e.readFile(args)
	case ToolWriteFile:
		out, err = e.writeFile(args)
	case ToolExecuteShell:
		out, err = e.executeShell(ctx, args)
	case ToolListFiles:
		out, err = e.listFiles(args)
	}
	metrics.ToolDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ToolCalls.WithLabelValues(toolName, status).Inc()
	e.logger.Debug("Tool executed",
		zap.String("tool", toolName),
		zap.String("status", status),
		zap.Duration("duration", time.Since(start)),
	)
	return truncate(out), err
}

// TakeWritten returns files written since the last call, split into scripts
// and artifacts, relative to the root.
func (e *Executor) TakeWritten() (scripts, artifacts []string) {
	e.mu.Lock()
	written := e.written
	e.written = nil
	e.mu.Unlock()

	for _, abs := range written {
		rel := e.rel(abs)
		if e.scriptsDir != "" && within(e.scriptsDir, abs) {
			scripts = append(scripts, rel)
		} else {
			artifacts = append(artifacts, rel)
		}
	}
	return scripts, artifacts
}

// ─── Tools ───────────────────────────────────────────────────────────────────

func (e *Executor) readFile(args map[string]interface{}) (string, error) {
	path, err := e.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

func (e *Executor) writeFile(args map[string]interface{}) (string, error) {
	path, err := e.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	if !e.writable(path) {
		return "", fmt.Errorf("access denied: writes are limited to %s and %s", e.rel(e.scriptsDir), e.rel(e.artifactsDir))
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	e.mu.Lock()
	if !e.seen[path] {
		e.seen[path] = true
		e.written = append(e.written, path)
	}
	e.mu.Unlock()

	return fmt.Sprintf("wrote %d bytes to %s", len(content), e.rel(path)), nil
}

func (e *Executor) listFiles(args map[string]interface{}) (string, error) {
	dir := stringArg(args, "path")
	if dir == "" {
		dir = "."
	}
	path, err := e.resolve(dir)
	if err != nil {
		return "", err
	}
	files, err := workspace.ListFiles(path, e.root)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "(no files)", nil
	}
	return strings.Join(files, "\n"), nil
}

func (e *Executor) executeShell(ctx context.Context, args map[string]interface{}) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.root
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("command timeout after %s", e.shellTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The output of a failing command is still an observation.
			return fmt.Sprintf("%s\n[exit status %d]", result, exitErr.ExitCode()), nil
		}
		return result, fmt.Errorf("command failed: %w", err)
	}
	return result, nil
}

// ─── Path confinement ────────────────────────────────────────────────────────

func (e *Executor) resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}
	p = filepath.Clean(p)
	if !within(e.root, p) {
		return "", fmt.Errorf("access denied: path is outside working directory")
	}
	return p, nil
}

func (e *Executor) writable(path string) bool {
	return (e.scriptsDir != "" && within(e.scriptsDir, path)) ||
		(e.artifactsDir != "" && within(e.artifactsDir, path))
}

func (e *Executor) rel(path string) string {
	rel, err := filepath.Rel(e.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func truncate(s string) string {
	if len(s) <= MaxOutputChars {
		return s
	}
	return s[:MaxOutputChars] + "\n... (truncated)"
}
