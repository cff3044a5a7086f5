// Package progress writes the human-readable run timeline.
package progress

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
)

const (
	timestampLayout = "2006-01-02 15:04:05"
	completePrefix  = "Investigation complete"
	errorPrefix     = "ERROR: "
)

// Log appends timestamped lines to a progress file.
type Log struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// New returns a progress log at path. clock defaults to time.Now.
func New(path string, clock func() time.Time) *Log {
	if clock == nil {
		clock = time.Now
	}
	return &Log{path: path, clock: clock}
}

// Path returns the progress file location.
func (l *Log) Path() string { return l.path }

// Append writes one line. Newlines inside msg are flattened so every entry
// stays on its own line.
func (l *Log) Append(msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg = strings.ReplaceAll(strings.TrimRight(msg, "\r\n"), "\n", " ")
	line := fmt.Sprintf("[%s] %s\n", l.clock().UTC().Format(timestampLayout), msg)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("append progress log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close progress log: %w", err)
	}
	return nil
}

func (l *Log) Started() error { return l.Append("Investigation started") }

func (l *Log) Investigating(title string) error {
	return l.Append("Investigating: " + title)
}

func (l *Log) Completed(title string, outcome hypothesis.Status) error {
	return l.Append(fmt.Sprintf("Completed: %s -> %s", title, outcome))
}

func (l *Log) Complete(confirmed int) error {
	return l.Append(fmt.Sprintf("%s - %d hypothesis confirmed", completePrefix, confirmed))
}

// Error records a run-level failure.
func (l *Log) Error(msg string) error { return l.Append(errorPrefix + msg) }

// Entry is one parsed progress line.
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// IsComplete reports whether e is the final line of a finished run.
func (e Entry) IsComplete() bool { return strings.HasPrefix(e.Message, completePrefix) }

// IsError reports whether e records a run failure.
func (e Entry) IsError() bool { return strings.HasPrefix(e.Message, errorPrefix) }

// Read parses a progress file. A missing file yields no entries.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()

	entries := []Entry{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if e, ok := ParseLine(sc.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read progress log: %w", err)
	}
	return entries, nil
}

// ParseLine splits "[YYYY-MM-DD HH:MM:SS] message".
func ParseLine(line string) (Entry, bool) {
	if len(line) < len(timestampLayout)+3 || line[0] != '[' || line[len(timestampLayout)+1] != ']' {
		return Entry{}, false
	}
	ts, err := time.Parse(timestampLayout, line[1:len(timestampLayout)+1])
	if err != nil {
		return Entry{}, false
	}
	return Entry{Time: ts, Message: strings.TrimPrefix(line[len(timestampLayout)+2:], " ")}, true
}
