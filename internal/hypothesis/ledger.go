package hypothesis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-investigator/internal/metrics"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

// Ledger persists the hypothesis list of one run as a single document.
type Ledger struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	items []Hypothesis
}

// NewLedger returns a ledger backed by path. Nothing is read until Load.
func NewLedger(path string, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{path: path, logger: logger}
}

// Path returns the ledger document location.
func (l *Ledger) Path() string { return l.path }

// Load reads the ledger document.
func (l *Ledger) Load() ([]Hypothesis, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hs, err := readDocument(l.path)
	if err != nil {
		return nil, err
	}
	l.items = hs
	return clone(hs), nil
}

// Save replaces the ledger document with hs.
func (l *Ledger) Save(hs []Hypothesis) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, h := range hs {
		if !h.Status.Valid() {
			return fmt.Errorf("hypothesis %s: invalid status %q", h.ID, h.Status)
		}
	}
	items := clone(hs)
	if err := l.writeLocked(items); err != nil {
		return err
	}
	l.items = items
	return nil
}

// Snapshot returns the in-memory view as of the last Load or write.
func (l *Ledger) Snapshot() []Hypothesis {
	l.mu.Lock()
	defer l.mu.Unlock()
	return clone(l.items)
}

// UpdateStatus moves one hypothesis to status and writes the document through.
func (l *Ledger) UpdateStatus(id string, status Status) ([]Hypothesis, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := range l.items {
		if l.items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	from := l.items[idx].Status
	if err := ValidateTransition(from, status); err != nil {
		return nil, fmt.Errorf("hypothesis %s: %w", id, err)
	}

	items := clone(l.items)
	items[idx].Status = status
	if err := l.writeLocked(items); err != nil {
		return nil, err
	}
	l.items = items
	metrics.HypothesisTransitions.WithLabelValues(string(status)).Inc()

	l.logger.Debug("Hypothesis status updated",
		zap.String("hypothesis_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	return clone(items), nil
}

// Pending counts non-terminal hypotheses in the persisted document.
func (l *Ledger) Pending() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hs, err := readDocument(l.path)
	if err != nil {
		return 0, err
	}
	return CountPending(hs), nil
}

// Recover loads the document and resets any INVESTIGATING hypothesis to
// PENDING. A session interrupted mid-run is re-run from scratch.
func (l *Ledger) Recover() ([]Hypothesis, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hs, err := readDocument(l.path)
	if err != nil {
		return nil, err
	}

	var reset []string
	for i := range hs {
		if hs[i].Status == StatusInvestigating {
			hs[i].Status = StatusPending
			reset = append(reset, hs[i].ID)
		}
	}
	if len(reset) > 0 {
		if err := l.writeLocked(hs); err != nil {
			return nil, err
		}
		l.logger.Info("Reset interrupted hypotheses to pending", zap.Strings("hypothesis_ids", reset))
	}
	l.items = hs
	return clone(hs), nil
}

func (l *Ledger) writeLocked(hs []Hypothesis) error {
	if hs == nil {
		hs = []Hypothesis{}
	}
	if err := workspace.WriteJSONAtomic(l.path, hs); err != nil {
		metrics.LedgerWrites.WithLabelValues("hypotheses", "error").Inc()
		return fmt.Errorf("write hypothesis ledger: %w", err)
	}
	metrics.LedgerWrites.WithLabelValues("hypotheses", "ok").Inc()
	return nil
}

func readDocument(path string) ([]Hypothesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hypothesis ledger: %w", err)
	}
	var hs []Hypothesis
	if err := json.Unmarshal(data, &hs); err != nil {
		return nil, fmt.Errorf("parse hypothesis ledger: %w", err)
	}
	return hs, nil
}

// ReadInput reads an upstream-generated hypothesis list from a .json, .yaml
// or .yml file. Empty statuses default to PENDING.
func ReadInput(path string) ([]Hypothesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hypotheses: %w", err)
	}

	var hs []Hypothesis
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &hs)
	case ".json":
		err = json.Unmarshal(data, &hs)
	default:
		return nil, fmt.Errorf("unsupported hypotheses file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse hypotheses: %w", err)
	}

	if err := Normalize(hs); err != nil {
		return nil, err
	}
	return hs, nil
}

// Normalize defaults empty statuses to PENDING and rejects empty or
// duplicate ids, empty titles and unknown statuses.
func Normalize(hs []Hypothesis) error {
	seen := make(map[string]bool, len(hs))
	for i := range hs {
		h := &hs[i]
		if strings.TrimSpace(h.ID) == "" {
			return fmt.Errorf("hypothesis %d: id is required", i)
		}
		if !workspace.ValidID(h.ID) {
			return fmt.Errorf("hypothesis %d: id %q is not a valid path component", i, h.ID)
		}
		if seen[h.ID] {
			return fmt.Errorf("hypothesis %d: duplicate id %s", i, h.ID)
		}
		seen[h.ID] = true
		if strings.TrimSpace(h.Title) == "" {
			return fmt.Errorf("hypothesis %s: title is required", h.ID)
		}
		if h.Status == "" {
			h.Status = StatusPending
		}
		if !h.Status.Valid() {
			return fmt.Errorf("hypothesis %s: invalid status %q", h.ID, h.Status)
		}
	}
	return nil
}
