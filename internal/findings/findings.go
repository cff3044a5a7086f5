// Package findings builds the per-run findings ledger consumed by the memory
// compiler and report generation.
//
// The summary always satisfies total = confirmed + ruled_out + pending, where
// confirmed and ruled_out are counted from the recorded findings and pending
// is read live from the hypothesis ledger.
package findings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/metrics"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

// MaxEvidence bounds the evidence text stored per finding.
const MaxEvidence = 500

// ErrNotInitialized is returned by Append and Finalize before Initialize or
// Load.
var ErrNotInitialized = errors.New("findings ledger not initialized")

// Finding records the terminal outcome of one hypothesis.
type Finding struct {
	FindingID     string            `json:"finding_id"`
	HypothesisID  string            `json:"hypothesis_id"`
	Outcome       hypothesis.Status `json:"outcome"`
	Evidence      string            `json:"evidence"`
	Confidence    string            `json:"confidence"`
	KeyMetrics    []string          `json:"key_metrics"`
	SessionLogRef string            `json:"session_log_ref"`
	CompletedAt   time.Time         `json:"completed_at"`
}

// IDFor returns the finding id of a hypothesis.
func IDFor(hypothesisID string) string { return "F" + hypothesisID }

// Summary aggregates the ledger.
type Summary struct {
	TotalHypotheses int `json:"total_hypotheses"`
	Confirmed       int `json:"confirmed"`
	RuledOut        int `json:"ruled_out"`
	Pending         int `json:"pending"`
}

// Ledger is the findings ledger document.
type Ledger struct {
	RunID       string     `json:"run_id"`
	Findings    []Finding  `json:"findings"`
	Summary     Summary    `json:"summary"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Confirmed returns the findings with a CONFIRMED outcome.
func (l *Ledger) Confirmed() []Finding {
	var out []Finding
	for _, f := range l.Findings {
		if f.Outcome == hypothesis.StatusConfirmed {
			out = append(out, f)
		}
	}
	return out
}

// Has reports whether a finding exists for hypothesisID.
func (l *Ledger) Has(hypothesisID string) bool {
	for _, f := range l.Findings {
		if f.HypothesisID == hypothesisID {
			return true
		}
	}
	return false
}

// PendingCounter reports the number of non-terminal hypotheses.
type PendingCounter interface {
	Pending() (int, error)
}

// Builder maintains the findings ledger document of one run.
type Builder struct {
	path    string
	pending PendingCounter
	clock   func() time.Time

	mu     sync.Mutex
	ledger *Ledger
}

// NewBuilder returns a builder writing to path. clock defaults to time.Now.
func NewBuilder(path string, pending PendingCounter, clock func() time.Time) *Builder {
	if clock == nil {
		clock = time.Now
	}
	return &Builder{path: path, pending: pending, clock: clock}
}

// Path returns the ledger document location.
func (b *Builder) Path() string { return b.path }

// Initialize writes the ledger for runID. It is empty unless seed findings
// are given, as when a resumed run rebuilds a lost ledger; seeds are stored
// the same way Append stores them, in a single write.
func (b *Builder) Initialize(runID string, seed ...Finding) (*Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock().UTC()
	l := &Ledger{
		RunID:     runID,
		Findings:  []Finding{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, f := range seed {
		b.merge(l, f)
	}
	if err := b.recount(l); err != nil {
		return nil, err
	}
	if err := b.write(l); err != nil {
		return nil, err
	}
	b.ledger = l
	return l.copy(), nil
}

// Load adopts the ledger already on disk, as on a resumed run.
func (b *Builder) Load() (*Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := Read(b.path)
	if err != nil {
		return nil, err
	}
	b.ledger = l
	return l.copy(), nil
}

// Append records f and rewrites the document. Evidence is truncated to
// MaxEvidence characters. A second finding for the same hypothesis replaces
// the first.
func (b *Builder) Append(f Finding) (*Ledger, error) {
	return b.AppendAll([]Finding{f})
}

// AppendAll records fs with one rewrite of the document.
func (b *Builder) AppendAll(fs []Finding) (*Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ledger == nil {
		return nil, ErrNotInitialized
	}
	l := b.ledger.copy()
	for _, f := range fs {
		b.merge(l, f)
	}
	l.UpdatedAt = b.clock().UTC()
	if err := b.recount(l); err != nil {
		return nil, err
	}
	if err := b.write(l); err != nil {
		return nil, err
	}
	b.ledger = l
	return l.copy(), nil
}

// merge fills defaults on f and adds it to l, replacing any finding for the
// same hypothesis.
func (b *Builder) merge(l *Ledger, f Finding) {
	if f.FindingID == "" {
		f.FindingID = IDFor(f.HypothesisID)
	}
	if f.CompletedAt.IsZero() {
		f.CompletedAt = b.clock().UTC()
	}
	if f.KeyMetrics == nil {
		f.KeyMetrics = []string{}
	}
	f.Evidence = truncate(f.Evidence, MaxEvidence)

	for i := range l.Findings {
		if l.Findings[i].HypothesisID == f.HypothesisID {
			l.Findings[i] = f
			return
		}
	}
	l.Findings = append(l.Findings, f)
}

// Finalize stamps the closing timestamp. Counts and findings are recomputed
// the same way as on Append, so repeated calls leave them unchanged.
func (b *Builder) Finalize() (*Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ledger == nil {
		return nil, ErrNotInitialized
	}
	l := b.ledger.copy()
	now := b.clock().UTC()
	l.UpdatedAt = now
	l.FinalizedAt = &now
	if err := b.recount(l); err != nil {
		return nil, err
	}
	if err := b.write(l); err != nil {
		return nil, err
	}
	b.ledger = l
	return l.copy(), nil
}

// Current returns the in-memory ledger, or nil before Initialize.
func (b *Builder) Current() *Ledger {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ledger == nil {
		return nil
	}
	return b.ledger.copy()
}

func (b *Builder) recount(l *Ledger) error {
	s := Summary{}
	for _, f := range l.Findings {
		switch f.Outcome {
		case hypothesis.StatusConfirmed:
			s.Confirmed++
		case hypothesis.StatusRuledOut:
			s.RuledOut++
		}
	}
	if b.pending != nil {
		n, err := b.pending.Pending()
		if err != nil {
			return fmt.Errorf("count pending hypotheses: %w", err)
		}
		s.Pending = n
	}
	s.TotalHypotheses = s.Confirmed + s.RuledOut + s.Pending
	l.Summary = s
	return nil
}

func (b *Builder) write(l *Ledger) error {
	if err := workspace.WriteJSONAtomic(b.path, l); err != nil {
		metrics.LedgerWrites.WithLabelValues("findings", "error").Inc()
		return fmt.Errorf("write findings ledger: %w", err)
	}
	metrics.LedgerWrites.WithLabelValues("findings", "ok").Inc()
	return nil
}

// Read loads a findings ledger document.
func Read(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read findings ledger: %w", err)
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse findings ledger: %w", err)
	}
	if l.Findings == nil {
		l.Findings = []Finding{}
	}
	return &l, nil
}

func (l *Ledger) copy() *Ledger {
	c := *l
	c.Findings = make([]Finding, len(l.Findings))
	for i, f := range l.Findings {
		f.KeyMetrics = append([]string{}, f.KeyMetrics...)
		c.Findings[i] = f
	}
	if l.FinalizedAt != nil {
		t := *l.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
