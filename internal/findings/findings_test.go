package findings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
)

type counter struct {
	n   int
	err error
}

func (c *counter) Pending() (int, error) { return c.n, c.err }

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func newBuilder(t *testing.T, pending *counter) *Builder {
	t.Helper()
	return NewBuilder(filepath.Join(t.TempDir(), "findings_ledger.json"), pending, fixedClock())
}

func assertTotal(t *testing.T, l *Ledger) {
	t.Helper()
	s := l.Summary
	assert.Equal(t, s.Confirmed+s.RuledOut+s.Pending, s.TotalHypotheses)
}

func TestInitializeWritesEmptyLedger(t *testing.T) {
	b := newBuilder(t, &counter{n: 3})

	l, err := b.Initialize("run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", l.RunID)
	assert.Empty(t, l.Findings)
	assert.Equal(t, Summary{TotalHypotheses: 3, Pending: 3}, l.Summary)
	assert.Nil(t, l.FinalizedAt)

	onDisk, err := Read(b.Path())
	require.NoError(t, err)
	assert.Equal(t, l.Summary, onDisk.Summary)
	assert.NotNil(t, onDisk.Findings)
}

func TestAppendMaintainsTotal(t *testing.T) {
	pending := &counter{n: 3}
	b := newBuilder(t, pending)
	_, err := b.Initialize("run-1")
	require.NoError(t, err)

	pending.n = 2
	l, err := b.Append(Finding{
		HypothesisID:  "H1",
		Outcome:       hypothesis.StatusConfirmed,
		Evidence:      "iOS DAU dropped 15.6% while Android +0.2%",
		Confidence:    "HIGH",
		KeyMetrics:    []string{"iOS DAU -15.6%"},
		SessionLogRef: "analysis/logs/session_H1_20240301T120000.json",
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalHypotheses: 3, Confirmed: 1, Pending: 2}, l.Summary)
	assertTotal(t, l)

	f := l.Findings[0]
	assert.Equal(t, "FH1", f.FindingID)
	assert.Equal(t, "iOS DAU dropped 15.6% while Android +0.2%", f.Evidence)
	assert.False(t, f.CompletedAt.IsZero())
	assert.True(t, l.UpdatedAt.After(l.CreatedAt))

	pending.n = 1
	l, err = b.Append(Finding{HypothesisID: "H2", Outcome: hypothesis.StatusRuledOut, Evidence: "flat", Confidence: "LOW"})
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalHypotheses: 3, Confirmed: 1, RuledOut: 1, Pending: 1}, l.Summary)
	assert.NotNil(t, l.Findings[1].KeyMetrics)
	assertTotal(t, l)

	assert.Len(t, l.Confirmed(), 1)
	assert.True(t, l.Has("H2"))
	assert.False(t, l.Has("H3"))
}

func TestAppendReplacesSameHypothesis(t *testing.T) {
	b := newBuilder(t, &counter{})
	_, err := b.Initialize("run-1")
	require.NoError(t, err)

	_, err = b.Append(Finding{HypothesisID: "H1", Outcome: hypothesis.StatusRuledOut, Evidence: "first"})
	require.NoError(t, err)
	l, err := b.Append(Finding{HypothesisID: "H1", Outcome: hypothesis.StatusConfirmed, Evidence: "second"})
	require.NoError(t, err)

	require.Len(t, l.Findings, 1)
	assert.Equal(t, "second", l.Findings[0].Evidence)
	assert.Equal(t, Summary{TotalHypotheses: 1, Confirmed: 1}, l.Summary)
}

func TestAppendTruncatesEvidence(t *testing.T) {
	b := newBuilder(t, &counter{})
	_, err := b.Initialize("run-1")
	require.NoError(t, err)

	l, err := b.Append(Finding{HypothesisID: "H1", Outcome: hypothesis.StatusRuledOut, Evidence: strings.Repeat("é", 800)})
	require.NoError(t, err)
	assert.Equal(t, MaxEvidence, len([]rune(l.Findings[0].Evidence)))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	pending := &counter{n: 1}
	b := newBuilder(t, pending)
	_, err := b.Initialize("run-1")
	require.NoError(t, err)
	pending.n = 0
	_, err = b.Append(Finding{HypothesisID: "H1", Outcome: hypothesis.StatusConfirmed, Evidence: "x"})
	require.NoError(t, err)

	first, err := b.Finalize()
	require.NoError(t, err)
	require.NotNil(t, first.FinalizedAt)

	second, err := b.Finalize()
	require.NoError(t, err)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Findings, second.Findings)
	assertTotal(t, second)

	onDisk, err := Read(b.Path())
	require.NoError(t, err)
	assert.NotNil(t, onDisk.FinalizedAt)
}

func TestEmptyRunFinalizesToZero(t *testing.T) {
	b := newBuilder(t, &counter{})
	_, err := b.Initialize("run-1")
	require.NoError(t, err)

	l, err := b.Finalize()
	require.NoError(t, err)
	assert.Equal(t, Summary{}, l.Summary)
}

func TestNotInitialized(t *testing.T) {
	b := newBuilder(t, &counter{})
	_, err := b.Append(Finding{HypothesisID: "H1"})
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = b.Finalize()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Nil(t, b.Current())
}

func TestLoadResumesExistingLedger(t *testing.T) {
	b := newBuilder(t, &counter{n: 2})
	_, err := b.Initialize("run-1")
	require.NoError(t, err)
	_, err = b.Append(Finding{HypothesisID: "H1", Outcome: hypothesis.StatusConfirmed, Evidence: "x"})
	require.NoError(t, err)

	resumed := NewBuilder(b.Path(), &counter{n: 0}, nil)
	l, err := resumed.Load()
	require.NoError(t, err)
	assert.Len(t, l.Findings, 1)

	l, err = resumed.Append(Finding{HypothesisID: "H2", Outcome: hypothesis.StatusRuledOut, Evidence: "y"})
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalHypotheses: 2, Confirmed: 1, RuledOut: 1}, l.Summary)
}

func TestInitializeWithSeedFindings(t *testing.T) {
	b := newBuilder(t, &counter{n: 1})

	l, err := b.Initialize("run-1",
		Finding{HypothesisID: "H1", Outcome: hypothesis.StatusConfirmed, Evidence: strings.Repeat("x", 600)},
		Finding{HypothesisID: "H2", Outcome: hypothesis.StatusRuledOut, Evidence: "flat"},
	)
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalHypotheses: 3, Confirmed: 1, RuledOut: 1, Pending: 1}, l.Summary)
	require.Len(t, l.Findings, 2)
	assert.Equal(t, "FH1", l.Findings[0].FindingID)
	assert.Len(t, l.Findings[0].Evidence, MaxEvidence)
	assert.NotNil(t, l.Findings[1].KeyMetrics)

	onDisk, err := Read(b.Path())
	require.NoError(t, err)
	assert.Equal(t, l.Summary, onDisk.Summary)
	assert.Len(t, onDisk.Findings, 2)
}

func TestAppendAll(t *testing.T) {
	b := newBuilder(t, &counter{n: 2})
	_, err := b.Initialize("run-1")
	require.NoError(t, err)

	_, err = NewBuilder(b.Path(), nil, nil).AppendAll(nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	l, err := b.AppendAll([]Finding{
		{HypothesisID: "H1", Outcome: hypothesis.StatusConfirmed, Evidence: "a"},
		{HypothesisID: "H2", Outcome: hypothesis.StatusRuledOut, Evidence: "b"},
		{HypothesisID: "H1", Outcome: hypothesis.StatusRuledOut, Evidence: "c"},
	})
	require.NoError(t, err)
	require.Len(t, l.Findings, 2)
	assert.Equal(t, "c", l.Findings[0].Evidence)
	assert.Equal(t, Summary{TotalHypotheses: 4, RuledOut: 2, Pending: 2}, l.Summary)
	assertTotal(t, l)

	onDisk, err := Read(b.Path())
	require.NoError(t, err)
	assert.Equal(t, l.Summary, onDisk.Summary)
}

func TestPendingCounterFailure(t *testing.T) {
	b := newBuilder(t, &counter{err: errors.New("disk gone")})
	_, err := b.Initialize("run-1")
	require.Error(t, err)
	_, statErr := os.Stat(b.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	b := NewBuilder(filepath.Join(blocker, "findings_ledger.json"), &counter{}, nil)
	_, err := b.Initialize("run-1")
	assert.Error(t, err)
}
