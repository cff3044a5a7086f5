// Package hypothesis tracks candidate causal explanations and their status
// through an investigation run.
//
// Status lifecycle:
//
//	PENDING → INVESTIGATING → CONFIRMED
//	                        → RULED_OUT
//
// The ledger document is an ordered JSON array. Every status mutation is
// written through to disk before the call returns, so a restarted process
// can always tell which hypotheses are already terminal.
package hypothesis

import (
	"errors"
	"fmt"
)

// Status is the lifecycle position of a hypothesis.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusInvestigating Status = "INVESTIGATING"
	StatusConfirmed     Status = "CONFIRMED"
	StatusRuledOut      Status = "RULED_OUT"
)

var (
	// ErrInvalidTransition is returned for any move outside the forward lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when no hypothesis has the requested id.
	ErrNotFound = errors.New("hypothesis not found")
)

// Hypothesis is a candidate causal explanation for a metric change.
type Hypothesis struct {
	// ID is unique within a run and used as a path component.
	ID string `json:"id" yaml:"id"`

	// Title is the one-line statement shown in progress entries.
	Title string `json:"title" yaml:"title"`

	// CausalStory is the narrative of how the cause produces the change.
	CausalStory string `json:"causal_story" yaml:"causal_story"`

	// Dimensions are the data columns to slice by.
	Dimensions []string `json:"dimensions" yaml:"dimensions"`

	// ExpectedPattern describes what the data should show if the hypothesis holds.
	ExpectedPattern string `json:"expected_pattern" yaml:"expected_pattern"`

	// Priority ranks investigation order; 1 is investigated first.
	Priority int `json:"priority" yaml:"priority"`

	Status Status `json:"status" yaml:"status"`
}

// Terminal reports whether s is CONFIRMED or RULED_OUT.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRuledOut
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInvestigating, StatusConfirmed, StatusRuledOut:
		return true
	}
	return false
}

var validTransitions = map[Status][]Status{
	StatusPending:       {StatusInvestigating},
	StatusInvestigating: {StatusConfirmed, StatusRuledOut},
	StatusConfirmed:     {},
	StatusRuledOut:      {},
}

// ValidateTransition checks that moving from one status to another follows
// the forward lifecycle.
func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// NextPending returns the PENDING hypothesis with the lowest priority number.
// Ties go to the earlier entry in the list.
func NextPending(hs []Hypothesis) (*Hypothesis, bool) {
	idx := -1
	for i := range hs {
		if hs[i].Status != StatusPending {
			continue
		}
		if idx < 0 || hs[i].Priority < hs[idx].Priority {
			idx = i
		}
	}
	if idx < 0 {
		return nil, false
	}
	h := hs[idx]
	return &h, true
}

// CountPending returns the number of hypotheses not yet terminal.
func CountPending(hs []Hypothesis) int {
	n := 0
	for _, h := range hs {
		if !h.Status.Terminal() {
			n++
		}
	}
	return n
}

// Find returns the hypothesis with the given id.
func Find(hs []Hypothesis, id string) (*Hypothesis, bool) {
	for i := range hs {
		if hs[i].ID == id {
			h := hs[i]
			return &h, true
		}
	}
	return nil, false
}

func clone(hs []Hypothesis) []Hypothesis {
	out := make([]Hypothesis, len(hs))
	for i, h := range hs {
		h.Dimensions = append([]string(nil), h.Dimensions...)
		out[i] = h
	}
	return out
}
