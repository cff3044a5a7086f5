package agent

import (
	"context"
	"sync"
)

// Attempt is the scripted behaviour of one Run call. Steps are streamed in
// order, then Err (if set) ends the stream.
type Attempt struct {
	Steps []StepEvent
	Err   error
}

// ScriptFunc decides the attempt for a request. call is 0-based across all
// Run calls on the agent.
type ScriptFunc func(req Request, call int) Attempt

// Scripted is an Agent that replays predetermined attempts.
type Scripted struct {
	script ScriptFunc

	mu       sync.Mutex
	requests []Request
}

// NewScripted replays attempts in order; the last one repeats once exhausted.
func NewScripted(attempts ...Attempt) *Scripted {
	return ScriptedFunc(func(_ Request, call int) Attempt {
		if len(attempts) == 0 {
			return Attempt{}
		}
		if call >= len(attempts) {
			return attempts[len(attempts)-1]
		}
		return attempts[call]
	})
}

// ScriptedFunc builds a Scripted agent around fn.
func ScriptedFunc(fn ScriptFunc) *Scripted {
	return &Scripted{script: fn}
}

// Requests returns every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns the number of Run calls.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Run streams the scripted attempt. Steps beyond req.MaxTurns are dropped,
// the way a real agent stops at its turn cap.
func (s *Scripted) Run(ctx context.Context, req Request) (<-chan Event, error) {
	s.mu.Lock()
	call := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	attempt := s.script(req, call)
	steps := attempt.Steps
	if req.MaxTurns > 0 && len(steps) > req.MaxTurns {
		steps = steps[:req.MaxTurns]
	}

	ch := make(chan Event, len(steps)+1)
	go func() {
		defer close(ch)
		for i := range steps {
			step := steps[i]
			if step.Turn == 0 {
				step.Turn = i + 1
			}
			select {
			case ch <- Event{Step: &step}:
			case <-ctx.Done():
				ch <- Event{Err: ctx.Err()}
				return
			}
		}
		if attempt.Err != nil {
			ch <- Event{Err: attempt.Err}
		}
	}()
	return ch, nil
}
