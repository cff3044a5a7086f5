package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func drain(ch <-chan Event) (steps []StepEvent, err error) {
	for evt := range ch {
		if evt.Err != nil {
			err = evt.Err
			continue
		}
		steps = append(steps, *evt.Step)
	}
	return steps, err
}

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]string{"read-file", "list-files"})
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	req := Request{AllowedCapabilities: caps}
	if !req.Allows(CapReadFile) || !req.Allows(CapListFiles) {
		t.Error("expected read-file and list-files to be allowed")
	}
	if req.Allows(CapExecuteShell) {
		t.Error("execute-shell should not be allowed")
	}

	if _, err := ParseCapabilities([]string{"delete-file"}); err == nil {
		t.Error("expected error for unknown capability")
	}
}

func TestIsTransport(t *testing.T) {
	base := &TransportError{Err: errors.New("connection reset")}
	if !IsTransport(base) {
		t.Error("TransportError should be a transport failure")
	}
	if !IsTransport(fmt.Errorf("turn 2: %w", base)) {
		t.Error("wrapped TransportError should be a transport failure")
	}
	if IsTransport(errors.New("bad request")) {
		t.Error("plain error should not be a transport failure")
	}
	if IsTransport(context.Canceled) {
		t.Error("cancellation should not be a transport failure")
	}
}

func TestScriptedReplaysAttempts(t *testing.T) {
	transport := &TransportError{Err: errors.New("EOF")}
	s := NewScripted(
		Attempt{Err: transport},
		Attempt{Steps: []StepEvent{{Action: "list_files"}, {Action: "respond"}}},
	)

	ch, _ := s.Run(context.Background(), Request{SessionID: "a"})
	steps, err := drain(ch)
	if !IsTransport(err) || len(steps) != 0 {
		t.Fatalf("first call: steps=%d err=%v", len(steps), err)
	}

	for i := 0; i < 2; i++ {
		ch, _ = s.Run(context.Background(), Request{SessionID: "b"})
		steps, err = drain(ch)
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i+2, err)
		}
		if len(steps) != 2 || steps[0].Turn != 1 || steps[1].Turn != 2 {
			t.Fatalf("call %d: unexpected steps %+v", i+2, steps)
		}
	}

	if s.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", s.Calls())
	}
	if s.Requests()[0].SessionID != "a" {
		t.Errorf("unexpected first request %+v", s.Requests()[0])
	}
}

func TestScriptedHonoursMaxTurns(t *testing.T) {
	steps := make([]StepEvent, 12)
	s := NewScripted(Attempt{Steps: steps})

	ch, _ := s.Run(context.Background(), Request{MaxTurns: 10})
	got, err := drain(ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("expected 10 steps, got %d", len(got))
	}
}

func TestScriptedFuncPerRequest(t *testing.T) {
	s := ScriptedFunc(func(req Request, call int) Attempt {
		return Attempt{Steps: []StepEvent{{Action: req.SessionID, LogEntry: fmt.Sprint(call)}}}
	})
	ch, _ := s.Run(context.Background(), Request{SessionID: "H7"})
	got, _ := drain(ch)
	if len(got) != 1 || got[0].Action != "H7" || got[0].LogEntry != "0" {
		t.Errorf("unexpected steps %+v", got)
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, CostUSD: 0.01}
	sum := u.Add(Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3, CostUSD: 0.02})
	if sum.TotalTokens != 18 || sum.InputTokens != 11 || sum.OutputTokens != 7 {
		t.Errorf("unexpected sum %+v", sum)
	}
}
