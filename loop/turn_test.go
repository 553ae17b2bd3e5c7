package loop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"darner.dev/llm"
	"darner.dev/llm/conversation"
)

func newTestConvo(svc *MockService, tools ...*llm.Tool) *conversation.Convo {
	convo := conversation.New(context.Background(), svc)
	convo.Tools = tools
	return convo
}

func collectTurn(ctx context.Context, convo *conversation.Convo, input string) []TurnEvent {
	var events []TurnEvent
	runTurn(ctx, convo, llm.UserStringMessage(input), func(ev TurnEvent) {
		events = append(events, ev)
	})
	return events
}

func TestRunTurnSimpleText(t *testing.T) {
	svc := &MockService{}
	svc.ExpectCall("hi", textResponse("hello", llm.Usage{InputTokens: 4, OutputTokens: 2}), nil)
	convo := newTestConvo(svc)

	events := collectTurn(context.Background(), convo, "hi")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if td, ok := events[0].(TextDelta); !ok || td.Text != "hello" {
		t.Errorf("event 0 = %+v, want TextDelta hello", events[0])
	}
	tc, ok := events[1].(TurnComplete)
	if !ok {
		t.Fatalf("event 1 = %+v, want TurnComplete", events[1])
	}
	if len(tc.NewMessages) != 2 {
		t.Errorf("NewMessages = %d, want 2", len(tc.NewMessages))
	}
	if tc.Usage.InputTokens != 4 || tc.Usage.OutputTokens != 2 || tc.Usage.ContextTokens != 4 {
		t.Errorf("usage = %+v", tc.Usage)
	}
}

func TestRunTurnContextTokensOverwritten(t *testing.T) {
	tool := &llm.Tool{Name: "noop", InputSchema: llm.MustSchema(`{"type":"object"}`),
		Run: func(ctx context.Context, input json.RawMessage) (string, error) { return "ok", nil }}
	svc := &MockService{}
	svc.ExpectCall("", toolUseResponse("tu_1", "noop", `{}`, llm.Usage{InputTokens: 10, OutputTokens: 1}), nil)
	svc.ExpectCall("", textResponse("done", llm.Usage{InputTokens: 25, OutputTokens: 2}), nil)
	convo := newTestConvo(svc, tool)

	events := collectTurn(context.Background(), convo, "go")
	tc, ok := events[len(events)-1].(TurnComplete)
	if !ok {
		t.Fatalf("last event = %+v", events[len(events)-1])
	}
	if tc.Usage.InputTokens != 35 || tc.Usage.OutputTokens != 3 {
		t.Errorf("summed usage = %+v", tc.Usage)
	}
	if tc.Usage.ContextTokens != 25 {
		t.Errorf("ContextTokens = %d, want last step's 25", tc.Usage.ContextTokens)
	}
}

func TestRunTurnToolErrorContinues(t *testing.T) {
	tool := &llm.Tool{Name: "flaky", InputSchema: llm.MustSchema(`{"type":"object"}`),
		Run: func(ctx context.Context, input json.RawMessage) (string, error) {
			return "", errors.New("tool exploded")
		}}
	svc := &MockService{}
	svc.ExpectCall("", toolUseResponse("tu_1", "flaky", `{}`, llm.Usage{}), nil)
	svc.ExpectCall("tool exploded", textResponse("recovered", llm.Usage{}), nil)
	convo := newTestConvo(svc, tool)

	events := collectTurn(context.Background(), convo, "go")
	var sawErrorResult bool
	for _, ev := range events {
		if tr, ok := ev.(ToolResult); ok {
			if !tr.IsError || !strings.Contains(tr.Result, "tool exploded") {
				t.Errorf("ToolResult = %+v", tr)
			}
			sawErrorResult = true
		}
	}
	if !sawErrorResult {
		t.Error("no error tool result emitted")
	}
	if _, ok := events[len(events)-1].(TurnComplete); !ok {
		t.Errorf("turn did not complete after tool error: %+v", events[len(events)-1])
	}
}

func TestRunTurnUnknownToolIsError(t *testing.T) {
	svc := &MockService{}
	svc.ExpectCall("", toolUseResponse("tu_1", "nonexistent", `{}`, llm.Usage{}), nil)
	svc.ExpectCall("not found", textResponse("oh well", llm.Usage{}), nil)
	convo := newTestConvo(svc)

	events := collectTurn(context.Background(), convo, "go")
	var sawError bool
	for _, ev := range events {
		if tr, ok := ev.(ToolResult); ok && tr.IsError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("unknown tool did not produce an error result")
	}
}

// TestRunTurnStepBudget scripts a model that requests a tool on every step.
// The penultimate step's tool result must carry the wrap-up warning, and the
// final call must go out without tools.
func TestRunTurnStepBudget(t *testing.T) {
	tool := &llm.Tool{Name: "spin", InputSchema: llm.MustSchema(`{"type":"object"}`),
		Run: func(ctx context.Context, input json.RawMessage) (string, error) { return "spun", nil }}
	svc := &MockService{}
	for i := 0; i < maxTurnSteps-1; i++ {
		svc.ExpectCall("", toolUseResponse("tu", "spin", `{}`, llm.Usage{}), nil)
	}
	svc.ExpectCall("", textResponse("wrapping up", llm.Usage{}), nil)
	convo := newTestConvo(svc, tool)

	events := collectTurn(context.Background(), convo, "go forever")
	if _, ok := events[len(events)-1].(TurnComplete); !ok {
		t.Fatalf("last event = %+v, want TurnComplete", events[len(events)-1])
	}

	calls := svc.Calls()
	if len(calls) != maxTurnSteps {
		t.Fatalf("made %d calls, want %d", len(calls), maxTurnSteps)
	}

	// The warning is injected into the penultimate step's tool result, so it
	// arrives with the final request, and only there.
	for i, call := range calls {
		has := requestContains(call, "budget-warning")
		if want := i == maxTurnSteps-1; has != want {
			t.Errorf("call %d contains budget warning = %v, want %v", i, has, want)
		}
	}

	final := calls[maxTurnSteps-1]
	if len(final.Tools) != 0 {
		t.Errorf("final call carries %d tools, want 0", len(final.Tools))
	}
	if final.ToolChoice == nil || final.ToolChoice.Type != llm.ToolChoiceTypeNone {
		t.Errorf("final call tool choice = %+v, want none", final.ToolChoice)
	}
}

func TestRunTurnCancelledBeforeStart(t *testing.T) {
	svc := &MockService{}
	convo := newTestConvo(svc)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("user interrupt"))

	events := collectTurn(ctx, convo, "hi")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	te, ok := events[0].(TurnError)
	if !ok || !te.Interrupted {
		t.Errorf("event = %+v, want interrupted TurnError", events[0])
	}
	if len(svc.Calls()) != 0 {
		t.Error("model was called after cancellation")
	}
}

func TestRunTurnModelFailure(t *testing.T) {
	svc := &MockService{}
	svc.ExpectCall("", nil, errors.New("boom"))
	convo := newTestConvo(svc)

	events := collectTurn(context.Background(), convo, "hi")
	te, ok := events[len(events)-1].(TurnError)
	if !ok || te.Interrupted || !strings.Contains(te.Err.Error(), "boom") {
		t.Errorf("terminal event = %+v, want TurnError boom", events[len(events)-1])
	}
}
