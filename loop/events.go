package loop

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"darner.dev/llm"
)

// TurnEvent is one event in the stream a turn produces. It is a closed set:
// TextDelta, ToolCallStart, ToolResult, TurnComplete, TurnError. A turn emits
// exactly one terminal event, TurnComplete or TurnError, as its last event.
type TurnEvent interface {
	turnEvent()
	Attr() slog.Attr
}

// TextDelta carries a chunk of assistant text.
type TextDelta struct {
	Text string
}

// ToolCallStart announces that the model requested a tool call.
type ToolCallStart struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult carries the outcome of one tool call.
type ToolResult struct {
	ID      string
	Name    string
	Result  string
	IsError bool
}

// TurnComplete terminates a successful turn.
type TurnComplete struct {
	Usage TurnUsage
	// NewMessages are the messages the turn added to the conversation,
	// in order: the user message, then assistant and tool-result messages.
	NewMessages []llm.Message
}

// TurnError terminates a failed or interrupted turn.
type TurnError struct {
	Err error
	// Interrupted is set when the turn stopped because of cancellation
	// rather than a genuine failure.
	Interrupted bool
}

func (TextDelta) turnEvent()     {}
func (ToolCallStart) turnEvent() {}
func (ToolResult) turnEvent()    {}
func (TurnComplete) turnEvent()  {}
func (TurnError) turnEvent()     {}

func (e TextDelta) Attr() slog.Attr {
	return slog.Group("text_delta", slog.String("text", e.Text))
}

func (e ToolCallStart) Attr() slog.Attr {
	return slog.Group("tool_call_start",
		slog.String("id", e.ID), slog.String("name", e.Name),
		slog.String("input", string(e.Input)))
}

func (e ToolResult) Attr() slog.Attr {
	return slog.Group("tool_result",
		slog.String("id", e.ID), slog.String("name", e.Name),
		slog.Bool("is_error", e.IsError))
}

func (e TurnComplete) Attr() slog.Attr {
	return slog.Group("turn_complete",
		slog.Int("new_messages", len(e.NewMessages)), e.Usage.Attr())
}

func (e TurnError) Attr() slog.Attr {
	return slog.Group("turn_error",
		slog.String("error", fmt.Sprint(e.Err)), slog.Bool("interrupted", e.Interrupted))
}

// TurnUsage aggregates token counts across the steps of a turn.
// InputTokens and OutputTokens are summed; ContextTokens is overwritten at
// each step with the latest prompt size, for context-window display.
type TurnUsage struct {
	InputTokens   uint64 `json:"input_tokens"`
	OutputTokens  uint64 `json:"output_tokens"`
	ContextTokens uint64 `json:"context_tokens"`
}

func (u *TurnUsage) AddStep(usage llm.Usage) {
	u.InputTokens += usage.InputTokens
	u.OutputTokens += usage.OutputTokens
	u.ContextTokens = usage.InputTokens
}

// Add folds another turn's usage into u. ContextTokens takes the later value.
func (u *TurnUsage) Add(other TurnUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ContextTokens = other.ContextTokens
}

func (u TurnUsage) Attr() slog.Attr {
	return slog.Group("usage",
		slog.Uint64("input_tokens", u.InputTokens),
		slog.Uint64("output_tokens", u.OutputTokens),
		slog.Uint64("context_tokens", u.ContextTokens))
}

// EventSink receives turn events for display. Implementations must not block
// for long; the turn loop calls them synchronously.
type EventSink func(TurnEvent)
