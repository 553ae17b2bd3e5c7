package loop

import (
	"context"
	"errors"
	"log/slog"

	"darner.dev/llm"
	"darner.dev/llm/conversation"
)

// maxTurnSteps bounds the number of model responses in a single turn. One
// step is one model response plus the tool calls it requested.
const maxTurnSteps = 32

const wrapUpWarning = "\n\n<budget-warning>You are almost out of steps for this " +
	"turn. Finish what you are doing and reply with a final summary; after your " +
	"next response no more tool calls will be possible.</budget-warning>"

// runTurn drives one turn to completion: it sends initial, runs requested
// tools, feeds results back, and so on until the model stops requesting tools
// or the step budget runs out. Events are emitted on sink in order, ending
// with exactly one TurnComplete or TurnError.
//
// Cancellation is observed at every event boundary. A model call that fails
// only because ctx was cancelled is reported as an interrupted TurnError, not
// a failure.
func runTurn(ctx context.Context, convo *conversation.Convo, initial llm.Message, sink EventSink) {
	var usage TurnUsage
	preTurn := len(convo.Messages())
	msg := initial

	for step := 0; step < maxTurnSteps; step++ {
		if ctx.Err() != nil {
			recordPendingToolResults(convo, msg)
			sink(TurnError{Err: context.Cause(ctx), Interrupted: true})
			return
		}

		finalStep := step == maxTurnSteps-1
		var resp *llm.Response
		var err error
		if finalStep {
			// Budget exhausted: withdraw all tools, forcing a text-only reply.
			resp, err = convo.SendMessageWithoutTools(ctx, msg)
		} else {
			resp, err = convo.SendMessage(ctx, msg)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				// The rejection is caused by our own cancellation; consuming
				// it here marks it handled.
				recordPendingToolResults(convo, msg)
				sink(TurnError{Err: cancelCause(ctx, err), Interrupted: true})
				return
			}
			sink(TurnError{Err: err})
			return
		}
		usage.AddStep(resp.Usage)

		for _, content := range resp.Content {
			switch content.Type {
			case llm.ContentTypeText:
				if content.Text != "" {
					sink(TextDelta{Text: content.Text})
				}
			case llm.ContentTypeToolUse:
				sink(ToolCallStart{ID: content.ID, Name: content.ToolName, Input: content.ToolInput})
			}
		}

		if resp.StopReason != llm.StopReasonToolUse {
			sink(TurnComplete{Usage: usage, NewMessages: convo.Messages()[preTurn:]})
			return
		}

		var onFirstResult func(llm.Content) llm.Content
		if step == maxTurnSteps-2 {
			// Penultimate step: warn the model once, on whichever tool result
			// completes first.
			onFirstResult = func(c llm.Content) llm.Content {
				c.ToolResult = append(c.ToolResult, llm.StringContent(wrapUpWarning))
				return c
			}
		}

		results, err := convo.ToolResultContents(ctx, resp, onFirstResult)
		if err != nil {
			// Only cancellation aborts the tool round; individual tool
			// failures come back as error results. Record cancelled results
			// so every tool_use block keeps a matching tool_result.
			if cancelled, cerr := convo.ToolResultCancelContents(resp); cerr == nil && len(cancelled) > 0 {
				convo.AppendMessage(llm.Message{Role: llm.MessageRoleUser, Content: cancelled})
			}
			sink(TurnError{Err: cancelCause(ctx, err), Interrupted: true})
			return
		}

		toolNames := make(map[string]string)
		for _, content := range resp.Content {
			if content.Type == llm.ContentTypeToolUse {
				toolNames[content.ID] = content.ToolName
			}
		}
		for _, result := range results {
			sink(ToolResult{
				ID:      result.ToolUseID,
				Name:    toolNames[result.ToolUseID],
				Result:  flattenToolResult(result.ToolResult),
				IsError: result.ToolError,
			})
		}

		msg = llm.Message{Role: llm.MessageRoleUser, Content: results}
	}

	// The final step always returns above (no tools means no tool_use stop
	// reason from a well-behaved service); treat anything else as complete.
	slog.WarnContext(ctx, "turn ran out of steps with tool_use still pending")
	sink(TurnComplete{Usage: usage, NewMessages: convo.Messages()[preTurn:]})
}

// recordPendingToolResults commits msg to the history when a cancelled send
// strands a completed tool round, so the previous assistant message's
// tool_use blocks stay answered. The initial user message carries no tool
// results and is handled by the caller.
func recordPendingToolResults(convo *conversation.Convo, msg llm.Message) {
	if hasToolResult(msg) {
		convo.AppendMessage(msg)
	}
}

func cancelCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

func flattenToolResult(contents []llm.Content) string {
	var out string
	for _, c := range contents {
		if c.Type == llm.ContentTypeText {
			if out != "" {
				out += "\n"
			}
			out += c.Text
		}
	}
	return out
}
