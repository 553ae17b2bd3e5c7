// Package conversation manages a tool-using conversation with an LLM:
// sending messages, running requested tools, tracking usage, and spawning
// sub-conversations for nested agents.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/richardlehane/crock32"

	"darner.dev/llm"
	"darner.dev/skribe"
)

type Listener interface {
	OnToolCall(ctx context.Context, convo *Convo, toolCallID string, toolName string, toolInput json.RawMessage, content llm.Content)
	OnToolResult(ctx context.Context, convo *Convo, toolCallID string, toolName string, toolInput json.RawMessage, content llm.Content, result *string, err error)
	OnRequest(ctx context.Context, convo *Convo, requestID string, msg *llm.Message)
	OnResponse(ctx context.Context, convo *Convo, requestID string, msg *llm.Response)
}

type NoopListener struct{}

func (n *NoopListener) OnToolCall(ctx context.Context, convo *Convo, id string, toolName string, toolInput json.RawMessage, content llm.Content) {
}

func (n *NoopListener) OnToolResult(ctx context.Context, convo *Convo, id string, toolName string, toolInput json.RawMessage, content llm.Content, result *string, err error) {
}

func (n *NoopListener) OnResponse(ctx context.Context, convo *Convo, id string, msg *llm.Response) {}
func (n *NoopListener) OnRequest(ctx context.Context, convo *Convo, id string, msg *llm.Message) {}

// A Convo is a managed conversation with an LLM.
// It records the messages sent and received, calls tools when the model
// requests them, and tracks usage.
//
// Exported fields must not be altered concurrently with calling any method on
// Convo. Typical usage is to configure a Convo once before using it.
type Convo struct {
	// ID is a unique ID for the conversation.
	ID string
	// Ctx is the context for the entire conversation.
	Ctx context.Context
	// Service is the LLM service to use.
	Service llm.Service
	// Tools are the tools available during the conversation.
	Tools []*llm.Tool
	// SystemPrompt is the system prompt for the conversation.
	SystemPrompt string
	// Model optionally overrides the service's default model.
	Model string
	// Parent is the parent conversation, if any.
	// It is non-nil for subagent conversations.
	// It is set automatically by SubConvo and usually should not be set manually.
	Parent *Convo

	// Listener receives conversation callbacks.
	Listener Listener

	// messages tracks the messages so far in the conversation.
	messages []llm.Message

	toolUseCancelMu sync.Mutex
	toolUseCancel   map[string]context.CancelCauseFunc

	// Protects usage. Shared with sub-conversations, which propagate usage upward.
	mu *sync.Mutex
	// usage tracks usage for this conversation and all sub-conversations.
	usage *CumulativeUsage
	// lastUsage tracks the usage from the most recent API call.
	lastUsage llm.Usage
}

// newConvoID generates a new short random id.
// The uniqueness/collision requirements here are very low:
// these are not global identifiers, just enough to distinguish
// different convos in a single session.
func newConvoID() string {
	u1 := rand.Uint32()
	s := crock32.Encode(uint64(u1))
	if len(s) < 7 {
		s += strings.Repeat("0", 7-len(s))
	}
	return s[:3] + "-" + s[3:]
}

// New creates a new conversation with sensible defaults.
// ctx is the context for the entire conversation.
func New(ctx context.Context, srv llm.Service) *Convo {
	id := newConvoID()
	return &Convo{
		Ctx:           skribe.ContextWithAttr(ctx, slog.String("convo_id", id)),
		Service:       srv,
		usage:         newUsage(),
		Listener:      &NoopListener{},
		ID:            id,
		toolUseCancel: map[string]context.CancelCauseFunc{},
		mu:            &sync.Mutex{},
	}
}

// SubConvo creates a sub-conversation with the same service and listener as
// the parent conversation. The sub-conversation shares no messages with the
// parent conversation and does not inherit its tools.
func (c *Convo) SubConvo() *Convo {
	id := newConvoID()
	return &Convo{
		Ctx:     skribe.ContextWithAttr(c.Ctx, slog.String("convo_id", id), slog.String("parent_convo_id", c.ID)),
		Service: c.Service,
		Model:   c.Model,
		Parent:  c,
		// Sub-convo usage shares the tool uses map with the parent,
		// all other fields are separate, propagated in SendMessage.
		usage:         newUsageWithSharedToolUses(c.usage),
		mu:            c.mu,
		Listener:      c.Listener,
		ID:            id,
		toolUseCancel: map[string]context.CancelCauseFunc{},
	}
}

// Depth reports how many sub-conversations deep this conversation is.
// That is, it walks up parents until it finds a root.
func (c *Convo) Depth() int {
	x := c
	var depth int
	for x.Parent != nil {
		x = x.Parent
		depth++
	}
	return depth
}

// SendUserTextMessage sends a text message to the LLM in this conversation.
// otherContents contains additional contents to send with the message, usually tool results.
func (c *Convo) SendUserTextMessage(ctx context.Context, s string, otherContents ...llm.Content) (*llm.Response, error) {
	contents := slices.Clone(otherContents)
	if s != "" {
		contents = append(contents, llm.StringContent(s))
	}
	msg := llm.Message{
		Role:    llm.MessageRoleUser,
		Content: contents,
	}
	return c.SendMessage(ctx, msg)
}

func (c *Convo) messageRequest(msg llm.Message, tools []*llm.Tool, toolChoice *llm.ToolChoice) *llm.Request {
	system := []llm.SystemContent{}
	if c.SystemPrompt != "" {
		system = []llm.SystemContent{{Type: "text", Text: c.SystemPrompt}}
	}

	// Models reject requests containing empty messages
	// ("all messages must have non-empty content except for the optional
	// final assistant message"), so filter those out.
	var nonEmptyMessages []llm.Message
	for _, m := range c.messages {
		if len(m.Content) > 0 {
			nonEmptyMessages = append(nonEmptyMessages, m)
		}
	}

	return &llm.Request{
		Model:      c.Model,
		Messages:   append(nonEmptyMessages, msg), // not yet committed to keeping msg
		System:     system,
		Tools:      tools,
		ToolChoice: toolChoice,
	}
}

func (c *Convo) findTool(name string) (*llm.Tool, error) {
	for _, tool := range c.Tools {
		if tool.Name == name {
			return tool, nil
		}
	}
	return nil, fmt.Errorf("tool %q not found", name)
}

// insertMissingToolResults adds error results for tool uses that were requested
// but not included in the message, which can happen in error paths like
// cancellation. We only insert these if there were no tool responses at all,
// since an incorrect number of tool results would be a programmer error.
// Mutates inputs.
func (c *Convo) insertMissingToolResults(mr *llm.Request, msg *llm.Message) {
	if len(mr.Messages) < 2 {
		return
	}
	prev := mr.Messages[len(mr.Messages)-2]
	var toolUsePrev int
	for _, c := range prev.Content {
		if c.Type == llm.ContentTypeToolUse {
			toolUsePrev++
		}
	}
	if toolUsePrev == 0 {
		return
	}
	var toolUseCurrent int
	for _, c := range msg.Content {
		if c.Type == llm.ContentTypeToolResult {
			toolUseCurrent++
		}
	}
	if toolUseCurrent != 0 {
		return
	}
	var prefix []llm.Content
	for _, part := range prev.Content {
		if part.Type != llm.ContentTypeToolUse {
			continue
		}
		prefix = append(prefix, llm.Content{
			Type:       llm.ContentTypeToolResult,
			ToolUseID:  part.ID,
			ToolError:  true,
			ToolResult: llm.TextToolResult("not executed; retry possible"),
		})
	}
	msg.Content = append(prefix, msg.Content...)
	mr.Messages[len(mr.Messages)-1].Content = msg.Content
	slog.DebugContext(c.Ctx, "inserted missing tool results")
}

// SendMessage sends a message to the LLM with the conversation's full tool set.
// The conversation records (internally) all messages successfully sent and received.
// ctx bounds this call only; cancelling it aborts the request.
func (c *Convo) SendMessage(ctx context.Context, msg llm.Message) (*llm.Response, error) {
	return c.sendMessage(ctx, msg, c.Tools, nil)
}

// SendMessageWithoutTools sends a message carrying no tools at all,
// forcing a text-only reply.
func (c *Convo) SendMessageWithoutTools(ctx context.Context, msg llm.Message) (*llm.Response, error) {
	return c.sendMessage(ctx, msg, nil, &llm.ToolChoice{Type: llm.ToolChoiceTypeNone})
}

func (c *Convo) sendMessage(ctx context.Context, msg llm.Message, tools []*llm.Tool, toolChoice *llm.ToolChoice) (*llm.Response, error) {
	id := ulid.Make().String()
	mr := c.messageRequest(msg, tools, toolChoice)
	c.insertMissingToolResults(mr, &msg)
	c.Listener.OnRequest(c.Ctx, c, id, &msg)

	startTime := time.Now()
	resp, err := c.Service.Do(ctx, mr)
	if resp != nil {
		resp.StartTime = &startTime
		endTime := time.Now()
		resp.EndTime = &endTime
	}

	if err != nil {
		c.Listener.OnResponse(c.Ctx, c, id, nil)
		return nil, err
	}
	c.messages = append(c.messages, msg, resp.ToMessage())
	// Propagate usage to all ancestors (including us).
	c.mu.Lock()
	for x := c; x != nil; x = x.Parent {
		x.usage.Add(resp.Usage)
		if x == c {
			x.lastUsage = resp.Usage
		}
	}
	c.mu.Unlock()
	c.Listener.OnResponse(c.Ctx, c, id, resp)
	return resp, err
}

// Messages returns a copy of the messages exchanged so far.
func (c *Convo) Messages() []llm.Message {
	return slices.Clone(c.messages)
}

// SetMessages replaces the conversation history, for resuming a persisted
// session.
func (c *Convo) SetMessages(msgs []llm.Message) {
	c.messages = slices.Clone(msgs)
}

// TruncateMessages drops all messages at index n and beyond, for undo.
func (c *Convo) TruncateMessages(n int) {
	if n < len(c.messages) {
		c.messages = c.messages[:n]
	}
}

// AppendMessage records msg in the history without sending anything, for
// interrupt stubs.
func (c *Convo) AppendMessage(msg llm.Message) {
	c.messages = append(c.messages, msg)
}

type toolCallInfoKeyType string

var toolCallInfoKey toolCallInfoKeyType

type ToolCallInfo struct {
	ToolUseID string
	Convo     *Convo
}

func ToolCallInfoFromContext(ctx context.Context) ToolCallInfo {
	v := ctx.Value(toolCallInfoKey)
	i, _ := v.(ToolCallInfo)
	return i
}

// ToolResultCancelContents builds error results for every tool use in resp
// without waiting on any tools, for when the user has cancelled the turn.
// Tool-use counters are not touched; the cancelled round already counted.
func (c *Convo) ToolResultCancelContents(resp *llm.Response) ([]llm.Content, error) {
	if resp.StopReason != llm.StopReasonToolUse {
		return nil, nil
	}
	var toolResults []llm.Content

	for _, part := range resp.Content {
		if part.Type != llm.ContentTypeToolUse {
			continue
		}
		toolResults = append(toolResults, llm.Content{
			Type:       llm.ContentTypeToolResult,
			ToolUseID:  part.ID,
			ToolError:  true,
			ToolResult: llm.TextToolResult("user cancelled this tool_use"),
		})
	}
	return toolResults, nil
}

func (c *Convo) CancelToolUse(toolUseID string, err error) error {
	c.toolUseCancelMu.Lock()
	defer c.toolUseCancelMu.Unlock()
	cancel, ok := c.toolUseCancel[toolUseID]
	if !ok {
		return fmt.Errorf("cannot cancel %s: no cancel function registered for this tool_use_id", toolUseID)
	}
	delete(c.toolUseCancel, toolUseID)
	cancel(err)
	return nil
}

func (c *Convo) newToolUseContext(ctx context.Context, toolUseID string) (context.Context, context.CancelFunc) {
	c.toolUseCancelMu.Lock()
	defer c.toolUseCancelMu.Unlock()
	ctx, cancel := context.WithCancelCause(ctx)
	c.toolUseCancel[toolUseID] = cancel
	return ctx, func() { c.CancelToolUse(toolUseID, nil) }
}

// ToolResultContents runs all tool uses requested by the response and returns
// their results. onFirstResult, if non-nil, is applied to the first tool
// result to complete; it may rewrite the result contents (used to inject
// wrap-up warnings near the step limit). Cancelling ctx cancels any running
// tool calls.
func (c *Convo) ToolResultContents(ctx context.Context, resp *llm.Response, onFirstResult func(llm.Content) llm.Content) ([]llm.Content, error) {
	if resp.StopReason != llm.StopReasonToolUse {
		return nil, nil
	}
	// Extract all tool calls from the response, call the tools, and gather the results.
	var wg sync.WaitGroup
	toolResultC := make(chan llm.Content, len(resp.Content))
	var firstMu sync.Mutex
	firstDone := false

	for _, part := range resp.Content {
		if part.Type != llm.ContentTypeToolUse {
			continue
		}
		c.incrementToolUse(part.ToolName)
		startTime := time.Now()

		c.Listener.OnToolCall(ctx, c, part.ID, part.ToolName, part.ToolInput, llm.Content{
			Type:             llm.ContentTypeToolUse,
			ToolUseID:        part.ID,
			ToolUseStartTime: &startTime,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()

			content := llm.Content{
				Type:             llm.ContentTypeToolResult,
				ToolUseID:        part.ID,
				ToolUseStartTime: &startTime,
			}
			send := func(content llm.Content) {
				if onFirstResult != nil {
					firstMu.Lock()
					if !firstDone {
						firstDone = true
						content = onFirstResult(content)
					}
					firstMu.Unlock()
				}
				toolResultC <- content
			}
			sendErr := func(err error) {
				endTime := time.Now()
				content.ToolUseEndTime = &endTime
				content.ToolError = true
				content.ToolResult = llm.TextToolResult(err.Error())
				c.Listener.OnToolResult(ctx, c, part.ID, part.ToolName, part.ToolInput, content, nil, err)
				send(content)
			}
			sendRes := func(res string) {
				endTime := time.Now()
				content.ToolUseEndTime = &endTime
				content.ToolResult = llm.TextToolResult(res)
				c.Listener.OnToolResult(ctx, c, part.ID, part.ToolName, part.ToolInput, content, &res, nil)
				send(content)
			}

			tool, err := c.findTool(part.ToolName)
			if err != nil {
				sendErr(err)
				return
			}
			// Create a new context for just this tool_use call, and register its
			// cancel function so that it can be cancelled individually.
			toolUseCtx, cancel := c.newToolUseContext(ctx, part.ID)
			defer cancel()
			toolUseCtx = context.WithValue(toolUseCtx, toolCallInfoKey, ToolCallInfo{ToolUseID: part.ID, Convo: c})
			toolResult, err := tool.Run(toolUseCtx, part.ToolInput)
			if toolUseCtx.Err() != nil {
				sendErr(context.Cause(toolUseCtx))
				return
			}
			if err != nil {
				sendErr(err)
				return
			}
			sendRes(toolResult)
		}()
	}
	wg.Wait()
	close(toolResultC)
	var toolResults []llm.Content
	for toolResult := range toolResultC {
		toolResults = append(toolResults, toolResult)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return toolResults, nil
}

func (c *Convo) incrementToolUse(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.usage.ToolUses[name]++
}

// CumulativeUsage represents cumulative usage across a Convo, including all
// sub-conversations. ContextTokens is not cumulative: it holds the
// input-side token count of the most recent response, approximating the
// current prompt size.
type CumulativeUsage struct {
	StartTime     time.Time      `json:"start_time"`
	Responses     uint64         `json:"responses"`
	InputTokens   uint64         `json:"input_tokens"`
	OutputTokens  uint64         `json:"output_tokens"`
	ContextTokens uint64         `json:"context_tokens"`
	ToolUses      map[string]int `json:"tool_uses"` // tool name -> number of uses
}

func newUsage() *CumulativeUsage {
	return &CumulativeUsage{ToolUses: make(map[string]int), StartTime: time.Now()}
}

func newUsageWithSharedToolUses(parent *CumulativeUsage) *CumulativeUsage {
	return &CumulativeUsage{ToolUses: parent.ToolUses, StartTime: time.Now()}
}

func (u *CumulativeUsage) Clone() CumulativeUsage {
	v := *u
	v.ToolUses = maps.Clone(u.ToolUses)
	return v
}

func (u *CumulativeUsage) Add(usage llm.Usage) {
	u.Responses++
	u.InputTokens += usage.InputTokens
	u.OutputTokens += usage.OutputTokens
	u.ContextTokens = usage.InputTokens // overwritten, not summed
}

func (u *CumulativeUsage) WallTime() time.Duration {
	return time.Since(u.StartTime)
}

// Attr returns the cumulative usage as a slog.Attr with key "usage".
func (u CumulativeUsage) Attr() slog.Attr {
	return slog.Group("usage",
		slog.Duration("wall_time", time.Since(u.StartTime)),
		slog.Uint64("responses", u.Responses),
		slog.Uint64("input_tokens", u.InputTokens),
		slog.Uint64("output_tokens", u.OutputTokens),
		slog.Uint64("context_tokens", u.ContextTokens),
		slog.Any("tool_uses", maps.Clone(u.ToolUses)),
	)
}

func (c *Convo) CumulativeUsage() CumulativeUsage {
	if c == nil {
		return CumulativeUsage{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage.Clone()
}

func (c *Convo) LastUsage() llm.Usage {
	if c == nil {
		return llm.Usage{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsage
}
