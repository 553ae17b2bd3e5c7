// Package loop contains the control core of darner: the turn controller, the
// turn event stream, the undo stack, and the subagent orchestrator.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"darner.dev/llm"
	"darner.dev/llm/conversation"
	"darner.dev/skribe"
	"darner.dev/snapshot"
	"darner.dev/store"
	"darner.dev/toolbox"
)

// Mode selects how user input is framed and which tools are offered.
type Mode string

const (
	// ModeNormal is the default interactive mode.
	ModeNormal Mode = "normal"
	// ModePlan restricts the turn to read-only tools and asks the model to
	// plan rather than act.
	ModePlan Mode = "plan"
	// ModeRalph loops autonomously, feeding each assistant reply back as the
	// next user input until the stop marker appears.
	ModeRalph Mode = "ralph"
)

// RalphStopMarker ends a ralph loop when it appears in assistant output.
const RalphStopMarker = "RALPH_DONE"

const (
	planModeAnnotation = "<mode>plan mode is active: do not modify any files " +
		"or run commands with side effects. Investigate and reply with a plan. " +
		"Only read-only tools are available.</mode>"
	ralphModeAnnotation = "<mode>autonomous loop mode is active: your reply " +
		"will be fed back to you as the next input. Keep working until the task " +
		"is finished, then include the marker " + RalphStopMarker + " in your " +
		"reply to stop the loop.</mode>"

	interruptStubText = "[request interrupted by user]"
)

var ErrNothingToUndo = errors.New("nothing to undo")

type undoEntry struct {
	turn     int
	snapshot bool // false when the tree was clean at snapshot time
}

// AgentConfig carries the collaborators an Agent needs. Service, Store,
// Snapshots, and WorkDir are required.
type AgentConfig struct {
	Service      llm.Service
	Store        *store.Store
	Snapshots    *snapshot.Engine
	WorkDir      string
	Model        string
	SystemPrompt string
	Tools        []*llm.Tool
	Hooks        *toolbox.Hooks
	// Sink receives every turn event for display. May be nil.
	Sink EventSink
	// SessionID resumes an existing session when set; otherwise a fresh
	// session id is generated.
	SessionID string
}

// Agent is the turn controller: it owns one session, runs one turn at a time
// over it, and maintains the undo stack aligned with committed turns.
type Agent struct {
	service   llm.Service
	store     *store.Store
	snapshots *snapshot.Engine
	workDir   string
	model     string
	system    string
	tools     []*llm.Tool
	sink      EventSink

	mu        sync.Mutex // held for the duration of a turn
	sessionID string
	convo     *conversation.Convo
	turn      int // index of the last committed turn, 0 before the first
	undo      []undoEntry
	usage     TurnUsage
	mode      Mode

	cancelMu   sync.Mutex
	cancelTurn context.CancelCauseFunc
}

// NewAgent builds an agent. When cfg.SessionID names an existing session its
// history is loaded from the store and the undo stack rebuilt from the
// persisted snapshots.
func NewAgent(ctx context.Context, cfg AgentConfig) (*Agent, error) {
	if cfg.Service == nil || cfg.Store == nil || cfg.Snapshots == nil || cfg.WorkDir == "" {
		return nil, errors.New("loop: AgentConfig is missing required fields")
	}
	a := &Agent{
		service:   cfg.Service,
		store:     cfg.Store,
		snapshots: cfg.Snapshots,
		workDir:   cfg.WorkDir,
		model:     cfg.Model,
		system:    cfg.SystemPrompt,
		tools:     toolbox.WrapAll(cfg.Tools, cfg.WorkDir, cfg.Hooks),
		sink:      cfg.Sink,
		mode:      ModeNormal,
	}

	a.sessionID = cfg.SessionID
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}
	a.convo = a.newConvo(ctx)

	if cfg.SessionID != "" {
		msgs, err := a.store.LoadMessages(ctx, a.sessionID)
		if err != nil {
			return nil, fmt.Errorf("loop: resume session %s: %w", a.sessionID, err)
		}
		a.convo.SetMessages(msgs)
		maxTurn, err := a.store.MaxTurn(ctx, a.sessionID)
		if err != nil {
			return nil, fmt.Errorf("loop: resume session %s: %w", a.sessionID, err)
		}
		if maxTurn > 0 {
			a.turn = maxTurn
			for t := 1; t <= maxTurn; t++ {
				_, ok, err := a.store.LoadSnapshot(ctx, a.sessionID, t)
				if err != nil {
					return nil, fmt.Errorf("loop: resume session %s: %w", a.sessionID, err)
				}
				a.undo = append(a.undo, undoEntry{turn: t, snapshot: ok})
			}
		}
	}
	return a, nil
}

func (a *Agent) newConvo(ctx context.Context) *conversation.Convo {
	ctx = skribe.ContextWithAttr(ctx, slog.String("session_id", a.sessionID))
	convo := conversation.New(ctx, a.service)
	convo.Model = a.model
	convo.SystemPrompt = a.system
	convo.Tools = a.tools
	return convo
}

func (a *Agent) SessionID() string { return a.sessionID }

func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Agent) SetMode(m Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = m
}

// Turn returns the index of the last committed turn, 0 if none.
func (a *Agent) Turn() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turn
}

// UndoDepth returns how many turns can be undone.
func (a *Agent) UndoDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.undo)
}

// Usage returns the session's aggregate token counters.
func (a *Agent) Usage() TurnUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Messages returns a copy of the session history.
func (a *Agent) Messages() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.convo.Messages()
}

// CancelTurn cancels the in-flight turn, if any, with the given cause.
// The turn commits with an interrupt stub rather than rolling back.
func (a *Agent) CancelTurn(cause error) {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	if a.cancelTurn != nil {
		if cause == nil {
			cause = errors.New("user interrupt")
		}
		a.cancelTurn(cause)
	}
}

func (a *Agent) setCancel(cancel context.CancelCauseFunc) {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	a.cancelTurn = cancel
}

// ProcessUserInput runs one full turn: snapshot, user message, event stream,
// commit or rollback, undo stack update. It returns the trailing assistant
// text of the turn. Attachments are extra content items (images, resolved
// file contents) sent alongside the text. One turn runs at a time;
// concurrent calls queue on the session lock.
func (a *Agent) ProcessUserInput(ctx context.Context, input string, attachments ...llm.Content) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processUserInputLocked(ctx, input, attachments)
}

func (a *Agent) processUserInputLocked(ctx context.Context, input string, attachments []llm.Content) (string, error) {
	turn := a.turn + 1
	ctx = skribe.ContextWithAttr(ctx,
		slog.String("session_id", a.sessionID), slog.Int("turn", turn))

	// Best-effort: a failed snapshot must never block the turn.
	took := a.snapshots.TakeSnapshot(ctx, a.workDir, a.sessionID, turn)

	userMsg := a.buildUserMessage(input, attachments)
	if err := a.store.SaveMessages(ctx, a.sessionID, turn, []llm.Message{userMsg}); err != nil {
		slog.WarnContext(ctx, "persisting user message failed", slog.String("error", err.Error()))
	}

	turnCtx, cancel := context.WithCancelCause(ctx)
	a.setCancel(cancel)
	defer func() {
		a.setCancel(nil)
		cancelled := turnCtx.Err() != nil
		cancel(nil)
		// A cancelled turn force-exits autonomous looping.
		if cancelled && a.mode == ModeRalph {
			a.mode = ModeNormal
		}
	}()

	prevTools := a.convo.Tools
	if a.mode == ModePlan {
		a.convo.Tools = readOnlyTools(prevTools)
	}
	defer func() { a.convo.Tools = prevTools }()

	preLen := len(a.convo.Messages())
	preUsage := a.convo.CumulativeUsage()

	var complete *TurnComplete
	var turnErr *TurnError
	sink := func(ev TurnEvent) {
		switch ev := ev.(type) {
		case TurnComplete:
			complete = &ev
		case TurnError:
			turnErr = &ev
		}
		if a.sink != nil {
			a.sink(ev)
		}
	}

	runTurn(turnCtx, a.convo, userMsg, sink)

	switch {
	case complete != nil:
		a.usage.Add(complete.Usage)
		newMsgs := complete.NewMessages
		if len(newMsgs) > 1 {
			if err := a.store.SaveMessages(ctx, a.sessionID, turn, newMsgs[1:]); err != nil {
				slog.WarnContext(ctx, "persisting turn messages failed", slog.String("error", err.Error()))
			}
		}
		if len(newMsgs) == 0 || turnCtx.Err() != nil {
			// Cancellation raced with completion, or the stream produced
			// nothing: close the turn with a stub so no dangling user
			// message remains.
			a.ensureUserRecorded(preLen, userMsg)
			a.appendStub(ctx, turn, interruptStubText)
		}
		a.commitTurn(turn, took)
		return trailingAssistantText(a.convo.Messages()), nil

	case turnErr != nil && turnErr.Interrupted:
		a.usage.Add(usageDelta(preUsage, a.convo.CumulativeUsage()))
		a.ensureUserRecorded(preLen, userMsg)
		a.persistPartial(ctx, turn, preLen)
		a.appendStub(ctx, turn, interruptStubText)
		a.commitTurn(turn, took)
		slog.InfoContext(ctx, "turn interrupted", slog.String("cause", fmt.Sprint(turnErr.Err)))
		return trailingAssistantText(a.convo.Messages()), nil

	case turnErr != nil:
		produced := len(a.convo.Messages()) - preLen
		if produced <= 1 {
			// Nothing beyond the user message made it into history: roll the
			// whole turn back so the session looks untouched.
			a.rollbackTurn(ctx, turn, preLen, took)
			return "", turnErr.Err
		}
		// Partial output stays; append an error stub so the history stays
		// well-formed, then surface the error.
		a.usage.Add(usageDelta(preUsage, a.convo.CumulativeUsage()))
		a.persistPartial(ctx, turn, preLen)
		a.appendStub(ctx, turn, "[request ended with error: "+turnErr.Err.Error()+"]")
		a.commitTurn(turn, took)
		return trailingAssistantText(a.convo.Messages()), turnErr.Err

	default:
		// runTurn guarantees a terminal event; reaching here is a bug.
		a.rollbackTurn(ctx, turn, preLen, took)
		return "", errors.New("loop: turn produced no terminal event")
	}
}

func (a *Agent) buildUserMessage(input string, attachments []llm.Content) llm.Message {
	msg := llm.UserStringMessage(input)
	msg.Content = append(msg.Content, attachments...)
	switch a.mode {
	case ModePlan:
		msg.Content = append(msg.Content, llm.StringContent(planModeAnnotation))
	case ModeRalph:
		msg.Content = append(msg.Content, llm.StringContent(ralphModeAnnotation))
	}
	return msg
}

// ensureUserRecorded appends the user message to the in-memory history when a
// cancelled send never got to record it. The store already has it.
func (a *Agent) ensureUserRecorded(preLen int, userMsg llm.Message) {
	if len(a.convo.Messages()) == preLen {
		a.convo.AppendMessage(userMsg)
	}
}

func (a *Agent) appendStub(ctx context.Context, turn int, text string) {
	stub := llm.Message{Role: llm.MessageRoleAssistant, Content: []llm.Content{llm.StringContent(text)}}
	a.convo.AppendMessage(stub)
	if err := a.store.SaveMessages(ctx, a.sessionID, turn, []llm.Message{stub}); err != nil {
		slog.WarnContext(ctx, "persisting stub failed", slog.String("error", err.Error()))
	}
}

// persistPartial saves the messages produced after the user message, which
// was persisted before the stream started.
func (a *Agent) persistPartial(ctx context.Context, turn, preLen int) {
	msgs := a.convo.Messages()
	if len(msgs) <= preLen+1 {
		return
	}
	if err := a.store.SaveMessages(ctx, a.sessionID, turn, msgs[preLen+1:]); err != nil {
		slog.WarnContext(ctx, "persisting turn messages failed", slog.String("error", err.Error()))
	}
}

func (a *Agent) commitTurn(turn int, took bool) {
	a.undo = append(a.undo, undoEntry{turn: turn, snapshot: took})
	a.turn = turn
}

func (a *Agent) rollbackTurn(ctx context.Context, turn, preLen int, took bool) {
	a.convo.TruncateMessages(preLen)
	if err := a.store.DeleteTurnMessages(ctx, a.sessionID, turn); err != nil {
		slog.WarnContext(ctx, "deleting rolled-back turn failed", slog.String("error", err.Error()))
	}
	if took {
		res := a.snapshots.RestoreSnapshot(ctx, a.workDir, a.sessionID, turn)
		if !res.Restored {
			slog.WarnContext(ctx, "restore during rollback failed", slog.String("reason", string(res.Reason)))
		}
	}
}

// UndoLastTurn truncates the history at the last user message boundary,
// removes the turn's persisted rows, pops one undo entry, and restores the
// pre-turn snapshot when one was taken. A failed restore is returned as a
// warning, the history truncation has already happened and stands.
func (a *Agent) UndoLastTurn(ctx context.Context) (warning string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.undo) == 0 {
		return "", ErrNothingToUndo
	}
	entry := a.undo[len(a.undo)-1]
	a.undo = a.undo[:len(a.undo)-1]

	msgs := a.convo.Messages()
	if i := lastUserIndex(msgs); i >= 0 {
		a.convo.TruncateMessages(i)
	}
	if err := a.store.DeleteTurnMessages(ctx, a.sessionID, entry.turn); err != nil {
		slog.WarnContext(ctx, "deleting undone turn failed", slog.String("error", err.Error()))
	}
	if a.turn > 0 {
		a.turn--
	}

	if entry.snapshot {
		res := a.snapshots.RestoreSnapshot(ctx, a.workDir, a.sessionID, entry.turn)
		if !res.Restored && res.Reason == snapshot.ReasonError {
			warning = fmt.Sprintf("turn %d undone, but restoring its files failed; the working tree may still contain its changes", entry.turn)
			slog.WarnContext(ctx, warning)
		}
	}
	return warning, nil
}

// PreviewUndo describes what UndoLastTurn would do to the working tree.
func (a *Agent) PreviewUndo(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.undo) == 0 {
		return "", ErrNothingToUndo
	}
	entry := a.undo[len(a.undo)-1]
	if !entry.snapshot {
		return "no file changes to restore", nil
	}
	return a.snapshots.Preview(ctx, a.workDir, a.sessionID, entry.turn)
}

// StartNewSession resets the agent: fresh session id, empty history, zeroed
// counters and undo stack. Snapshot rows of the previous session are deleted
// so nothing orphaned stays behind.
func (a *Agent) StartNewSession(ctx context.Context) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.sessionID
	a.sessionID = uuid.NewString()
	a.convo = a.newConvo(ctx)
	a.turn = 0
	a.undo = nil
	a.usage = TurnUsage{}
	a.mode = ModeNormal

	if err := a.store.DeleteAllSnapshots(ctx, prev); err != nil {
		slog.WarnContext(ctx, "deleting old session snapshots failed",
			slog.String("session_id", prev), slog.String("error", err.Error()))
	}
	return a.sessionID
}

// RunRalph turns on ralph mode and loops: each assistant reply becomes the
// next user input, until the reply contains RalphStopMarker, is empty, the
// turn errors, or the loop is cancelled. It returns the last assistant text.
func (a *Agent) RunRalph(ctx context.Context, input string) (string, error) {
	a.SetMode(ModeRalph)
	defer func() {
		if a.Mode() == ModeRalph {
			a.SetMode(ModeNormal)
		}
	}()

	var last string
	for {
		text, err := a.ProcessUserInput(ctx, input)
		if err != nil {
			return last, err
		}
		last = text
		if text == "" || strings.Contains(text, RalphStopMarker) {
			return last, nil
		}
		if a.Mode() != ModeRalph || ctx.Err() != nil {
			// Cancellation force-exited the loop.
			return last, nil
		}
		input = text
	}
}

func readOnlyTools(tools []*llm.Tool) []*llm.Tool {
	var out []*llm.Tool
	for _, t := range tools {
		if t.ReadOnly {
			out = append(out, t)
		}
	}
	return out
}

// lastUserIndex returns the index of the last message the user actually
// typed. Tool-result messages also carry the user role but sit inside a
// turn, so they are not undo boundaries.
func lastUserIndex(msgs []llm.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.MessageRoleUser {
			continue
		}
		if hasToolResult(msgs[i]) {
			continue
		}
		return i
	}
	return -1
}

func hasToolResult(msg llm.Message) bool {
	for _, c := range msg.Content {
		if c.Type == llm.ContentTypeToolResult {
			return true
		}
	}
	return false
}

func trailingAssistantText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.MessageRoleAssistant {
			break
		}
		for _, c := range msgs[i].Content {
			if c.Type == llm.ContentTypeText && c.Text != "" {
				return c.Text
			}
		}
	}
	return ""
}

// usageDelta reports the tokens a turn consumed, for turns that ended
// without a TurnComplete event.
func usageDelta(before, after conversation.CumulativeUsage) TurnUsage {
	return TurnUsage{
		InputTokens:   after.InputTokens - before.InputTokens,
		OutputTokens:  after.OutputTokens - before.OutputTokens,
		ContextTokens: after.ContextTokens,
	}
}
