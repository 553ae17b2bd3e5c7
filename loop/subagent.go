package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/richardlehane/crock32"
	"golang.org/x/sync/errgroup"

	"darner.dev/llm"
	"darner.dev/llm/conversation"
	"darner.dev/skribe"
)

// MaxSubagentDepth bounds subagent nesting. The top-level agent runs at
// depth 0; a run requested at this depth or beyond fails before any model
// call is made.
const MaxSubagentDepth = 3

// Persona is a named subagent configuration resolvable by agent name.
type Persona struct {
	Name         string
	SystemPrompt string
	Model        string
}

// LaneSink receives the events of one subagent lane, keyed by lane id and
// the label of the tool call that spawned it, so callers can render nested
// activity hierarchically.
type LaneSink func(laneID, parentLabel string, ev TurnEvent)

// SubagentRequest describes one nested agent run.
type SubagentRequest struct {
	Prompt string
	// Depth of the requesting agent plus one. Checked against MaxSubagentDepth.
	Depth int
	// AgentName optionally selects a registered persona.
	AgentName string
	// ModelOverride optionally overrides the persona/default model.
	ModelOverride string
	// ParentLabel identifies the spawning tool call for display.
	ParentLabel string
}

// SubagentResult is what a completed lane hands back to its caller.
type SubagentResult struct {
	LaneID string
	Text   string
	Usage  TurnUsage
	// Activity is a short trace of what the lane did, one line per tool call.
	Activity []string
}

// Orchestrator runs depth-limited nested agent conversations in independent
// lanes. It owns the lane id counter and the active lane set; nothing here is
// global, construct one per agent process and pass it around.
type Orchestrator struct {
	service llm.Service
	sink    LaneSink

	// BaseTools supplies the tool set for a lane at the given depth. It is a
	// settable cell rather than a constructor argument because the tool set
	// usually includes SubagentTool, which needs the orchestrator first.
	BaseTools func(depth int) []*llm.Tool

	mu       sync.Mutex
	nextLane uint64
	active   map[string]bool
	personas map[string]Persona
}

func NewOrchestrator(service llm.Service, sink LaneSink) *Orchestrator {
	return &Orchestrator{
		service:  service,
		sink:     sink,
		active:   make(map[string]bool),
		personas: make(map[string]Persona),
	}
}

// RegisterPersona makes a named persona available to RunSubagent.
func (o *Orchestrator) RegisterPersona(p Persona) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.personas[p.Name] = p
}

// ActiveLanes reports how many lanes are currently running.
func (o *Orchestrator) ActiveLanes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) acquireLane() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextLane++
	id := "lane-" + crock32.Encode(o.nextLane)
	o.active[id] = true
	return id
}

func (o *Orchestrator) releaseLane(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// RunSubagent runs one nested agent to completion on a fresh message list
// containing only the prompt. It shares no history with the caller.
func (o *Orchestrator) RunSubagent(ctx context.Context, req SubagentRequest) (*SubagentResult, error) {
	if req.Depth >= MaxSubagentDepth {
		return nil, fmt.Errorf("subagent depth limit reached (%d): finish this task yourself instead of delegating further", MaxSubagentDepth)
	}

	var persona Persona
	if req.AgentName != "" {
		o.mu.Lock()
		p, ok := o.personas[req.AgentName]
		o.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown agent name %q", req.AgentName)
		}
		persona = p
	}

	laneID := o.acquireLane()
	defer o.releaseLane(laneID)

	ctx = skribe.ContextWithAttr(ctx,
		slog.String("lane_id", laneID), slog.Int("depth", req.Depth))
	slog.InfoContext(ctx, "subagent lane starting", slog.String("agent", req.AgentName))

	// A lane spawned from a tool call is a sub-conversation of its caller:
	// fresh history, usage propagated upward. Only lanes started outside any
	// conversation get a root convo.
	var convo *conversation.Convo
	if info := conversation.ToolCallInfoFromContext(ctx); info.Convo != nil {
		convo = info.Convo.SubConvo()
	} else {
		convo = conversation.New(ctx, o.service)
	}
	convo.SystemPrompt = persona.SystemPrompt
	if persona.Model != "" {
		convo.Model = persona.Model
	}
	if req.ModelOverride != "" {
		convo.Model = req.ModelOverride
	}
	if o.BaseTools != nil {
		convo.Tools = o.BaseTools(req.Depth)
	}

	result := &SubagentResult{LaneID: laneID}
	var text strings.Builder
	var terminalErr error
	sink := func(ev TurnEvent) {
		switch ev := ev.(type) {
		case TextDelta:
			if text.Len() > 0 {
				text.WriteString("\n\n")
			}
			text.WriteString(ev.Text)
		case ToolCallStart:
			result.Activity = append(result.Activity, ev.Name)
		case TurnComplete:
			result.Usage = ev.Usage
		case TurnError:
			terminalErr = ev.Err
		}
		if o.sink != nil {
			o.sink(laneID, req.ParentLabel, ev)
		}
	}

	runTurn(ctx, convo, llm.UserStringMessage(req.Prompt), sink)

	if terminalErr != nil {
		return nil, fmt.Errorf("subagent %s: %w", laneID, terminalErr)
	}
	result.Text = text.String()
	slog.InfoContext(ctx, "subagent lane finished", result.Usage.Attr())
	return result, nil
}

// RunParallel fans out several subagent runs concurrently and waits for all
// of them. Lanes share no mutable state, so no serialization is needed. The
// first error cancels the remaining lanes; results line up with reqs, with
// nil entries for failed lanes.
func (o *Orchestrator) RunParallel(ctx context.Context, reqs []SubagentRequest) ([]*SubagentResult, error) {
	results := make([]*SubagentResult, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.RunSubagent(ctx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

const subagentToolDescription = `Delegate a self-contained task to a nested agent.
The agent starts with no context besides your prompt; include everything it needs.
It returns its final text when done.`

var subagentInputSchema = llm.MustSchema(`{
	"type": "object",
	"properties": {
		"prompt": {"type": "string", "description": "Complete task description for the nested agent."},
		"agent_name": {"type": "string", "description": "Optional named persona to run as."},
		"model": {"type": "string", "description": "Optional model override."}
	},
	"required": ["prompt"]
}`)

// SubagentTool returns the tool a lane (or the top-level agent) at the given
// depth uses to spawn nested agents. parentLabel identifies the caller in
// lane event streams.
func (o *Orchestrator) SubagentTool(depth int, parentLabel string) *llm.Tool {
	return &llm.Tool{
		Name:        "subagent",
		Description: subagentToolDescription,
		InputSchema: subagentInputSchema,
		Run: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Prompt    string `json:"prompt"`
				AgentName string `json:"agent_name"`
				Model     string `json:"model"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("bad subagent input: %w", err)
			}
			res, err := o.RunSubagent(ctx, SubagentRequest{
				Prompt:        args.Prompt,
				Depth:         depth + 1,
				AgentName:     args.AgentName,
				ModelOverride: args.Model,
				ParentLabel:   parentLabel,
			})
			if err != nil {
				return "", err
			}
			return res.Text, nil
		},
	}
}
