package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"darner.dev/llm"
)

// MockService is a scripted llm.Service for tests. Calls are matched in
// order against expectations; an unexpected call or a mismatched prompt
// returns an error, which surfaces as a turn error in the code under test.
type MockService struct {
	mu     sync.Mutex
	script []*mockCall
	calls  []*llm.Request
}

type mockCall struct {
	// contains must appear in the text of the request's last message.
	// Empty matches anything.
	contains string
	resp     *llm.Response
	err      error
	// block, when non-nil, delays the reply until the channel is closed or
	// the request context is cancelled.
	block chan struct{}
	// started, when non-nil, is closed as soon as the call is matched.
	started chan struct{}
}

func (m *MockService) ExpectCall(contains string, resp *llm.Response, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, &mockCall{contains: contains, resp: resp, err: err})
}

// ExpectBlockingCall is like ExpectCall but the reply is held until the
// returned release channel is closed. The returned started channel is closed
// once the call arrives, so tests can cancel mid-call deterministically.
func (m *MockService) ExpectBlockingCall(contains string, resp *llm.Response) (started chan struct{}, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, &mockCall{contains: contains, resp: resp, block: release, started: started})
	return started, release
}

// Calls returns every request received so far.
func (m *MockService) Calls() []*llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.Request(nil), m.calls...)
}

// AllExpectationsMet reports whether the script was fully consumed.
func (m *MockService) AllExpectationsMet() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.script) == 0
}

func (m *MockService) Do(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.script) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock: unexpected call %d", len(m.calls))
	}
	call := m.script[0]
	m.script = m.script[1:]
	m.mu.Unlock()

	if call.started != nil {
		close(call.started)
	}
	if call.contains != "" && !requestContains(req, call.contains) {
		return nil, fmt.Errorf("mock: request does not contain %q", call.contains)
	}
	if call.block != nil {
		select {
		case <-call.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call.err != nil {
		return nil, call.err
	}
	return call.resp, nil
}

func requestContains(req *llm.Request, s string) bool {
	if len(req.Messages) == 0 {
		return false
	}
	last := req.Messages[len(req.Messages)-1]
	for _, c := range last.Content {
		if containsInContent(c, s) {
			return true
		}
	}
	return false
}

func containsInContent(c llm.Content, s string) bool {
	if strings.Contains(c.Text, s) {
		return true
	}
	for _, inner := range c.ToolResult {
		if containsInContent(inner, s) {
			return true
		}
	}
	return false
}

// textResponse builds an end-of-turn text reply.
func textResponse(text string, usage llm.Usage) *llm.Response {
	return &llm.Response{
		Role:       llm.MessageRoleAssistant,
		Content:    []llm.Content{llm.StringContent(text)},
		StopReason: llm.StopReasonEndTurn,
		Usage:      usage,
	}
}

// toolUseResponse builds a reply requesting a single tool call.
func toolUseResponse(id, name string, input string, usage llm.Usage) *llm.Response {
	return &llm.Response{
		Role: llm.MessageRoleAssistant,
		Content: []llm.Content{{
			ID:        id,
			Type:      llm.ContentTypeToolUse,
			ToolName:  name,
			ToolInput: json.RawMessage(input),
		}},
		StopReason: llm.StopReasonToolUse,
		Usage:      usage,
	}
}
