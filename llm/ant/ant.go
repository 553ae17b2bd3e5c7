// Package ant implements llm.Service against the Anthropic messages API.
package ant

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"darner.dev/llm"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 8192
	DefaultURL       = "https://api.anthropic.com/v1/messages"
)

// Service provides Claude completions.
// Fields should not be altered concurrently with calling any method on Service.
type Service struct {
	HTTPC     *http.Client // defaults to http.DefaultClient if nil
	URL       string       // defaults to DefaultURL if empty
	APIKey    string       // must be non-empty
	Model     string       // defaults to DefaultModel if empty
	MaxTokens int          // defaults to DefaultMaxTokens if zero
}

var _ llm.Service = (*Service)(nil)

type content struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   []content       `json:"content,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type systemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type request struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	Messages   []message       `json:"messages"`
	System     []systemContent `json:"system,omitempty"`
	Tools      []tool          `json:"tools,omitempty"`
	ToolChoice *toolChoice     `json:"tool_choice,omitempty"`
}

type usage struct {
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

type response struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Model        string    `json:"model"`
	Content      []content `json:"content"`
	StopReason   string    `json:"stop_reason"`
	StopSequence *string   `json:"stop_sequence"`
	Usage        usage     `json:"usage"`
}

func fromLLMContent(c llm.Content) content {
	out := content{
		Type:      string(c.Type),
		Text:      c.Text,
		ID:        c.ID,
		Name:      c.ToolName,
		Input:     c.ToolInput,
		ToolUseID: c.ToolUseID,
		IsError:   c.ToolError,
	}
	if c.Type == llm.ContentTypeImage {
		out.Source = &imageSource{Type: "base64", MediaType: c.MediaType, Data: c.Data}
	}
	for _, inner := range c.ToolResult {
		out.Content = append(out.Content, fromLLMContent(inner))
	}
	return out
}

func fromLLMMessage(msg llm.Message) message {
	out := message{Role: string(msg.Role)}
	for _, c := range msg.Content {
		out.Content = append(out.Content, fromLLMContent(c))
	}
	return out
}

func (s *Service) fromLLMRequest(r *llm.Request) *request {
	out := &request{
		Model:     cmp.Or(r.Model, s.Model, DefaultModel),
		MaxTokens: cmp.Or(s.MaxTokens, DefaultMaxTokens),
	}
	for _, msg := range r.Messages {
		out.Messages = append(out.Messages, fromLLMMessage(msg))
	}
	for _, sys := range r.System {
		out.System = append(out.System, systemContent{Type: cmp.Or(sys.Type, "text"), Text: sys.Text})
	}
	for _, t := range r.Tools {
		out.Tools = append(out.Tools, tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	if r.ToolChoice != nil {
		out.ToolChoice = &toolChoice{Type: string(r.ToolChoice.Type), Name: r.ToolChoice.Name}
	}
	return out
}

func toLLMContent(c content) llm.Content {
	out := llm.Content{
		Type:      llm.ContentType(c.Type),
		Text:      c.Text,
		ID:        c.ID,
		ToolName:  c.Name,
		ToolInput: c.Input,
		ToolUseID: c.ToolUseID,
		ToolError: c.IsError,
	}
	if c.Source != nil {
		out.MediaType = c.Source.MediaType
		out.Data = c.Source.Data
	}
	for _, inner := range c.Content {
		out.ToolResult = append(out.ToolResult, toLLMContent(inner))
	}
	return out
}

func toLLMResponse(r *response) *llm.Response {
	out := &llm.Response{
		ID:           r.ID,
		Role:         llm.MessageRole(r.Role),
		Model:        r.Model,
		StopReason:   llm.StopReason(r.StopReason),
		StopSequence: r.StopSequence,
		Usage:        llm.Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
	}
	for _, c := range r.Content {
		out.Content = append(out.Content, toLLMContent(c))
	}
	return out
}

func (s *Service) Do(ctx context.Context, ir *llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(s.fromLLMRequest(ir))
	if err != nil {
		return nil, err
	}

	url := cmp.Or(s.URL, DefaultURL)
	httpc := cmp.Or(s.HTTPC, http.DefaultClient)
	backoff := []time.Duration{15 * time.Second, 30 * time.Second, time.Minute}

	for attempts := 0; ; attempts++ {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", s.APIKey)
		req.Header.Set("Anthropic-Version", "2023-06-01")

		resp, err := httpc.Do(req)
		if err != nil {
			return nil, err
		}
		buf, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var response response
			if err := json.Unmarshal(buf, &response); err != nil {
				return nil, fmt.Errorf("decoding response: %w", err)
			}
			return toLLMResponse(&response), nil
		case resp.StatusCode >= 500 && resp.StatusCode < 600:
			// overloaded or unhappy, in one form or another
			sleep := backoff[min(attempts, len(backoff)-1)] + time.Duration(rand.Int64N(int64(time.Second)))
			slog.WarnContext(ctx, "anthropic_request_failed", "status_code", resp.StatusCode, "sleep", sleep)
			if err := sleepCtx(ctx, sleep); err != nil {
				return nil, err
			}
		case resp.StatusCode == http.StatusTooManyRequests:
			// rate limited. wait out the rate limiting window, plus backoff.
			sleep := time.Minute + backoff[min(attempts, len(backoff)-1)] + time.Duration(rand.Int64N(int64(time.Second)))
			slog.WarnContext(ctx, "anthropic_request_rate_limited", "sleep", sleep)
			if err := sleepCtx(ctx, sleep); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("API request failed with status %s\n%s", resp.Status, buf)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
