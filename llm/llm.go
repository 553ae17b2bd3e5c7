// Package llm provides a unified interface for interacting with LLMs.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Service interface {
	// Do sends a request to an LLM.
	Do(context.Context, *Request) (*Response, error)
}

// MustSchema validates that schema is a valid JSON schema and returns it as a json.RawMessage.
// It panics if the schema is invalid.
func MustSchema(schema string) json.RawMessage {
	// TODO: validate schema, for now just make sure it's valid JSON
	schema = strings.TrimSpace(schema)
	bytes := []byte(schema)
	if !json.Valid(bytes) {
		panic("invalid JSON schema: " + schema)
	}
	return json.RawMessage(bytes)
}

type (
	MessageRole    string
	ContentType    string
	ToolChoiceType string
	StopReason     string
)

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"

	ContentTypeText       ContentType = "text"
	ContentTypeImage      ContentType = "image"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"

	ToolChoiceTypeAuto ToolChoiceType = "auto" // default
	ToolChoiceTypeAny  ToolChoiceType = "any"  // any tool, but must use one
	ToolChoiceTypeNone ToolChoiceType = "none" // no tools allowed
	ToolChoiceTypeTool ToolChoiceType = "tool" // must use the tool specified in the Name field

	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
)

type Request struct {
	// Model optionally overrides the service's default model.
	Model      string
	Messages   []Message
	ToolChoice *ToolChoice
	Tools      []*Tool
	System     []SystemContent
}

// Message represents a message in the conversation.
type Message struct {
	Role    MessageRole `json:"role"`
	Content []Content   `json:"content"`
}

type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
	Name string         `json:"name,omitempty"`
}

type SystemContent struct {
	Text string `json:"text,omitempty"`
	Type string `json:"type,omitempty"`
}

// Tool represents a tool available to an LLM.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// ReadOnly marks tools that never mutate the working tree; plan mode
	// restricts the tool set to these.
	ReadOnly bool `json:"-"`

	// The Run function is automatically called when the tool is used.
	// Run functions may be called concurrently with each other and themselves.
	// The input to the Run function is the input to the tool, as provided by
	// the model, in compliance with the input schema.
	Run func(ctx context.Context, input json.RawMessage) (string, error) `json:"-"`
}

type Content struct {
	ID   string      `json:"id,omitempty"`
	Type ContentType `json:"type,omitempty"`
	Text string      `json:"text,omitempty"`

	// for image content
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	// for tool_use
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`

	// for tool_result
	ToolUseID  string    `json:"tool_use_id,omitempty"`
	ToolError  bool      `json:"is_error,omitempty"`
	ToolResult []Content `json:"content,omitempty"`

	// timing information for tool_result; added externally; not sent to the LLM
	ToolUseStartTime *time.Time `json:"-"`
	ToolUseEndTime   *time.Time `json:"-"`
}

func StringContent(s string) Content {
	return Content{Type: ContentTypeText, Text: s}
}

// ImageContent creates an image content item from base64-encoded data.
func ImageContent(mediaType, data string) Content {
	return Content{Type: ContentTypeImage, MediaType: mediaType, Data: data}
}

// TextToolResult wraps a plain string tool output for sending back to the LLM.
func TextToolResult(s string) []Content {
	return []Content{StringContent(s)}
}

// UserStringMessage creates a user message with a single text content item.
func UserStringMessage(text string) Message {
	return Message{
		Role:    MessageRoleUser,
		Content: []Content{StringContent(text)},
	}
}

type Response struct {
	ID           string      `json:"id"`
	Role         MessageRole `json:"role"`
	Model        string      `json:"model"`
	Content      []Content   `json:"content"`
	StopReason   StopReason  `json:"stop_reason"`
	StopSequence *string     `json:"stop_sequence,omitempty"`
	Usage        Usage       `json:"usage"`
	StartTime    *time.Time  `json:"start_time,omitempty"`
	EndTime      *time.Time  `json:"end_time,omitempty"`
}

func (m *Response) ToMessage() Message {
	return Message{
		Role:    m.Role,
		Content: m.Content,
	}
}

// TextContent returns all text content of the response, joined.
func (m *Response) TextContent() string {
	var b strings.Builder
	for _, content := range m.Content {
		if content.Type == ContentTypeText && content.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(content.Text)
		}
	}
	return b.String()
}

// Usage represents the billing and rate-limit usage of a single response.
type Usage struct {
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

func (u *Usage) String() string {
	return fmt.Sprintf("in: %d, out: %d", u.InputTokens, u.OutputTokens)
}

func (u *Usage) IsZero() bool {
	return *u == Usage{}
}

func (u *Usage) Attr() slog.Attr {
	return slog.Group("usage",
		slog.Uint64("input_tokens", u.InputTokens),
		slog.Uint64("output_tokens", u.OutputTokens),
	)
}

// ContentsAttr returns contents as a slog.Attr.
// It is meant for logging.
func ContentsAttr(contents []Content) slog.Attr {
	var contentAttrs []any // slog.Attr
	for _, content := range contents {
		var attrs []any // slog.Attr
		switch content.Type {
		case ContentTypeText:
			attrs = append(attrs, slog.String("text", content.Text))
		case ContentTypeImage:
			attrs = append(attrs, slog.String("media_type", content.MediaType))
		case ContentTypeToolUse:
			attrs = append(attrs, slog.String("tool_name", content.ToolName))
			attrs = append(attrs, slog.String("tool_input", string(content.ToolInput)))
		case ContentTypeToolResult:
			attrs = append(attrs, slog.Bool("tool_error", content.ToolError))
			for _, c := range content.ToolResult {
				if c.Type == ContentTypeText {
					attrs = append(attrs, slog.String("tool_result", c.Text))
					break
				}
			}
		default:
			attrs = append(attrs, slog.String("unknown_content_type", string(content.Type)))
			attrs = append(attrs, slog.Any("text", content)) // just log it all raw, better to have too much than not enough
		}
		contentAttrs = append(contentAttrs, slog.Group(content.ID, attrs...))
	}
	return slog.Group("contents", contentAttrs...)
}
