// Package llmprovider defines the pluggable model-backend contract the
// chatengine.Engine drives, and hosts the concrete driver adapters
// (gemini, ollama, openailm) over it. Adapted from the teacher's pkg/llm:
// the same Message/ContentBlock/StreamChunk shapes, the same
// LLMClient/ProviderFactory registry split, narrowed to what this
// gateway's single ChatEngine collaborator actually calls.
package llmprovider

import (
	"encoding/base64"
	"time"
)

// Usage mirrors the teacher's LLMUsage: a provider-agnostic token tally.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ThoughtsTokens   int    `json:"thoughts_tokens,omitempty"`
	CachedTokens     int    `json:"cached_tokens,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// Message is the canonical request-side message shape every driver
// converts into its own SDK's wire format.
type Message struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

// ContentBlock is a single unit of message content.
type ContentBlock struct {
	Type   string       `json:"type"` // "text" | "image"
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an inline image payload; it has no on-disk path form.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
}

// MarshalJSON renders Data as base64, matching every driver's expectation
// of an inline image payload.
func (s *ImageSource) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"` + s.Type + `","media_type":"` + s.MediaType + `","data":"` +
		base64.StdEncoding.EncodeToString(s.Data) + `"}`), nil
}

// ToolCall is a single model-requested tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDecl is a provider-agnostic tool declaration, built from
// tooling.Schema, that a driver translates into its SDK's native
// function-calling shape.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
}

// StreamChunk is one increment of a streaming model response.
type StreamChunk struct {
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	IsFinal       bool           `json:"is_final"`
	FinishReason  string         `json:"finish_reason,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
}

// NewTextChunk builds a single-block text StreamChunk.
func NewTextChunk(text string) StreamChunk {
	return StreamChunk{ContentBlocks: []ContentBlock{{Type: "text", Text: text}}}
}

// NewFinalChunk builds the terminal StreamChunk carrying usage and stop
// reason.
func NewFinalChunk(reason string, usage *Usage) StreamChunk {
	return StreamChunk{IsFinal: true, FinishReason: reason, Usage: usage}
}

// NewTextMessage builds a single-block text Message for the given role.
func NewTextMessage(role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentBlock{{Type: "text", Text: text}},
		Timestamp: time.Now().Unix(),
	}
}
