package chatengine

import (
	"encoding/base64"
	"time"
)

// Role constants for ChatMessage.Role, matching the teacher's pkg/llm/roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// BlockType constants for ContentBlock.Type.
const (
	BlockText  = "text"
	BlockImage = "image"
)

// ContentBlock is one atomic unit of message content: either text or an
// image. Adapted from the teacher's pkg/llm.ContentBlock, trimmed to the
// two kinds this gateway's data model (spec.md §3) actually names.
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource mirrors the teacher's ImageSource: base64-inline or
// on-disk-file image payloads, with a custom marshaller so raw bytes never
// round-trip through the history's JSON persistence as anything but
// base64.
type ImageSource struct {
	Type      string `json:"type"` // "base64" | "file"
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
	Path      string `json:"path,omitempty"`
}

// MarshalJSON renders inline image data as base64; on-disk sources keep
// only their path.
func (s *ImageSource) MarshalJSON() ([]byte, error) {
	if s.Type == "base64" && len(s.Data) > 0 {
		return json.Marshal(struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
		}{Type: s.Type, MediaType: s.MediaType, Data: base64.StdEncoding.EncodeToString(s.Data)})
	}
	return json.Marshal(struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Path      string `json:"path,omitempty"`
	}{Type: s.Type, MediaType: s.MediaType, Path: s.Path})
}

// UnmarshalJSON decodes base64 image data back into raw bytes.
func (s *ImageSource) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		Path      string `json:"path"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Type, s.MediaType, s.Path = aux.Type, aux.MediaType, aux.Path
	if aux.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(aux.Data)
		if err != nil {
			return err
		}
		s.Data = decoded
	}
	return nil
}

// ToolCall is a single model-generated tool invocation request, carried on
// an assistant-role Message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded argument object
}

// Message is one entry in a conversation's linear history. Invariant
// (spec.md §3): the first message, if present, is the system message, and
// it is never removed by ClearContext.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

// NewTextMessage builds a single-block text Message for the given role.
func NewTextMessage(role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now().Unix(),
	}
}

// TextContent concatenates every text block in the message.
func (m Message) TextContent() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
