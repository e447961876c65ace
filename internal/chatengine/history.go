// Package chatengine implements the ChatEngine collaborator named in
// spec.md §6: the conversation history, turn accounting, and the lazy
// streaming-chunk abstraction the generation pump drives. Adapted from the
// teacher's pkg/llm.ChatHistory (pkg/llm/history.go), kept concurrency-safe
// the same way (a single RWMutex guarding a message slice) since the spec
// requires single-writer-per-connection discipline without locks at the
// session-machine layer — the lock here is what makes that safe even
// though only one goroutine ever calls Add for a given connection.
package chatengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ChatHistory is the concurrency-safe, per-connection conversation log.
type ChatHistory struct {
	mu       sync.RWMutex
	messages []Message
	turn     int
}

// NewChatHistory creates an empty history.
func NewChatHistory() *ChatHistory {
	return &ChatHistory{}
}

// Add appends a message to the end of the history.
func (h *ChatHistory) Add(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// Messages returns a defensive copy of the current history.
func (h *ChatHistory) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// EnsureSystemMessage makes sure a system message with the given content
// sits at index 0, replacing any existing one.
func (h *ChatHistory) EnsureSystemMessage(content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sys := NewTextMessage(RoleSystem, content)
	if len(h.messages) > 0 && h.messages[0].Role == RoleSystem {
		h.messages[0] = sys
		return
	}
	h.messages = append([]Message{sys}, h.messages...)
}

// ResetKeepSystem clears every non-system message. Invariant P4: the first
// message, if one existed, is preserved unchanged.
func (h *ChatHistory) ResetKeepSystem() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) > 0 && h.messages[0].Role == RoleSystem {
		h.messages = h.messages[:1]
	} else {
		h.messages = nil
	}
}

// ResetTurnCounter zeroes the turn counter. Called by ClearContext and by
// an approved TurnConfirmationResponse.
func (h *ChatHistory) ResetTurnCounter() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turn = 0
}

// IncrementTurn bumps the turn counter by one, called once per completed
// assistant turn (invariant P5), whether the model call that finished the
// turn was a fresh one or a rechat continuation.
func (h *ChatHistory) IncrementTurn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turn++
}

// CurrentTurn reports the live turn counter.
func (h *ChatHistory) CurrentTurn() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.turn
}

// PopLastTurn removes the trailing assistant message (and any tool
// messages that followed the preceding user message), used by Regenerate
// to discard the last response before re-streaming. The triggering user
// message itself is kept: Regenerate re-streams from history as-is, it
// never resubmits a new user message, so removing it would drop the
// prompt the regenerated reply is supposed to answer.
func (h *ChatHistory) PopLastTurn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Walk back from the end, dropping assistant/tool messages until the
	// most recent user message is reached (inclusive — left in place).
	i := len(h.messages)
	for i > 0 && h.messages[i-1].Role != RoleUser {
		i--
	}
	h.messages = h.messages[:i]
}

// AppendToolResult appends a tool-role message carrying a JSON result
// string, associated with the given tool name. toolCallID correlates it to
// the originating ToolCall.
func (h *ChatHistory) AppendToolResult(toolCallID, name, resultJSON string) {
	h.Add(Message{
		Role:       RoleTool,
		ToolCallID: toolCallID,
		ToolName:   name,
		Content:    []ContentBlock{{Type: BlockText, Text: resultJSON}},
	})
}

// TruncateHistory keeps only the most recent keep messages, always
// preserving a leading system message if one exists. Driven by
// RequestConfig.max_context_num.
func (h *ChatHistory) TruncateHistory(keep int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if keep <= 0 || len(h.messages) <= keep {
		return
	}

	var sys *Message
	if h.messages[0].Role == RoleSystem {
		tmp := h.messages[0]
		sys = &tmp
	}

	h.messages = h.messages[len(h.messages)-keep:]
	if sys != nil && (len(h.messages) == 0 || h.messages[0].Role != RoleSystem) {
		h.messages = append([]Message{*sys}, h.messages...)
	}
}

// Save persists the history to a JSON file, for optional debugging use
// only — the core spec carries no persisted state across reconnects.
func (h *ChatHistory) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	data, err := json.MarshalIndent(struct {
		Messages []Message `json:"messages"`
		Turn     int       `json:"turn"`
	}{h.messages, h.turn}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
