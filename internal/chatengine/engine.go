// Package chatengine's ChatEngine is the collaborator the generation
// pump drives: conversation history plus a lazy sequence of Items pulled
// from a streaming model call. Adapted from the teacher's
// pkg/agent.AgentEngine / pkg/handler.ChatHandler request loop, replayed
// here as an explicit channel-of-Items the pump consumes one at a time
// rather than a callback-driven stream processor — the spec's generation
// pump (§4.E) needs to interleave a cancellation check between items,
// which a callback API can't express as cleanly as a channel read.
package chatengine

import (
	"context"
	"fmt"

	"module/internal/llmprovider"
	"module/internal/protocol"
)

// ChatEngine is the spec.md §6 collaborator contract.
type ChatEngine interface {
	AppendUser(msg Message)
	AppendToolResult(toolCallID, name, resultJSON string)
	PopLastTurn()
	ResetKeepSystem()
	ResetTurnCounter()
	CurrentTurn() int
	MaxTurn() int

	// StreamChat starts a fresh model turn from the current history.
	// Emits ItemTurnBudgetExceeded immediately (followed by ItemEnd) if
	// CurrentTurn() has already reached MaxTurn().
	StreamChat(ctx context.Context, maxTokens *int) (<-chan Item, error)

	// StreamRechat continues generation after a tool result was appended
	// to history by AppendToolResult, without consuming a turn-budget
	// unit of its own — it's the same logical turn as the StreamChat (or
	// prior StreamRechat) that produced the tool call.
	StreamRechat(ctx context.Context, maxTokens *int) (<-chan Item, error)
}

// Engine is the concrete ChatEngine wrapping a pluggable llmprovider
// driver.
type Engine struct {
	history  *ChatHistory
	client   llmprovider.Client
	toolDecl func() []llmprovider.ToolDecl
	maxTurn  int
}

// NewEngine builds an Engine. toolDecl is called fresh on every stream
// call so a registry populated after construction is still picked up.
func NewEngine(history *ChatHistory, client llmprovider.Client, toolDecl func() []llmprovider.ToolDecl, maxTurn int) *Engine {
	return &Engine{history: history, client: client, toolDecl: toolDecl, maxTurn: maxTurn}
}

// TruncateHistory exposes ChatHistory.TruncateHistory so the session
// machine can apply a request's max_context_num override without reaching
// past the ChatEngine interface.
func (e *Engine) TruncateHistory(keep int) { e.history.TruncateHistory(keep) }

// EnsureSystemMessage exposes ChatHistory.EnsureSystemMessage so the
// session machine can apply a request's prompt override (spec.md §3)
// without reaching past the ChatEngine interface.
func (e *Engine) EnsureSystemMessage(content string) { e.history.EnsureSystemMessage(content) }

func (e *Engine) AppendUser(msg Message)     { e.history.Add(msg) }
func (e *Engine) ResetKeepSystem()           { e.history.ResetKeepSystem() }
func (e *Engine) ResetTurnCounter()          { e.history.ResetTurnCounter() }
func (e *Engine) PopLastTurn()               { e.history.PopLastTurn() }
func (e *Engine) CurrentTurn() int           { return e.history.CurrentTurn() }
func (e *Engine) MaxTurn() int               { return e.maxTurn }

func (e *Engine) AppendToolResult(toolCallID, name, resultJSON string) {
	e.history.AppendToolResult(toolCallID, name, resultJSON)
}

func (e *Engine) StreamChat(ctx context.Context, maxTokens *int) (<-chan Item, error) {
	if e.history.CurrentTurn() >= e.maxTurn {
		out := make(chan Item, 2)
		out <- turnBudgetItem(e.history.CurrentTurn(), e.maxTurn)
		out <- endItem()
		close(out)
		return out, nil
	}
	return e.stream(ctx, maxTokens)
}

func (e *Engine) StreamRechat(ctx context.Context, maxTokens *int) (<-chan Item, error) {
	return e.stream(ctx, maxTokens)
}

// stream drives one underlying model call. The turn counter increments
// exactly once per logical turn (spec.md §3, invariant P5): a turn that
// requests a tool call isn't finished yet, so only a call that ends
// without one bumps the counter — whether that call came from StreamChat
// or, after a tool round trip, a StreamRechat continuation of the same
// turn.
func (e *Engine) stream(ctx context.Context, maxTokens *int) (<-chan Item, error) {
	messages := toProviderMessages(e.history.Messages())
	tools := e.toolDecl()

	chunks, err := e.client.StreamChat(ctx, messages, tools)
	if err != nil {
		return nil, fmt.Errorf("stream chat: %w", err)
	}

	out := make(chan Item, 8)
	go func() {
		defer close(out)

		var text string
		var pendingUsage *protocol.TokenUsage
		sawToolCall := false

		for chunk := range chunks {
			for _, block := range chunk.ContentBlocks {
				if block.Type == "text" && block.Text != "" {
					text += block.Text
					out <- textItem(block.Text)
				}
			}
			for _, tc := range chunk.ToolCalls {
				sawToolCall = true
				out <- toolCallItem(tc.ID, tc.Name, tc.Arguments)
			}
			if chunk.Usage != nil {
				pendingUsage = &protocol.TokenUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
				out <- usageItem(pendingUsage)
			}
		}

		if text != "" {
			e.history.Add(NewTextMessage(RoleAssistant, text))
		}
		// A call whose context was cancelled (Interrupt) ended early; it
		// does not complete a turn.
		if !sawToolCall && ctx.Err() == nil {
			e.history.IncrementTurn()
		}

		out <- endItem()
	}()

	return out, nil
}

func toProviderMessages(messages []Message) []llmprovider.Message {
	out := make([]llmprovider.Message, 0, len(messages))
	for _, m := range messages {
		pm := llmprovider.Message{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
			Timestamp:  m.Timestamp,
		}
		for _, b := range m.Content {
			block := llmprovider.ContentBlock{Type: b.Type, Text: b.Text}
			if b.Source != nil {
				block.Source = &llmprovider.ImageSource{Type: b.Source.Type, MediaType: b.Source.MediaType, Data: b.Source.Data}
			}
			pm.Content = append(pm.Content, block)
		}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, llmprovider.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, pm)
	}
	return out
}
