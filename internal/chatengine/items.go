package chatengine

import "module/internal/protocol"

// ItemKind discriminates one element of a generation's lazy chunk
// sequence, named in spec.md §4.E step 1.
type ItemKind string

const (
	ItemTextChunk          ItemKind = "text_chunk"
	ItemToolCallIntent     ItemKind = "tool_call_intent"
	ItemTurnBudgetExceeded ItemKind = "turn_budget_exceeded"
	ItemUsage              ItemKind = "usage"
	ItemEnd                ItemKind = "end"
)

// Item is one element the generation pump pulls from a ChatEngine
// stream. Only the field matching Kind is meaningful.
type Item struct {
	Kind ItemKind

	Text string // ItemTextChunk

	ToolCallID        string // ItemToolCallIntent
	ToolName          string // ItemToolCallIntent
	ToolArgumentsJSON string // ItemToolCallIntent

	CurrentTurns int // ItemTurnBudgetExceeded
	MaxTurns     int // ItemTurnBudgetExceeded

	Usage *protocol.TokenUsage // ItemUsage
}

func textItem(s string) Item { return Item{Kind: ItemTextChunk, Text: s} }

func toolCallItem(id, name, argsJSON string) Item {
	return Item{Kind: ItemToolCallIntent, ToolCallID: id, ToolName: name, ToolArgumentsJSON: argsJSON}
}

func turnBudgetItem(current, max int) Item {
	return Item{Kind: ItemTurnBudgetExceeded, CurrentTurns: current, MaxTurns: max}
}

func usageItem(u *protocol.TokenUsage) Item { return Item{Kind: ItemUsage, Usage: u} }

func endItem() Item { return Item{Kind: ItemEnd} }
