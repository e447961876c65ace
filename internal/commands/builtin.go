package commands

import "context"

// ClearContextHandler is the clear_context built-in: it delegates to the
// ChatEngine's reset (clear all non-system messages, reset the turn
// counter) and returns a human-readable acknowledgement.
type ClearContextHandler struct{}

func (ClearContextHandler) Name() string { return "clear_context" }

func (ClearContextHandler) Description() string {
	return "Clear all non-system conversation history and reset the turn counter."
}

func (ClearContextHandler) Execute(_ context.Context, chat ChatMutator, _ map[string]any) (string, error) {
	chat.ResetKeepSystem()
	chat.ResetTurnCounter()
	return "Context cleared.", nil
}

// RegisterBuiltins installs every built-in instruction handler into r. Call
// once during process bootstrap, before the registry is shared across
// connections.
func RegisterBuiltins(r *Registry) {
	r.Register(ClearContextHandler{})
}
