package commands

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ToolRunner is the narrow slice of the ToolExecutor collaborator a
// ToolInstructionHandler needs: run a named tool with a JSON argument
// object and return its JSON result or a structured error. Defined locally
// (rather than imported from internal/tooling) so this package keeps the
// same narrow-collaborator-interface discipline as session.ToolExecutor.
type ToolRunner interface {
	Run(ctx context.Context, name string, argumentsJSON string) (string, error)
}

// ToolInstructionHandler lets a client drive a registered tool directly
// through an Instruction input, bypassing the model — mirroring the
// teacher's handleSlashCommand ("/tool action {params}") debugging path.
// It is registered into the CommandRegistry like any other Handler, so the
// §7 UnknownCommand/CommandFailed taxonomy and GetCommands listing apply to
// it unchanged; the only special rule is that its parameters must carry an
// "action" key, distinguishing a deliberate tool-debug call from an
// accidental Instruction whose command name happens to collide with a
// tool's.
type ToolInstructionHandler struct {
	toolName string
	runner   ToolRunner
}

// NewToolInstructionHandler wraps a single tool name as a dispatchable
// instruction.
func NewToolInstructionHandler(toolName string, runner ToolRunner) ToolInstructionHandler {
	return ToolInstructionHandler{toolName: toolName, runner: runner}
}

func (h ToolInstructionHandler) Name() string { return h.toolName }

func (h ToolInstructionHandler) Description() string {
	return fmt.Sprintf("Invoke the %q tool directly, bypassing the model (debug/admin use).", h.toolName)
}

func (h ToolInstructionHandler) Execute(ctx context.Context, _ ChatMutator, parameters map[string]any) (string, error) {
	if _, ok := parameters["action"]; !ok {
		return "", fmt.Errorf("tool instruction %q requires an \"action\" parameter", h.toolName)
	}
	argsJSON, err := json.Marshal(parameters)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	result, err := h.runner.Run(ctx, h.toolName, string(argsJSON))
	if err != nil {
		return "", err
	}
	return result, nil
}

// RegisterToolInstructions installs a ToolInstructionHandler for every name
// in toolNames, letting each registered model tool also be driven directly
// as a client instruction.
func RegisterToolInstructions(r *Registry, runner ToolRunner, toolNames []string) {
	for _, name := range toolNames {
		r.Register(NewToolInstructionHandler(name, runner))
	}
}
