package tooling

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellTool runs a single shell command and returns its combined output.
// Adapted from the teacher's pkg/tools/os worker controllers, collapsed
// into one cross-platform implementation (the teacher splits this per-OS
// via build tags; this gateway only needs the command-execution action,
// not the screenshot capability, since no client surface here renders
// images from tool output).
type ShellTool struct {
	Timeout time.Duration
}

// NewShellTool builds a ShellTool with a sane default timeout.
func NewShellTool() *ShellTool {
	return &ShellTool{Timeout: 30 * time.Second}
}

func (t *ShellTool) Name() string { return "run_command" }

func (t *ShellTool) Description() string {
	return "Execute a shell command on the host and return its combined stdout/stderr."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"command": map[string]any{
			"type":        "string",
			"description": "Command to execute, e.g. 'ls -la'.",
		},
	}
}

func (t *ShellTool) Required() []string { return []string{"command"} }

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("missing or invalid 'command' parameter")
	}

	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return map[string]any{"output": string(out), "error": err.Error()}, nil
	}
	return map[string]any{"output": string(out)}, nil
}

// ClockTool is a trivial, side-effect-free tool used in tests and as a demo
// of the tool-confirmation flow without a destructive action behind it.
type ClockTool struct{}

func (ClockTool) Name() string        { return "current_time" }
func (ClockTool) Description() string { return "Return the current server time in RFC3339." }
func (ClockTool) Parameters() map[string]any { return map[string]any{} }
func (ClockTool) Required() []string         { return nil }

func (ClockTool) Execute(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"time": time.Now().Format(time.RFC3339)}, nil
}
