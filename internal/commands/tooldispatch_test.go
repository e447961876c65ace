package commands

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	lastName string
	lastArgs string
	result   string
	err      error
}

func (f *fakeRunner) Run(_ context.Context, name, argumentsJSON string) (string, error) {
	f.lastName, f.lastArgs = name, argumentsJSON
	return f.result, f.err
}

func TestToolInstructionHandlerRequiresAction(t *testing.T) {
	h := NewToolInstructionHandler("shell", &fakeRunner{})
	_, err := h.Execute(context.Background(), &fakeChat{}, map[string]any{"command": "ls"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action")
}

func TestToolInstructionHandlerDispatchesToRunner(t *testing.T) {
	runner := &fakeRunner{result: `{"ok":true}`}
	h := NewToolInstructionHandler("shell", runner)
	reply, err := h.Execute(context.Background(), &fakeChat{}, map[string]any{"action": "run", "command": "ls"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, reply)
	assert.Equal(t, "shell", runner.lastName)
	assert.Contains(t, runner.lastArgs, `"action":"run"`)
}

func TestToolInstructionHandlerPropagatesRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	h := NewToolInstructionHandler("shell", runner)
	_, err := h.Execute(context.Background(), &fakeChat{}, map[string]any{"action": "run"})
	require.ErrorContains(t, err, "boom")
}

func TestRegisterToolInstructionsViaRegistry(t *testing.T) {
	r := NewRegistry()
	RegisterToolInstructions(r, &fakeRunner{result: "done"}, []string{"shell", "clock"})

	reply, err := r.Dispatch(context.Background(), "shell", &fakeChat{}, map[string]any{"action": "run"})
	require.NoError(t, err)
	assert.Equal(t, "done", reply)

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "clock", infos[0].Name)
	assert.Equal(t, "shell", infos[1].Name)
}
