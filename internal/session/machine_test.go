package session

import (
	"context"
	"testing"

	"module/internal/cancel"
	"module/internal/chatengine"
	"module/internal/commands"
	"module/internal/metrics"
	"module/internal/protocol"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	appended       []chatengine.Message
	toolResults    []string
	poppedTurns    int
	resetKeep      int
	resetTurns     int
	truncateCalls  []int
	systemMessages []string
	currentTurn    int
	maxTurn        int
}

func (f *fakeEngine) AppendUser(msg chatengine.Message) { f.appended = append(f.appended, msg) }
func (f *fakeEngine) AppendToolResult(_, _, resultJSON string) {
	f.toolResults = append(f.toolResults, resultJSON)
}
func (f *fakeEngine) PopLastTurn()      { f.poppedTurns++ }
func (f *fakeEngine) ResetKeepSystem()  { f.resetKeep++ }
func (f *fakeEngine) ResetTurnCounter() { f.resetTurns++ }
func (f *fakeEngine) CurrentTurn() int  { return f.currentTurn }
func (f *fakeEngine) MaxTurn() int      { return f.maxTurn }
func (f *fakeEngine) TruncateHistory(keep int) {
	f.truncateCalls = append(f.truncateCalls, keep)
}
func (f *fakeEngine) EnsureSystemMessage(content string) {
	f.systemMessages = append(f.systemMessages, content)
}
func (f *fakeEngine) StreamChat(context.Context, *int) (<-chan chatengine.Item, error) {
	ch := make(chan chatengine.Item)
	close(ch)
	return ch, nil
}
func (f *fakeEngine) StreamRechat(context.Context, *int) (<-chan chatengine.Item, error) {
	ch := make(chan chatengine.Item)
	close(ch)
	return ch, nil
}

type fakeExecutor struct {
	result string
	err    error
}

func (f *fakeExecutor) Run(context.Context, string, string) (string, error) {
	return f.result, f.err
}

func newTestMachine() (*Machine, *fakeEngine) {
	engine := &fakeEngine{maxTurn: 10}
	registry := commands.NewRegistry()
	commands.RegisterBuiltins(registry)
	executor := &fakeExecutor{result: `{"ok":true}`}
	return NewMachine(engine, registry, executor, DefaultConfig(), nil), engine
}

func textRequest(id, text string) *protocol.Request {
	return &protocol.Request{RequestID: id, Input: protocol.InputType{Kind: protocol.InputText, Text: text}}
}

func TestIdleTextInputStartsGeneration(t *testing.T) {
	m, engine := newTestMachine()
	responses, sg := m.HandleRequest(context.Background(), textRequest("r1", "hello"))
	assert.Nil(t, responses)
	require.NotNil(t, sg)
	assert.Equal(t, StateGenerating, m.State())
	assert.Equal(t, ModeFresh, sg.Mode)
	assert.Len(t, engine.appended, 1)
}

func TestGeneratingRejectsNewText(t *testing.T) {
	m, _ := newTestMachine()
	m.HandleRequest(context.Background(), textRequest("r1", "hello"))
	responses, sg := m.HandleRequest(context.Background(), textRequest("r2", "again"))
	assert.Nil(t, sg)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Error, "is not valid while Generating")
}

func TestGetCommandsAllowedWhileGenerating(t *testing.T) {
	m, _ := newTestMachine()
	m.HandleRequest(context.Background(), textRequest("r1", "hello")) // -> Generating
	responses, sg := m.HandleRequest(context.Background(), &protocol.Request{RequestID: "r2", Input: protocol.InputType{Kind: protocol.InputGetCommands}})
	assert.Nil(t, sg)
	require.Len(t, responses, 1)
	assert.Equal(t, protocol.ResponseText, responses[0].Response.Kind)
}

func TestInterruptWhileIdleIsNoop(t *testing.T) {
	m, _ := newTestMachine()
	responses, sg := m.HandleRequest(context.Background(), &protocol.Request{RequestID: "r1", Input: protocol.InputType{Kind: protocol.InputInterrupt}})
	assert.Nil(t, sg)
	require.Len(t, responses, 1)
	assert.Equal(t, StateIdle, m.State())
}

func TestInterruptWhileGeneratingSignalsCancelAndEmitsNothingImmediately(t *testing.T) {
	m, _ := newTestMachine()
	m.HandleRequest(context.Background(), textRequest("r1", "hello"))
	h := m.Cancel()
	require.NotNil(t, h)

	responses, sg := m.HandleRequest(context.Background(), &protocol.Request{RequestID: "r2", Input: protocol.InputType{Kind: protocol.InputInterrupt}})
	assert.Nil(t, sg)
	assert.Nil(t, responses)
	assert.True(t, h.IsCancelled())
	assert.Equal(t, StateGenerating, m.State()) // transition happens via EnterIdle, not here
}

func TestClearContextFromIdle(t *testing.T) {
	m, engine := newTestMachine()
	responses, sg := m.HandleRequest(context.Background(), &protocol.Request{RequestID: "r1", Input: protocol.InputType{Kind: protocol.InputClearContext}})
	assert.Nil(t, sg)
	require.Len(t, responses, 1)
	assert.Equal(t, 1, engine.resetKeep)
	assert.Equal(t, 1, engine.resetTurns)
}

func TestRegeneratePopsLastTurnAndRestartsGeneration(t *testing.T) {
	m, engine := newTestMachine()
	_, sg := m.HandleRequest(context.Background(), &protocol.Request{RequestID: "r1", Input: protocol.InputType{Kind: protocol.InputRegenerate}})
	require.NotNil(t, sg)
	assert.Equal(t, 1, engine.poppedTurns)
	assert.Equal(t, ModeFresh, sg.Mode)
}

func TestWaitingToolConfirmApprovedRunsToolAndRechats(t *testing.T) {
	m, engine := newTestMachine()
	m.EnterWaitingToolConfirm("tc1", "run_command", map[string]any{"command": "ls"})

	req := &protocol.Request{
		RequestID: "r2",
		Input: protocol.InputType{
			Kind: protocol.InputToolConfirmationResponse,
			ToolConfirmation: &protocol.ToolConfirmationResponsePayload{
				Name:      "run_command",
				Arguments: map[string]any{"command": "ls"},
				Approved:  true,
			},
		},
	}
	responses, sg := m.HandleRequest(context.Background(), req)
	assert.Nil(t, responses)
	require.NotNil(t, sg)
	assert.Equal(t, ModeRechat, sg.Mode)
	require.Len(t, engine.toolResults, 1)
	assert.JSONEq(t, `{"ok":true}`, engine.toolResults[0])
}

func TestWaitingToolConfirmApprovedRecordsToolExecutionMetrics(t *testing.T) {
	m := metrics.New()
	engine := &fakeEngine{maxTurn: 10}
	registry := commands.NewRegistry()
	commands.RegisterBuiltins(registry)
	executor := &fakeExecutor{result: `{"ok":true}`}
	machine := NewMachine(engine, registry, executor, DefaultConfig(), m)
	machine.EnterWaitingToolConfirm("tc1", "run_command", map[string]any{"command": "ls"})

	req := &protocol.Request{
		RequestID: "r2",
		Input: protocol.InputType{
			Kind: protocol.InputToolConfirmationResponse,
			ToolConfirmation: &protocol.ToolConfirmationResponsePayload{
				Name:      "run_command",
				Arguments: map[string]any{"command": "ls"},
				Approved:  true,
			},
		},
	}
	_, sg := machine.HandleRequest(context.Background(), req)
	require.NotNil(t, sg)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolExecutions.WithLabelValues("run_command", metrics.StatusOK)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolExecutionDuration))
}

func TestWaitingToolConfirmRejectedInjectsRejectionNote(t *testing.T) {
	m, engine := newTestMachine()
	m.EnterWaitingToolConfirm("tc1", "run_command", map[string]any{"command": "ls"})

	req := &protocol.Request{
		RequestID: "r2",
		Input: protocol.InputType{
			Kind: protocol.InputToolConfirmationResponse,
			ToolConfirmation: &protocol.ToolConfirmationResponsePayload{
				Name:      "run_command",
				Arguments: map[string]any{"command": "ls"},
				Approved:  false,
				Reason:    "too risky",
			},
		},
	}
	_, sg := m.HandleRequest(context.Background(), req)
	require.NotNil(t, sg)
	require.Len(t, engine.toolResults, 1)
	assert.JSONEq(t, `{"rejected":true,"reason":"too risky"}`, engine.toolResults[0])
}

func TestWaitingToolConfirmMismatchedArgsRejected(t *testing.T) {
	m, _ := newTestMachine()
	m.EnterWaitingToolConfirm("tc1", "run_command", map[string]any{"command": "ls"})

	req := &protocol.Request{
		RequestID: "r2",
		Input: protocol.InputType{
			Kind: protocol.InputToolConfirmationResponse,
			ToolConfirmation: &protocol.ToolConfirmationResponsePayload{
				Name:      "run_command",
				Arguments: map[string]any{"command": "rm -rf /"},
				Approved:  true,
			},
		},
	}
	responses, sg := m.HandleRequest(context.Background(), req)
	assert.Nil(t, sg)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Error, "does not match the pending call")
}

func TestWaitingTurnConfirmConfirmedResetsCounterAndRechats(t *testing.T) {
	m, engine := newTestMachine()
	m.EnterWaitingTurnConfirm()
	engine.currentTurn = 10

	req := &protocol.Request{
		RequestID: "r2",
		Input: protocol.InputType{
			Kind:             protocol.InputTurnConfirmationResponse,
			TurnConfirmation: &protocol.TurnConfirmationResponsePayload{Confirmed: true},
		},
	}
	_, sg := m.HandleRequest(context.Background(), req)
	require.NotNil(t, sg)
	assert.Equal(t, ModeRechat, sg.Mode)
	assert.Equal(t, 1, engine.resetTurns)
}

func TestWaitingTurnConfirmDeclinedReturnsToIdle(t *testing.T) {
	m, _ := newTestMachine()
	m.EnterWaitingTurnConfirm()

	req := &protocol.Request{
		RequestID: "r2",
		Input: protocol.InputType{
			Kind:             protocol.InputTurnConfirmationResponse,
			TurnConfirmation: &protocol.TurnConfirmationResponsePayload{Confirmed: false},
		},
	}
	responses, sg := m.HandleRequest(context.Background(), req)
	assert.Nil(t, sg)
	require.Len(t, responses, 1)
	assert.Equal(t, StateIdle, m.State())
}

func TestEnterIdleClearsCancelAndRequestID(t *testing.T) {
	m, _ := newTestMachine()
	m.HandleRequest(context.Background(), textRequest("r1", "hello"))
	require.Equal(t, "r1", m.RequestID())
	m.EnterIdle()
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.RequestID())
	assert.Nil(t, m.Cancel())
}

func TestMaxContextNumOverrideTriggersTruncate(t *testing.T) {
	m, engine := newTestMachine()
	n := 3
	req := &protocol.Request{
		RequestID: "r1",
		Input:     protocol.InputType{Kind: protocol.InputText, Text: "hello"},
		Config:    &protocol.RequestConfig{MaxContextNum: &n},
	}
	_, sg := m.HandleRequest(context.Background(), req)
	require.NotNil(t, sg)
	require.Len(t, engine.truncateCalls, 1)
	assert.Equal(t, 3, engine.truncateCalls[0])
}

func TestRequestPromptOverrideReplacesSystemMessage(t *testing.T) {
	m, engine := newTestMachine()
	prompt := "you are a pirate"
	req := &protocol.Request{
		RequestID: "r1",
		Input:     protocol.InputType{Kind: protocol.InputText, Text: "hello"},
		Config:    &protocol.RequestConfig{Prompt: &prompt},
	}
	_, sg := m.HandleRequest(context.Background(), req)
	require.NotNil(t, sg)
	require.Len(t, engine.systemMessages, 1)
	assert.Equal(t, "you are a pirate", engine.systemMessages[0])
}

func TestNoPromptOverrideLeavesSystemMessageAlone(t *testing.T) {
	m, engine := newTestMachine()
	_, sg := m.HandleRequest(context.Background(), textRequest("r1", "hello"))
	require.NotNil(t, sg)
	assert.Empty(t, engine.systemMessages)
}

var _ = cancel.ErrCancelled // keep cancel import resolvable if the test set above changes
