package generation

import (
	"context"
	"errors"
	"testing"

	"module/internal/cancel"
	"module/internal/chatengine"
	"module/internal/metrics"
	"module/internal/protocol"
	"module/internal/session"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedEngine struct {
	items       []chatengine.Item // script for the initial StreamChat call
	rechatItems []chatengine.Item // script for every StreamRechat call; defaults to a bare End
	streamErr   error
	blockStream bool
	toolResults []string
	rechatCalls int
}

func (e *scriptedEngine) AppendUser(chatengine.Message)      {}
func (e *scriptedEngine) AppendToolResult(_, _, resultJSON string) {
	e.toolResults = append(e.toolResults, resultJSON)
}
func (e *scriptedEngine) PopLastTurn()      {}
func (e *scriptedEngine) ResetKeepSystem()  {}
func (e *scriptedEngine) ResetTurnCounter() {}
func (e *scriptedEngine) CurrentTurn() int  { return 0 }
func (e *scriptedEngine) MaxTurn() int      { return 10 }

func (e *scriptedEngine) StreamChat(context.Context, *int) (<-chan chatengine.Item, error) {
	return e.open(e.items)
}
func (e *scriptedEngine) StreamRechat(context.Context, *int) (<-chan chatengine.Item, error) {
	e.rechatCalls++
	items := e.rechatItems
	if items == nil {
		items = []chatengine.Item{{Kind: chatengine.ItemEnd}}
	}
	return e.open(items)
}

func (e *scriptedEngine) open(items []chatengine.Item) (<-chan chatengine.Item, error) {
	if e.streamErr != nil {
		return nil, e.streamErr
	}
	if e.blockStream {
		// Never produces an item or closes; the only way Run can make
		// progress is via sg.Cancel.Done() firing.
		return make(chan chatengine.Item), nil
	}
	ch := make(chan chatengine.Item, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch, nil
}

type fakeToolExecutor struct {
	result string
	err    error
}

func (f *fakeToolExecutor) Run(context.Context, string, string) (string, error) {
	return f.result, f.err
}

type structuredErr struct{ msg string }

func (s *structuredErr) Error() string        { return s.msg }
func (s *structuredErr) AsStructured() string { return `{"type":"tool_execution_error","message":"custom"}` }

func baseStartGeneration() *session.StartGeneration {
	return &session.StartGeneration{
		RequestID: "r1",
		Mode:      session.ModeFresh,
		Stream:    false,
		UseTools:  true,
		Cancel:    cancel.New(),
	}
}

func collect(respCh *[]protocol.Response) func(protocol.Response) {
	return func(r protocol.Response) { *respCh = append(*respCh, r) }
}

func TestRunBufferedTextCompletion(t *testing.T) {
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemTextChunk, Text: "hello "},
		{Kind: chatengine.ItemTextChunk, Text: "world"},
		{Kind: chatengine.ItemEnd},
	}}
	sg := baseStartGeneration()
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeIdle, outcome.Kind)
	assert.False(t, outcome.Failed)
	assert.False(t, outcome.Interrupted)
	require.Len(t, responses, 1)
	assert.Equal(t, protocol.ResponseText, responses[0].Response.Kind)
	assert.Equal(t, "hello world", responses[0].Response.Text)
}

func TestRunStreamingEmitsChunksThenComplete(t *testing.T) {
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemTextChunk, Text: "a"},
		{Kind: chatengine.ItemTextChunk, Text: "b"},
		{Kind: chatengine.ItemEnd},
	}}
	sg := baseStartGeneration()
	sg.Stream = true
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeIdle, outcome.Kind)
	require.Len(t, responses, 3)
	assert.Equal(t, protocol.ResponseStream, responses[0].Response.Kind)
	assert.Equal(t, "a", responses[0].Response.Stream)
	assert.Equal(t, protocol.ResponseStream, responses[1].Response.Kind)
	assert.Equal(t, protocol.ResponseComplete, responses[2].Response.Kind)
	assert.False(t, responses[2].Response.Complete.Interrupted)
}

func TestRunCapturesUsageIntoTerminalResponse(t *testing.T) {
	usage := &protocol.TokenUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemTextChunk, Text: "hi"},
		{Kind: chatengine.ItemUsage, Usage: usage},
		{Kind: chatengine.ItemEnd},
	}}
	sg := baseStartGeneration()
	var responses []protocol.Response
	Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].TokenUsage)
	assert.Equal(t, 12, responses[0].TokenUsage.TotalTokens)
}

func TestRunToolCallDeniedWhenUseToolsFalse(t *testing.T) {
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemToolCallIntent, ToolCallID: "tc1", ToolName: "run", ToolArgumentsJSON: `{}`},
		{Kind: chatengine.ItemEnd},
	}}
	sg := baseStartGeneration()
	sg.UseTools = false
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeIdle, outcome.Kind)
	require.Len(t, engine.toolResults, 1)
	assert.JSONEq(t, `{"denied":true,"reason":"tool execution disabled for this request"}`, engine.toolResults[0])
	require.Len(t, responses, 1) // only the terminal text response, no ToolCall frame
	assert.Equal(t, 0, engine.rechatCalls, "a denied tool call doesn't get a model follow-up")
}

func TestRunAskBeforeToolExecutionSuspends(t *testing.T) {
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemToolCallIntent, ToolCallID: "tc1", ToolName: "run_command", ToolArgumentsJSON: `{"command":"ls"}`},
		{Kind: chatengine.ItemEnd},
	}}
	sg := baseStartGeneration()
	sg.AskBeforeToolExecution = true
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	require.Equal(t, OutcomeWaitingToolConfirm, outcome.Kind)
	require.NotNil(t, outcome.Pending)
	assert.Equal(t, "run_command", outcome.Pending.Name)
	assert.Equal(t, "tc1", outcome.Pending.ToolCallID)
	require.Len(t, responses, 1)
	assert.Equal(t, protocol.ResponseToolConfirmationRequest, responses[0].Response.Kind)
	assert.Empty(t, engine.toolResults) // tool has not run yet
}

func TestRunToolExecutionSuccessEmitsToolResultThenContinues(t *testing.T) {
	engine := &scriptedEngine{
		items: []chatengine.Item{
			{Kind: chatengine.ItemToolCallIntent, ToolCallID: "tc1", ToolName: "clock", ToolArgumentsJSON: `{}`},
		},
		rechatItems: []chatengine.Item{
			{Kind: chatengine.ItemTextChunk, Text: "it is noon"},
			{Kind: chatengine.ItemEnd},
		},
	}
	sg := baseStartGeneration()
	executor := &fakeToolExecutor{result: `{"time":"now"}`}
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, executor, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeIdle, outcome.Kind)
	require.Len(t, responses, 3)
	assert.Equal(t, protocol.ResponseToolCall, responses[0].Response.Kind)
	assert.Equal(t, protocol.ResponseToolResult, responses[1].Response.Kind)
	assert.Empty(t, responses[1].Error)
	assert.Equal(t, protocol.ResponseText, responses[2].Response.Kind)
	assert.Equal(t, "it is noon", responses[2].Response.Text)
	require.Len(t, engine.toolResults, 1)
	assert.JSONEq(t, `{"time":"now"}`, engine.toolResults[0])
	assert.Equal(t, 1, engine.rechatCalls, "the model gets a follow-up call once the tool result is in history")
}

func TestRunRecordsToolExecutionMetrics(t *testing.T) {
	m := metrics.New()
	engine := &scriptedEngine{
		items: []chatengine.Item{
			{Kind: chatengine.ItemToolCallIntent, ToolCallID: "tc1", ToolName: "clock", ToolArgumentsJSON: `{}`},
		},
	}
	sg := baseStartGeneration()
	executor := &fakeToolExecutor{result: `{"time":"now"}`}
	Run(context.Background(), engine, executor, m, sg, func(protocol.Response) {})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolExecutions.WithLabelValues("clock", metrics.StatusOK)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolExecutionDuration), "one latency observation recorded for the clock tool")
}

func TestRunToolExecutionFailureUsesStructuredErrorAndContinues(t *testing.T) {
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemToolCallIntent, ToolCallID: "tc1", ToolName: "run_command", ToolArgumentsJSON: `{}`},
	}}
	sg := baseStartGeneration()
	executor := &fakeToolExecutor{err: &structuredErr{msg: "boom"}}
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, executor, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeIdle, outcome.Kind)
	require.Len(t, engine.toolResults, 1)
	assert.JSONEq(t, `{"type":"tool_execution_error","message":"custom"}`, engine.toolResults[0])
	require.Len(t, responses, 3) // ToolCall, ToolResult(error), terminal text from the rechat
	assert.NotEmpty(t, responses[1].Error)
	assert.Equal(t, 1, engine.rechatCalls)
}

func TestRunToolExecutionFailureWithoutStructuredErrorBuildsOne(t *testing.T) {
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemToolCallIntent, ToolCallID: "tc1", ToolName: "run_command", ToolArgumentsJSON: `{}`},
	}}
	sg := baseStartGeneration()
	executor := &fakeToolExecutor{err: errors.New("plain failure")}
	Run(context.Background(), engine, executor, nil, sg, func(protocol.Response) {})

	require.Len(t, engine.toolResults, 1)
	assert.Contains(t, engine.toolResults[0], `"type":"tool_execution_error"`)
	assert.Contains(t, engine.toolResults[0], "plain failure")
}

func TestRunTurnBudgetExceededSuspends(t *testing.T) {
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemTurnBudgetExceeded, CurrentTurns: 10, MaxTurns: 10},
	}}
	sg := baseStartGeneration()
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeWaitingTurnConfirm, outcome.Kind)
	require.Len(t, responses, 1)
	assert.Equal(t, protocol.ResponseTurnConfirmationRequest, responses[0].Response.Kind)
	assert.Equal(t, 10, responses[0].Response.TurnConfirmationRequest.CurrentTurns)
}

func TestRunOpenStreamErrorIsFailed(t *testing.T) {
	engine := &scriptedEngine{streamErr: errors.New("connection refused")}
	sg := baseStartGeneration()
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeIdle, outcome.Kind)
	assert.True(t, outcome.Failed)
	assert.False(t, outcome.Interrupted)
	require.Len(t, responses, 2)
	assert.NotEmpty(t, responses[0].Error)
	assert.Equal(t, protocol.ResponseComplete, responses[1].Response.Kind)
}

func TestRunStreamClosedWithoutCompletionIsFailed(t *testing.T) {
	engine := &scriptedEngine{items: []chatengine.Item{
		{Kind: chatengine.ItemTextChunk, Text: "partial"},
	}}
	sg := baseStartGeneration()
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeIdle, outcome.Kind)
	assert.True(t, outcome.Failed)
	require.Len(t, responses, 2)
	assert.NotEmpty(t, responses[0].Error)
}

func TestRunCancelledMidStreamIsInterrupted(t *testing.T) {
	h := cancel.New()
	h.Signal()
	engine := &scriptedEngine{blockStream: true}
	sg := baseStartGeneration()
	sg.Cancel = h
	var responses []protocol.Response
	outcome := Run(context.Background(), engine, &fakeToolExecutor{}, nil, sg, collect(&responses))

	assert.Equal(t, OutcomeIdle, outcome.Kind)
	assert.True(t, outcome.Interrupted)
	assert.False(t, outcome.Failed)
	require.Len(t, responses, 1)
	assert.Equal(t, protocol.ResponseComplete, responses[0].Response.Kind)
	assert.True(t, responses[0].Response.Complete.Interrupted)
}
