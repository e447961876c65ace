// Package generation implements component E of spec.md §4.E: the
// generation pump that drives a ChatEngine's lazy chunk sequence, emits
// streaming responses, and honors pause/cancel. Adapted from the
// teacher's pkg/handler.ChatHandler.processLLMStream/collectChunks, with
// the teacher's channel-forwarding-plus-recursion shape replaced by a
// single consuming loop over chatengine.Item — the spec's pump needs to
// suspend mid-stream for a confirmation and later resume via rechat,
// which reads more naturally as one function returning an Outcome than
// as mutual recursion across gateway replies.
package generation

import (
	"context"
	"fmt"
	"time"

	"module/internal/chatengine"
	"module/internal/metrics"
	"module/internal/protocol"
	"module/internal/session"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OutcomeKind reports how a pump run ended: either back to Idle, or
// suspended awaiting one of the two confirmation kinds.
type OutcomeKind string

const (
	OutcomeIdle                OutcomeKind = "idle"
	OutcomeWaitingToolConfirm  OutcomeKind = "waiting_tool_confirm"
	OutcomeWaitingTurnConfirm  OutcomeKind = "waiting_turn_confirm"
)

// Outcome is returned to the connection handler so it can drive the
// session.Machine's corresponding Enter* transition. The Machine itself
// is never touched from within Run — single-writer discipline on session
// state lives entirely in the connection handler's serial event loop.
type Outcome struct {
	Kind        OutcomeKind
	Pending     *session.PendingToolCall // set when Kind == OutcomeWaitingToolConfirm
	Interrupted bool                     // set when Kind == OutcomeIdle via a cancellation
	Failed      bool                     // set when Kind == OutcomeIdle via a model/stream error
}

// Run drives one generation from start to Idle or suspension, per the
// algorithm in spec.md §4.E. emit is called once per ResponseContent that
// should be written to the client, in order; Run itself never touches the
// socket or the session.Machine. m may be nil, in which case tool
// execution metrics are simply not recorded.
func Run(ctx context.Context, engine chatengine.ChatEngine, executor session.ToolExecutor, m *metrics.Metrics, sg *session.StartGeneration, emit func(protocol.Response)) Outcome {
	// Tie the model call's own context to the cancellation handle so an
	// Interrupt actually stops the in-flight provider request, not merely
	// this loop's consumption of it — otherwise a late-finishing stream
	// could keep mutating history (including the turn counter) after the
	// pump has already reported Idle.
	genCtx, cancelGen := sg.Cancel.Context(ctx)
	defer cancelGen()

	ch, err := openStream(genCtx, engine, sg)
	if err != nil {
		emit(errorResponse(sg.RequestID, fmt.Sprintf("model error: %v", err)))
		emit(terminalResponse(sg.RequestID, nil, false))
		return Outcome{Kind: OutcomeIdle, Failed: true}
	}

	var textBuf string
	var lastUsage *protocol.TokenUsage

	for {
		select {
		case <-sg.Cancel.Done():
			emit(protocol.Response{RequestID: sg.RequestID, Response: protocol.CompleteResponse(lastUsage, true)})
			return Outcome{Kind: OutcomeIdle, Interrupted: true}

		case item, ok := <-ch:
			if !ok {
				emit(errorResponse(sg.RequestID, "model stream closed without completion"))
				emit(terminalResponse(sg.RequestID, lastUsage, false))
				return Outcome{Kind: OutcomeIdle, Failed: true}
			}

			switch item.Kind {
			case chatengine.ItemTextChunk:
				if sg.Stream {
					emit(protocol.Response{RequestID: sg.RequestID, Response: protocol.StreamResponse(item.Text)})
				} else {
					textBuf += item.Text
				}

			case chatengine.ItemUsage:
				lastUsage = item.Usage

			case chatengine.ItemToolCallIntent:
				args := parseArgs(item.ToolArgumentsJSON)

				if !sg.UseTools {
					engine.AppendToolResult(item.ToolCallID, item.ToolName, toolDeniedJSON())
					continue
				}

				if sg.AskBeforeToolExecution {
					emit(protocol.Response{
						RequestID: sg.RequestID,
						Response: protocol.ResponseContent{
							Kind: protocol.ResponseToolConfirmationRequest,
							ToolConfirmationRequest: &protocol.ToolConfirmationRequestPayload{
								Name:      item.ToolName,
								Arguments: args,
							},
						},
					})
					return Outcome{
						Kind: OutcomeWaitingToolConfirm,
						Pending: &session.PendingToolCall{
							ToolCallID: item.ToolCallID,
							Name:       item.ToolName,
							Arguments:  args,
						},
					}
				}

				emit(protocol.Response{
					RequestID: sg.RequestID,
					Response:  protocol.ResponseContent{Kind: protocol.ResponseToolCall, ToolCall: &protocol.ToolCallPayload{Name: item.ToolName, Arguments: args}},
				})

				start := time.Now()
				result, runErr := executor.Run(genCtx, item.ToolName, item.ToolArgumentsJSON)
				m.RecordToolExecution(item.ToolName, runErr == nil, time.Since(start))
				if runErr != nil {
					structured := structuredToolError(item.ToolName, args, runErr)
					engine.AppendToolResult(item.ToolCallID, item.ToolName, structured)
					emit(protocol.Response{
						RequestID: sg.RequestID,
						Response:  protocol.ResponseContent{Kind: protocol.ResponseToolResult, ToolResult: &protocol.ToolResultPayload{Name: item.ToolName, Result: nil}},
						Error:     structured,
					})
				} else {
					engine.AppendToolResult(item.ToolCallID, item.ToolName, result)
					emit(protocol.Response{
						RequestID: sg.RequestID,
						Response:  protocol.ResponseContent{Kind: protocol.ResponseToolResult, ToolResult: &protocol.ToolResultPayload{Name: item.ToolName, Result: rawResult(result)}},
					})
				}

				// The model hasn't seen the tool result yet: per spec.md
				// §4.E step 4, generation continues with that result fed
				// back in. A provider's single streaming call ends once it
				// announces a tool call, so "continue consumption of the
				// same stream" is realized, per §9's design note, as a
				// fresh StreamRechat call over the same logical turn.
				nextCh, rechatErr := engine.StreamRechat(genCtx, sg.MaxTokens)
				if rechatErr != nil {
					emit(errorResponse(sg.RequestID, fmt.Sprintf("model error: %v", rechatErr)))
					emit(terminalResponse(sg.RequestID, lastUsage, false))
					return Outcome{Kind: OutcomeIdle, Failed: true}
				}
				ch = nextCh

			case chatengine.ItemTurnBudgetExceeded:
				emit(protocol.Response{
					RequestID: sg.RequestID,
					Response: protocol.ResponseContent{
						Kind: protocol.ResponseTurnConfirmationRequest,
						TurnConfirmationRequest: &protocol.TurnConfirmationRequestPayload{
							CurrentTurns: item.CurrentTurns,
							MaxTurns:     item.MaxTurns,
						},
					},
				})
				return Outcome{Kind: OutcomeWaitingTurnConfirm}

			case chatengine.ItemEnd:
				if sg.Stream {
					emit(protocol.Response{RequestID: sg.RequestID, Response: protocol.CompleteResponse(lastUsage, false)})
				} else {
					emit(protocol.Response{RequestID: sg.RequestID, Response: protocol.TextResponse(textBuf), TokenUsage: lastUsage})
				}
				return Outcome{Kind: OutcomeIdle}
			}
		}
	}
}

// openStream picks StreamChat (fresh) or StreamRechat (continuation)
// per spec.md §4.E's fresh/rechat mode distinction.
func openStream(ctx context.Context, engine chatengine.ChatEngine, sg *session.StartGeneration) (<-chan chatengine.Item, error) {
	if sg.Mode == session.ModeRechat {
		return engine.StreamRechat(ctx, sg.MaxTokens)
	}
	return engine.StreamChat(ctx, sg.MaxTokens)
}

func terminalResponse(requestID string, usage *protocol.TokenUsage, interrupted bool) protocol.Response {
	return protocol.Response{RequestID: requestID, Response: protocol.CompleteResponse(usage, interrupted)}
}

func errorResponse(requestID, msg string) protocol.Response {
	return protocol.Response{RequestID: requestID, Response: protocol.TextResponse(""), Error: msg}
}

func parseArgs(argsJSON string) map[string]any {
	if argsJSON == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.UnmarshalFromString(argsJSON, &args); err != nil {
		return map[string]any{}
	}
	return args
}

func rawResult(resultJSON string) any {
	var v any
	if err := json.UnmarshalFromString(resultJSON, &v); err != nil {
		return resultJSON
	}
	return v
}

// toolDeniedJSON is the synthetic tool result injected into history when
// use_tools is false: the model asked to call a tool but the request
// forbade tool execution entirely.
func toolDeniedJSON() string {
	out, _ := json.MarshalToString(map[string]any{"denied": true, "reason": "tool execution disabled for this request"})
	return out
}

// structuredErrorer is implemented by *tooling.ExecutionError; matched by
// interface rather than a direct import so this package doesn't need to
// know about the tool registry, only the §7 ToolExecutionError shape.
type structuredErrorer interface {
	AsStructured() string
}

// structuredToolError renders the §7 ToolExecutionError wire shape. If
// cause already carries a structured rendering (the normal case, from
// tooling.Executor), that rendering is used verbatim; otherwise one is
// built from the raw error so a non-tooling ToolExecutor implementation
// still gets a spec-shaped payload.
func structuredToolError(tool string, args map[string]any, cause error) string {
	if se, ok := cause.(structuredErrorer); ok {
		return se.AsStructured()
	}
	out, err := json.MarshalToString(map[string]any{
		"type":    "tool_execution_error",
		"message": fmt.Sprintf("Tool '%s' execution failed", tool),
		"details": map[string]any{
			"tool":      tool,
			"error":     cause.Error(),
			"arguments": args,
		},
	})
	if err != nil {
		return cause.Error()
	}
	return out
}
