// Package session implements the per-connection state machine named in
// spec.md §4.D: component D of the six-component design. A Machine value
// is owned exclusively by one connection's serial executor goroutine
// (internal/wsgateway) — it carries no internal locking because the spec
// requires single-writer discipline at exactly this layer, the same
// discipline chatengine.ChatHistory documents at the layer below it.
package session

import (
	"context"
	"fmt"
	"time"

	"module/internal/cancel"
	"module/internal/chatengine"
	"module/internal/commands"
	"module/internal/metrics"
	"module/internal/protocol"
)

// State is one of the four session states in the spec.md §4.D transition
// table.
type State string

const (
	StateIdle                State = "Idle"
	StateGenerating          State = "Generating"
	StateWaitingToolConfirm  State = "WaitingToolConfirm"
	StateWaitingTurnConfirm  State = "WaitingTurnConfirm"
)

// PendingToolCall is the tool invocation awaiting client confirmation
// while the session sits in WaitingToolConfirm.
type PendingToolCall struct {
	ToolCallID string
	Name       string
	Arguments  map[string]any
}

// ToolExecutor is the narrow collaborator a confirmed tool call runs
// through, matching spec.md §6's ToolExecutor interface.
type ToolExecutor interface {
	Run(ctx context.Context, name string, argumentsJSON string) (string, error)
}

// CommandRegistry is the narrow collaborator instructions dispatch
// through, matching spec.md §6's CommandRegistry interface.
type CommandRegistry interface {
	Dispatch(ctx context.Context, name string, chat commands.ChatMutator, parameters map[string]any) (string, error)
	List() []commands.Info
}

// GenMode distinguishes a fresh model turn from a continuation that
// resumes the current history without appending a new user message.
type GenMode string

const (
	ModeFresh  GenMode = "fresh"
	ModeRechat GenMode = "rechat"
)

// StartGeneration instructs the connection handler to launch the
// generation pump (internal/generation). Produced whenever HandleRequest
// transitions the session into Generating.
type StartGeneration struct {
	RequestID string
	Mode      GenMode
	Stream    bool
	UseTools  bool
	MaxTokens *int
	AskBeforeToolExecution bool
	Cancel    *cancel.Handle
}

// Machine is the per-connection session state machine.
type Machine struct {
	state     State
	requestID string
	cancel    *cancel.Handle
	pending   *PendingToolCall

	baseline Config
	engine   chatengine.ChatEngine
	commands CommandRegistry
	executor ToolExecutor
	metrics  *metrics.Metrics
}

// NewMachine builds a Machine in the Idle state. m may be nil, in which
// case tool execution metrics are simply not recorded.
func NewMachine(engine chatengine.ChatEngine, registry CommandRegistry, executor ToolExecutor, baseline Config, m *metrics.Metrics) *Machine {
	return &Machine{state: StateIdle, baseline: baseline, engine: engine, commands: registry, executor: executor, metrics: m}
}

func (m *Machine) State() State             { return m.state }
func (m *Machine) RequestID() string        { return m.requestID }
func (m *Machine) Cancel() *cancel.Handle   { return m.cancel }
func (m *Machine) Pending() *PendingToolCall { return m.pending }

// HandleRequest applies one inbound Request to the machine, per the
// spec.md §4.D transition table. It returns any responses to emit
// immediately, and — when the request starts or resumes generation — a
// StartGeneration the caller must hand to the generation pump.
func (m *Machine) HandleRequest(ctx context.Context, req *protocol.Request) ([]protocol.Response, *StartGeneration) {
	kind := req.Input.Kind

	// GetCommands is allowed from every state and never changes it.
	if kind == protocol.InputGetCommands {
		return []protocol.Response{m.listCommandsResponse(req.RequestID)}, nil
	}

	// Interrupt has state-specific behavior in every state but never
	// itself produces an IllegalTransitionError.
	if kind == protocol.InputInterrupt {
		return m.handleInterrupt(req.RequestID), nil
	}

	switch m.state {
	case StateIdle:
		return m.handleIdle(ctx, req)
	case StateGenerating:
		return []protocol.Response{m.reject(req.RequestID, kind)}, nil
	case StateWaitingToolConfirm:
		return m.handleWaitingToolConfirm(req)
	case StateWaitingTurnConfirm:
		return m.handleWaitingTurnConfirm(req)
	default:
		return []protocol.Response{m.reject(req.RequestID, kind)}, nil
	}
}

func (m *Machine) handleIdle(ctx context.Context, req *protocol.Request) ([]protocol.Response, *StartGeneration) {
	switch req.Input.Kind {
	case protocol.InputText, protocol.InputImage, protocol.InputFile, protocol.InputMulti:
		msg, err := toUserMessage(req.Input)
		if err != nil {
			return []protocol.Response{errorResponse(req.RequestID, err.Error())}, nil
		}
		m.engine.AppendUser(msg)
		cfg := m.baseline.Merge(req.Config)
		if cfg.MaxContextNum > 0 {
			if h, ok := m.engine.(interface{ TruncateHistory(int) }); ok {
				h.TruncateHistory(cfg.MaxContextNum)
			}
		}
		if cfg.Prompt != "" {
			if h, ok := m.engine.(interface{ EnsureSystemMessage(string) }); ok {
				h.EnsureSystemMessage(cfg.Prompt)
			}
		}
		return nil, m.beginGeneration(req, ModeFresh)

	case protocol.InputInstruction:
		inst := req.Input.Instruction
		if inst == nil {
			return []protocol.Response{errorResponse(req.RequestID, "missing instruction payload")}, nil
		}
		result, err := m.commands.Dispatch(ctx, inst.Command, m.engine, inst.Parameters)
		if err != nil {
			return []protocol.Response{errorResponse(req.RequestID, err.Error())}, nil
		}
		return []protocol.Response{{RequestID: req.RequestID, Response: protocol.TextResponse(result)}}, nil

	case protocol.InputRegenerate:
		m.engine.PopLastTurn()
		return nil, m.beginGeneration(req, ModeFresh)

	case protocol.InputClearContext:
		m.engine.ResetKeepSystem()
		m.engine.ResetTurnCounter()
		return []protocol.Response{{RequestID: req.RequestID, Response: protocol.TextResponse("Context cleared.")}}, nil

	default:
		return []protocol.Response{m.reject(req.RequestID, req.Input.Kind)}, nil
	}
}

func (m *Machine) handleWaitingToolConfirm(req *protocol.Request) ([]protocol.Response, *StartGeneration) {
	if req.Input.Kind != protocol.InputToolConfirmationResponse {
		return []protocol.Response{m.reject(req.RequestID, req.Input.Kind)}, nil
	}
	resp := req.Input.ToolConfirmation
	if resp == nil || m.pending == nil || resp.Name != m.pending.Name || !argsEqual(resp.Arguments, m.pending.Arguments) {
		return []protocol.Response{errorResponse(req.RequestID, "tool confirmation does not match the pending call")}, nil
	}

	pending := m.pending
	m.pending = nil

	if resp.Approved {
		start := time.Now()
		result, err := m.executor.Run(context.Background(), pending.Name, argsToJSON(pending.Arguments))
		m.metrics.RecordToolExecution(pending.Name, err == nil, time.Since(start))
		if err != nil {
			m.engine.AppendToolResult(pending.ToolCallID, pending.Name, executionErrorJSON(pending.Name, err))
		} else {
			m.engine.AppendToolResult(pending.ToolCallID, pending.Name, result)
		}
	} else {
		m.engine.AppendToolResult(pending.ToolCallID, pending.Name, rejectionNoteJSON(resp.Reason))
	}

	return nil, m.beginGeneration(req, ModeRechat)
}

func (m *Machine) handleWaitingTurnConfirm(req *protocol.Request) ([]protocol.Response, *StartGeneration) {
	if req.Input.Kind != protocol.InputTurnConfirmationResponse {
		return []protocol.Response{m.reject(req.RequestID, req.Input.Kind)}, nil
	}
	resp := req.Input.TurnConfirmation
	if resp != nil && resp.Confirmed {
		m.engine.ResetTurnCounter()
		return nil, m.beginGeneration(req, ModeRechat)
	}
	m.state = StateIdle
	m.requestID = ""
	m.cancel = nil
	return []protocol.Response{{RequestID: req.RequestID, Response: protocol.TextResponse("Turn limit reached; stopping.")}}, nil
}

func (m *Machine) handleInterrupt(requestID string) []protocol.Response {
	switch m.state {
	case StateIdle:
		return []protocol.Response{{RequestID: requestID, Response: protocol.TextResponse("nothing to interrupt")}}
	case StateGenerating:
		if m.cancel != nil {
			m.cancel.Signal()
		}
		// The pump observes the signal and drains to Complete{interrupted:
		// true}; EnterIdle() is called from that outcome, not here.
		return nil
	case StateWaitingToolConfirm, StateWaitingTurnConfirm:
		if m.cancel != nil {
			m.cancel.Signal()
		}
		m.pending = nil
		m.state = StateIdle
		prevRequestID := m.requestID
		m.requestID = ""
		m.cancel = nil
		_ = prevRequestID
		return []protocol.Response{{RequestID: requestID, Response: protocol.TextResponse("generation interrupted")}}
	default:
		return nil
	}
}

// beginGeneration moves the machine into Generating and builds the
// StartGeneration the caller launches the pump with.
func (m *Machine) beginGeneration(req *protocol.Request, mode GenMode) *StartGeneration {
	cfg := m.baseline.Merge(req.Config)
	h := cancel.New()

	m.state = StateGenerating
	m.requestID = req.RequestID
	m.cancel = h

	return &StartGeneration{
		RequestID:              req.RequestID,
		Mode:                   mode,
		Stream:                 req.Stream,
		UseTools:               req.UseTools,
		MaxTokens:              cfg.MaxTokensPtr(),
		AskBeforeToolExecution: cfg.AskBeforeToolExecution,
		Cancel:                 h,
	}
}

// EnterWaitingToolConfirm is called by the connection handler when the
// generation pump suspends on a tool call requiring confirmation.
func (m *Machine) EnterWaitingToolConfirm(toolCallID, name string, args map[string]any) {
	m.state = StateWaitingToolConfirm
	m.pending = &PendingToolCall{ToolCallID: toolCallID, Name: name, Arguments: args}
}

// EnterWaitingTurnConfirm is called by the connection handler when the
// generation pump suspends on an exceeded turn budget.
func (m *Machine) EnterWaitingTurnConfirm() {
	m.state = StateWaitingTurnConfirm
}

// EnterIdle is called by the connection handler once the generation pump
// reaches End (or an interrupted Complete) and has emitted its terminal
// frame.
func (m *Machine) EnterIdle() {
	m.state = StateIdle
	m.requestID = ""
	m.cancel = nil
}

func (m *Machine) reject(requestID string, kind protocol.InputKind) protocol.Response {
	return errorResponse(requestID, (&IllegalTransitionError{Input: string(kind), State: m.state}).Error())
}

func (m *Machine) listCommandsResponse(requestID string) protocol.Response {
	infos := m.commands.List()
	type cmdJSON struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	cmds := make([]cmdJSON, 0, len(infos))
	for _, c := range infos {
		cmds = append(cmds, cmdJSON{Name: c.Name, Description: c.Description})
	}
	payload := struct {
		Commands []cmdJSON `json:"commands"`
		Count    int       `json:"count"`
	}{Commands: cmds, Count: len(cmds)}
	out, err := jsonMarshal(payload)
	if err != nil {
		return errorResponse(requestID, fmt.Sprintf("failed to list commands: %v", err))
	}
	return protocol.Response{RequestID: requestID, Response: protocol.TextResponse(string(out))}
}

func errorResponse(requestID, msg string) protocol.Response {
	return protocol.Response{RequestID: requestID, Response: protocol.TextResponse(""), Error: msg}
}

func (s State) String() string { return string(s) }
