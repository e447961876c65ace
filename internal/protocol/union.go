package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// UnmarshalJSON implements the tagged-union parse contract of §4.A: a
// non-empty variant arrives as {"Tag": payload}; a zero-argument variant
// arrives as either {"Tag": null} or the bare string "Tag".
func (it *InputType) UnmarshalJSON(data []byte) error {
	// Bare string form: "Variant" — only legal for zero-argument variants.
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		kind := InputKind(bare)
		if !kind.IsZeroArgument() {
			return fmt.Errorf("input variant %q requires a payload, got bare string", bare)
		}
		it.Kind = kind
		return nil
	}

	var obj map[string]jsonRaw
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("input: not an object or bare string: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("input: expected exactly one variant tag, got %d", len(obj))
	}

	for tag, payload := range obj {
		kind := InputKind(tag)
		it.Kind = kind

		if kind.IsZeroArgument() {
			// payload is expected to be null; nothing further to decode.
			return nil
		}

		switch kind {
		case InputText:
			return json.Unmarshal(payload, &it.Text)
		case InputImage:
			it.Image = &ImagePayload{}
			return json.Unmarshal(payload, it.Image)
		case InputFile:
			it.File = &FilePayload{}
			return json.Unmarshal(payload, it.File)
		case InputInstruction:
			it.Instruction = &InstructionPayload{}
			return json.Unmarshal(payload, it.Instruction)
		case InputMulti:
			return json.Unmarshal(payload, &it.Multi)
		case InputToolConfirmationResponse:
			it.ToolConfirmation = &ToolConfirmationResponsePayload{}
			return json.Unmarshal(payload, it.ToolConfirmation)
		case InputTurnConfirmationResponse:
			it.TurnConfirmation = &TurnConfirmationResponsePayload{}
			return json.Unmarshal(payload, it.TurnConfirmation)
		default:
			return fmt.Errorf("input: unknown variant tag %q", tag)
		}
	}
	return nil
}

// MarshalJSON renders the tagged union as {"Tag": payload}, with
// {"Tag": null} for zero-argument variants — the canonical output form.
func (it InputType) MarshalJSON() ([]byte, error) {
	if it.Kind.IsZeroArgument() {
		return json.Marshal(map[string]any{string(it.Kind): nil})
	}
	switch it.Kind {
	case InputText:
		return json.Marshal(map[string]any{string(it.Kind): it.Text})
	case InputImage:
		return json.Marshal(map[string]any{string(it.Kind): it.Image})
	case InputFile:
		return json.Marshal(map[string]any{string(it.Kind): it.File})
	case InputInstruction:
		return json.Marshal(map[string]any{string(it.Kind): it.Instruction})
	case InputMulti:
		return json.Marshal(map[string]any{string(it.Kind): it.Multi})
	case InputToolConfirmationResponse:
		return json.Marshal(map[string]any{string(it.Kind): it.ToolConfirmation})
	case InputTurnConfirmationResponse:
		return json.Marshal(map[string]any{string(it.Kind): it.TurnConfirmation})
	default:
		return nil, fmt.Errorf("input: unknown variant kind %q", it.Kind)
	}
}

// MarshalJSON renders the ResponseContent tagged union the same way:
// {"Tag": payload}. ResponseContent has no zero-argument variants.
func (rc ResponseContent) MarshalJSON() ([]byte, error) {
	switch rc.Kind {
	case ResponseText:
		return json.Marshal(map[string]any{string(rc.Kind): rc.Text})
	case ResponseStream:
		return json.Marshal(map[string]any{string(rc.Kind): rc.Stream})
	case ResponseComplete:
		return json.Marshal(map[string]any{string(rc.Kind): rc.Complete})
	case ResponseToolCall:
		return json.Marshal(map[string]any{string(rc.Kind): rc.ToolCall})
	case ResponseToolResult:
		return json.Marshal(map[string]any{string(rc.Kind): rc.ToolResult})
	case ResponseToolConfirmationRequest:
		return json.Marshal(map[string]any{string(rc.Kind): rc.ToolConfirmationRequest})
	case ResponseTurnConfirmationRequest:
		return json.Marshal(map[string]any{string(rc.Kind): rc.TurnConfirmationRequest})
	case ResponseMulti:
		return json.Marshal(map[string]any{string(rc.Kind): rc.Multi})
	default:
		return nil, fmt.Errorf("response: unknown variant kind %q", rc.Kind)
	}
}

// UnmarshalJSON parses the ResponseContent tagged union, accepting only the
// {"Tag": payload} object form (no bare-string zero-argument variants exist
// for ResponseContent).
func (rc *ResponseContent) UnmarshalJSON(data []byte) error {
	var obj map[string]jsonRaw
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("response: not an object: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("response: expected exactly one variant tag, got %d", len(obj))
	}

	for tag, payload := range obj {
		kind := ResponseKind(tag)
		rc.Kind = kind
		switch kind {
		case ResponseText:
			return json.Unmarshal(payload, &rc.Text)
		case ResponseStream:
			return json.Unmarshal(payload, &rc.Stream)
		case ResponseComplete:
			rc.Complete = &CompletePayload{}
			return json.Unmarshal(payload, rc.Complete)
		case ResponseToolCall:
			rc.ToolCall = &ToolCallPayload{}
			return json.Unmarshal(payload, rc.ToolCall)
		case ResponseToolResult:
			rc.ToolResult = &ToolResultPayload{}
			return json.Unmarshal(payload, rc.ToolResult)
		case ResponseToolConfirmationRequest:
			rc.ToolConfirmationRequest = &ToolConfirmationRequestPayload{}
			return json.Unmarshal(payload, rc.ToolConfirmationRequest)
		case ResponseTurnConfirmationRequest:
			rc.TurnConfirmationRequest = &TurnConfirmationRequestPayload{}
			return json.Unmarshal(payload, rc.TurnConfirmationRequest)
		case ResponseMulti:
			return json.Unmarshal(payload, &rc.Multi)
		default:
			return fmt.Errorf("response: unknown variant tag %q", tag)
		}
	}
	return nil
}

// jsonRaw is a local alias so this file doesn't need to import
// encoding/json just for RawMessage — jsoniter's RawMessage is
// interchangeable with the standard library's on the wire.
type jsonRaw = jsoniter.RawMessage
