package session

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"module/internal/chatengine"
	"module/internal/protocol"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

// toUserMessage converts a Text/Image/File/Multi InputType into a single
// chatengine.Message, flattening Multi's sub-inputs into one message's
// content blocks so they share the request's turn (Open Question ii).
func toUserMessage(input protocol.InputType) (chatengine.Message, error) {
	blocks, err := contentBlocksOf(input)
	if err != nil {
		return chatengine.Message{}, err
	}
	if len(blocks) == 0 {
		return chatengine.Message{}, fmt.Errorf("empty input content")
	}
	return chatengine.Message{Role: chatengine.RoleUser, Content: blocks}, nil
}

func contentBlocksOf(input protocol.InputType) ([]chatengine.ContentBlock, error) {
	switch input.Kind {
	case protocol.InputText:
		return []chatengine.ContentBlock{{Type: chatengine.BlockText, Text: input.Text}}, nil

	case protocol.InputImage:
		if input.Image == nil {
			return nil, fmt.Errorf("missing image payload")
		}
		data, err := base64.StdEncoding.DecodeString(input.Image.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid image data: %w", err)
		}
		return []chatengine.ContentBlock{{
			Type:   chatengine.BlockImage,
			Source: &chatengine.ImageSource{Type: "base64", MediaType: input.Image.MimeType, Data: data},
		}}, nil

	case protocol.InputFile:
		if input.File == nil {
			return nil, fmt.Errorf("missing file payload")
		}
		data, err := base64.StdEncoding.DecodeString(input.File.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid file data: %w", err)
		}
		if looksLikeImage(input.File.ContentType) {
			return []chatengine.ContentBlock{{
				Type:   chatengine.BlockImage,
				Source: &chatengine.ImageSource{Type: "base64", MediaType: input.File.ContentType, Data: data},
			}}, nil
		}
		return []chatengine.ContentBlock{{
			Type: chatengine.BlockText,
			Text: fmt.Sprintf("[attached file %q (%s)]\n%s", input.File.Filename, input.File.ContentType, string(data)),
		}}, nil

	case protocol.InputMulti:
		var out []chatengine.ContentBlock
		for _, sub := range input.Multi {
			blocks, err := contentBlocksOf(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, blocks...)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("input kind %q cannot become a chat message", input.Kind)
	}
}

func looksLikeImage(contentType string) bool {
	return len(contentType) >= 6 && contentType[:6] == "image/"
}

// argsEqual compares two tool-call argument maps for the
// ToolConfirmationResponse match check (spec.md §4.D, §8 boundary).
func argsEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(a, b)
}

func argsToJSON(args map[string]any) string {
	out, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// executionErrorJSON renders a §7 ToolExecutionError payload for a
// confirmed tool call. Its details carry the tool name and error only;
// unlike tooling.ExecutionError.AsStructured, it has no "arguments" field.
func executionErrorJSON(tool string, cause error) string {
	payload := map[string]any{
		"type":    "tool_execution_error",
		"message": fmt.Sprintf("Tool '%s' execution failed", tool),
		"details": map[string]any{
			"tool":  tool,
			"error": cause.Error(),
		},
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return cause.Error()
	}
	return string(out)
}

// rejectionNoteJSON renders the synthetic tool-result injected into
// history when the client declines a pending tool confirmation.
func rejectionNoteJSON(reason string) string {
	payload := map[string]any{"rejected": true, "reason": reason}
	out, err := json.Marshal(payload)
	if err != nil {
		return `{"rejected":true}`
	}
	return string(out)
}
