// Package gemini adapts google.golang.org/genai to the llmprovider.Client
// contract. Adapted from the teacher's pkg/llm/gemini/client.go, trimmed
// of the thought-signature debug-file plumbing this gateway has no
// collaborator for.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"module/internal/llmprovider"

	"google.golang.org/genai"
)

// Client wraps a single model on the Gemini API.
type Client struct {
	client  *genai.Client
	model   string
	options map[string]any
}

// NewClient builds a Gemini driver for one model/key pair.
func NewClient(ctx context.Context, apiKey, model string, options map[string]any) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: c, model: model, options: options}, nil
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "UNAVAILABLE") || strings.Contains(msg, "deadline exceeded")
}

func (c *Client) StreamChat(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolDecl) (<-chan llmprovider.StreamChunk, error) {
	apiMessages, systemInstruction := convertMessages(messages)
	genaiTools := convertTools(tools)

	out := make(chan llmprovider.StreamChunk, 100)
	started := make(chan error, 1)

	slog.InfoContext(ctx, "streaming", "provider", "gemini", "model", c.model)

	go func() {
		defer close(out)

		genConfig := &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
		}
		if len(genaiTools) > 0 {
			genConfig.Tools = genaiTools
		}
		if t, ok := c.options["temperature"].(float64); ok {
			t32 := float32(t)
			genConfig.Temperature = &t32
		}
		if maxTok, ok := c.options["max_tokens"].(float64); ok {
			genConfig.MaxOutputTokens = int32(maxTok)
		}

		iter := c.client.Models.GenerateContentStream(ctx, c.model, apiMessages, genConfig)

		begun := false
		var lastUsage *llmprovider.Usage
		var lastFinish string

		for resp, err := range iter {
			if err != nil {
				if resp == nil {
					if !begun {
						started <- err
					} else {
						out <- llmprovider.NewTextChunk(fmt.Sprintf("[stream interrupted: %v]", err))
					}
					return
				}
				slog.WarnContext(ctx, "gemini stream error with partial data", "error", err)
			}

			if !begun {
				begun = true
				started <- nil
			}

			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llmprovider.Usage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" {
					lastFinish = string(candidate.FinishReason)
				}
				if candidate.Content == nil {
					continue
				}
				var toolCalls []llmprovider.ToolCall
				var text strings.Builder
				for _, part := range candidate.Content.Parts {
					if part.FunctionCall != nil {
						argsB, _ := json.Marshal(part.FunctionCall.Args)
						toolCalls = append(toolCalls, llmprovider.ToolCall{
							Name:      part.FunctionCall.Name,
							Arguments: string(argsB),
						})
					}
					if part.Text != "" {
						text.WriteString(part.Text)
					}
				}
				if text.Len() > 0 || len(toolCalls) > 0 {
					chunk := llmprovider.StreamChunk{ToolCalls: toolCalls}
					if text.Len() > 0 {
						chunk.ContentBlocks = []llmprovider.ContentBlock{{Type: "text", Text: text.String()}}
					}
					out <- chunk
				}
			}
		}

		if lastUsage != nil {
			lastUsage.StopReason = lastFinish
		}
		out <- llmprovider.NewFinalChunk(lastFinish, lastUsage)
	}()

	if err := <-started; err != nil {
		return nil, err
	}
	return out, nil
}

func convertMessages(messages []llmprovider.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system *genai.Content

	for _, m := range messages {
		if m.Role == "system" {
			system = &genai.Content{Parts: []*genai.Part{{Text: textOf(m)}}}
			continue
		}

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}

		var parts []*genai.Part
		for _, block := range m.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text})
				}
			case "image":
				if block.Source != nil {
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: block.Source.MediaType, Data: block.Source.Data}})
				}
			}
		}
		if m.Role == "tool" {
			var result any
			_ = json.Unmarshal([]byte(textOf(m)), &result)
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: m.ToolCallID, Response: map[string]any{"result": result}}})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Arguments), &args)
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}})
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents, system
}

func textOf(m llmprovider.Message) string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func convertTools(tools []llmprovider.ToolDecl) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var fds []*genai.FunctionDeclaration
	for _, t := range tools {
		fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		fullSchema := map[string]any{"type": "object", "properties": t.Parameters}
		if len(t.Required) > 0 {
			fullSchema["required"] = t.Required
		}
		b, _ := json.Marshal(fullSchema)
		var schema genai.Schema
		_ = json.Unmarshal(b, &schema)
		fd.Parameters = &schema
		fds = append(fds, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: fds}}
}
