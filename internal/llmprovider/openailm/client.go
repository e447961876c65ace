// Package openailm adapts github.com/openai/openai-go/v3 (and any
// OpenAI-compatible endpoint reachable via a custom base URL) to the
// llmprovider.Client contract. Adapted from the teacher's
// pkg/llm/openailm/client.go, dropped of its raw-JSON reasoning-field
// sniffing — this gateway's Item model has no collaborator for a
// separate "thinking" stream.
package openailm

import (
	"context"
	"fmt"
	"strings"

	"module/internal/llmprovider"

	jsoniter "github.com/json-iterator/go"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client wraps a single OpenAI-compatible chat-completions model.
type Client struct {
	client *openai.Client
	model  string
}

// NewClient builds an OpenAI-compatible driver. An empty baseURL targets
// the official API.
func NewClient(apiKey, model, baseURL string) (*Client, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &Client{client: &client, model: model}, nil
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout") || strings.Contains(msg, "rate_limit")
}

func (c *Client) StreamChat(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolDecl) (<-chan llmprovider.StreamChunk, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertMessages(messages),
	}
	if decls := convertTools(tools); len(decls) > 0 {
		params.Tools = decls
	}

	out := make(chan llmprovider.StreamChunk, 100)

	go func() {
		defer close(out)

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)

		var lastFinish string
		var lastUsage *llmprovider.Usage

		for stream.Next() {
			event := stream.Current()
			if len(event.Choices) == 0 {
				continue
			}
			choice := event.Choices[0]
			if choice.FinishReason != "" {
				lastFinish = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				out <- llmprovider.NewTextChunk(choice.Delta.Content)
			}
			if len(choice.Delta.ToolCalls) > 0 {
				var toolCalls []llmprovider.ToolCall
				for _, tc := range choice.Delta.ToolCalls {
					toolCalls = append(toolCalls, llmprovider.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
				}
				out <- llmprovider.StreamChunk{ToolCalls: toolCalls}
			}
			if event.Usage.TotalTokens > 0 {
				lastUsage = &llmprovider.Usage{
					PromptTokens:     int(event.Usage.PromptTokens),
					CompletionTokens: int(event.Usage.CompletionTokens),
					TotalTokens:      int(event.Usage.TotalTokens),
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- llmprovider.NewTextChunk(fmt.Sprintf("[stream error: %v]", err))
			return
		}
		if lastUsage != nil {
			lastUsage.StopReason = lastFinish
		}
		reason := lastFinish
		if reason == "" {
			reason = "stop"
		}
		out <- llmprovider.NewFinalChunk(reason, lastUsage)
	}()

	return out, nil
}

func convertMessages(messages []llmprovider.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		text := textOf(m)
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(text))
		case "user":
			out = append(out, openai.UserMessage(text))
		case "tool":
			out = append(out, openai.ToolMessage(text, m.ToolCallID))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			msg := openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)},
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		}
	}
	return out
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

func convertTools(tools []llmprovider.ToolDecl) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, t := range tools {
		params := map[string]any{"type": "object", "properties": t.Parameters, "required": t.Required}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		})
	}
	return out
}
