// Package ollama adapts github.com/ollama/ollama/api to the
// llmprovider.Client contract. Adapted from the teacher's
// pkg/llm/ollama/client.go.
package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"module/internal/llmprovider"

	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client wraps a single Ollama model.
type Client struct {
	client  *api.Client
	model   string
	options map[string]any
}

// NewClient builds an Ollama driver, preferring an explicit base URL over
// environment discovery so a misconfigured gateway fails loudly.
func NewClient(model, baseURL string, options map[string]any) (*Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 0}

	var apiClient *api.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama base url: %w", err)
		}
		apiClient = api.NewClient(u, httpClient)
	} else {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
		apiClient = c
	}

	return &Client{client: apiClient, model: model, options: options}, nil
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout") || strings.Contains(msg, "EOF")
}

func (c *Client) StreamChat(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolDecl) (<-chan llmprovider.StreamChunk, error) {
	apiMessages := convertMessages(messages)

	var apiTools []api.Tool
	for _, t := range tools {
		schema := map[string]any{"type": "object", "properties": t.Parameters, "required": t.Required}
		b, _ := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema,
			},
		})
		var apiTool api.Tool
		if err := json.Unmarshal(b, &apiTool); err == nil {
			apiTools = append(apiTools, apiTool)
		}
	}

	out := make(chan llmprovider.StreamChunk, 100)
	started := make(chan error, 1)

	streamVal := true
	req := &api.ChatRequest{Model: c.model, Messages: apiMessages, Options: c.options, Tools: apiTools, Stream: &streamVal}

	go func() {
		defer close(out)
		begun := false

		err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if !begun {
				begun = true
				select {
				case started <- nil:
				default:
				}
			}

			if resp.Message.Content != "" {
				out <- llmprovider.NewTextChunk(resp.Message.Content)
			}

			if len(resp.Message.ToolCalls) > 0 {
				var toolCalls []llmprovider.ToolCall
				for _, tc := range resp.Message.ToolCalls {
					argsB, _ := json.Marshal(tc.Function.Arguments)
					toolCalls = append(toolCalls, llmprovider.ToolCall{Name: tc.Function.Name, Arguments: string(argsB)})
				}
				out <- llmprovider.StreamChunk{ToolCalls: toolCalls}
			}

			if resp.Done {
				usage := &llmprovider.Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					StopReason:       resp.DoneReason,
				}
				out <- llmprovider.NewFinalChunk(resp.DoneReason, usage)
				slog.InfoContext(ctx, "ollama stream finished", "model", c.model, "reason", resp.DoneReason)
			}
			return nil
		})

		if err != nil {
			if !begun {
				select {
				case started <- err:
				default:
					out <- llmprovider.NewTextChunk(fmt.Sprintf("[ollama error: %v]", err))
				}
			}
		} else if !begun {
			select {
			case started <- nil:
			default:
			}
		}
	}()

	select {
	case err := <-started:
		if err != nil {
			return nil, err
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func convertMessages(messages []llmprovider.Message) []api.Message {
	var out []api.Message
	for _, m := range messages {
		var content strings.Builder
		var images []api.ImageData
		for _, block := range m.Content {
			switch block.Type {
			case "text":
				content.WriteString(block.Text)
			case "image":
				if block.Source != nil && len(block.Source.Data) > 0 {
					images = append(images, block.Source.Data)
				}
			}
		}

		msg := api.Message{Role: m.Role, Content: content.String(), Images: images}

		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			var apiToolCalls []api.ToolCall
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				apiToolCalls = append(apiToolCalls, api.ToolCall{Function: api.ToolCallFunction{Name: tc.Name, Arguments: args}})
			}
			msg.ToolCalls = apiToolCalls
		}

		out = append(out, msg)
	}
	return out
}
