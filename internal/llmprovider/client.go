package llmprovider

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Client is the driver contract every provider adapter implements.
// Adapted from the teacher's pkg/llm.LLMClient, with the tool-declaration
// list folded into StreamChat's signature rather than bolted on
// per-driver as an untyped parameter.
type Client interface {
	StreamChat(ctx context.Context, messages []Message, tools []ToolDecl) (<-chan StreamChunk, error)
	IsTransientError(err error) bool
}

// FallbackClient tries each Client in order, retrying transient failures
// before falling through to the next. Adapted from the teacher's
// pkg/llm.FallbackClient.
type FallbackClient struct {
	Clients    []Client
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackClient) StreamChat(ctx context.Context, messages []Message, tools []ToolDecl) (<-chan StreamChunk, error) {
	var lastErr error
	for i, client := range f.Clients {
		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}

		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(retry-1) * f.RetryDelay):
				}
			}

			ch, err := client.StreamChat(ctx, messages, tools)
			if err == nil {
				return ch, nil
			}

			lastErr = err
			if client.IsTransientError(err) && retry < maxRetries {
				slog.Warn("provider failed with transient error, retrying", "provider_index", i, "attempt", retry, "error", err)
				continue
			}
			slog.Error("provider failed", "provider_index", i, "error", err)
			break
		}
	}
	return nil, fmt.Errorf("all fallback providers failed: %w", lastErr)
}

func (f *FallbackClient) IsTransientError(err error) bool { return false }
