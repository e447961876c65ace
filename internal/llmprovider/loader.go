package llmprovider

import (
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// NewFromConfig builds a Client (atomic or fan-out FallbackClient) from the
// raw "llm" section of the gateway config. Adapted from the teacher's
// pkg/llm.NewFromConfig: unmarshal group configs, resolve each group's
// registered Factory, and fall back across the resulting atomic clients.
func NewFromConfig(rawLLM jsoniter.RawMessage, maxRetries int, retryDelay time.Duration) (Client, error) {
	if rawLLM == nil {
		return nil, fmt.Errorf("missing llm config")
	}

	var groups []GroupConfig
	if err := jsoniter.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("parse llm config: %w", err)
	}

	var atomic []Client
	for _, group := range groups {
		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			slog.Warn("unknown llm provider type, skipping", "type", group.Type)
			continue
		}
		clients, err := factory.Create(group)
		if err != nil {
			slog.Warn("failed to create llm clients", "type", group.Type, "error", err)
			continue
		}
		atomic = append(atomic, clients...)
	}

	if len(atomic) == 0 {
		return nil, fmt.Errorf("no llm clients could be initialized")
	}
	if len(atomic) == 1 {
		return atomic[0], nil
	}
	return &FallbackClient{Clients: atomic, MaxRetries: maxRetries, RetryDelay: retryDelay}, nil
}
