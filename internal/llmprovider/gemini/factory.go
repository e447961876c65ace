package gemini

import (
	"context"
	"log/slog"

	"module/internal/llmprovider"
)

// Factory handles creation of Gemini clients from a group config. Adapted
// from the teacher's pkg/llm/gemini/factory.go.
type Factory struct{}

func (Factory) Create(cfg llmprovider.GroupConfig) ([]llmprovider.Client, error) {
	var clients []llmprovider.Client
	for _, model := range cfg.Models {
		keys := cfg.APIKeys
		if len(keys) == 0 {
			keys = []string{""}
		}
		for _, key := range keys {
			client, err := NewClient(context.Background(), key, model, cfg.Options)
			if err != nil {
				slog.Warn("failed to create gemini client", "model", model, "error", err)
				continue
			}
			clients = append(clients, client)
		}
	}
	return clients, nil
}

func init() {
	llmprovider.RegisterProvider("gemini", Factory{})
}
