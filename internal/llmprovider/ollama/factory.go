package ollama

import (
	"log/slog"

	"module/internal/llmprovider"
)

// Factory handles creation of Ollama clients from a group config. Adapted
// from the teacher's pkg/llm/ollama/factory.go.
type Factory struct{}

func (Factory) Create(cfg llmprovider.GroupConfig) ([]llmprovider.Client, error) {
	var clients []llmprovider.Client
	for _, model := range cfg.Models {
		client, err := NewClient(model, cfg.BaseURL, cfg.Options)
		if err != nil {
			slog.Warn("failed to create ollama client", "model", model, "error", err)
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llmprovider.RegisterProvider("ollama", Factory{})
}
