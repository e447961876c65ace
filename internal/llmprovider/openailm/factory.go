package openailm

import (
	"log/slog"

	"module/internal/llmprovider"
)

// Factory handles creation of OpenAI-compatible clients from a group
// config. Adapted from the teacher's pkg/llm/openailm/factory.go. It is
// registered under the single provider type "openai"; a group for any
// other OpenAI-compatible endpoint uses that type too, and its BaseURL is
// what selects the endpoint. Other type names are not registered.
type Factory struct{}

func (Factory) Create(cfg llmprovider.GroupConfig) ([]llmprovider.Client, error) {
	var clients []llmprovider.Client
	keys := cfg.APIKeys
	if len(keys) == 0 {
		keys = []string{""}
	}
	for _, model := range cfg.Models {
		for _, key := range keys {
			client, err := NewClient(key, model, cfg.BaseURL)
			if err != nil {
				slog.Warn("failed to create openai-compatible client", "model", model, "error", err)
				continue
			}
			clients = append(clients, client)
		}
	}
	return clients, nil
}

func init() {
	llmprovider.RegisterProvider("openai", Factory{})
}
