package provider

import (
	"fmt"

	"relay/internal/config"
	"relay/internal/domain/services"
	"relay/internal/provider/anthropic"
	"relay/internal/provider/lorem"
	"relay/internal/provider/openai"
)

// Factory constructs and caches provider adapters from configuration.
type Factory struct {
	providers map[string]services.ChatProvider
}

// NewFactory builds the provider set the configuration enables. Providers
// without credentials are simply absent; the lorem provider is always
// available in non-production environments.
func NewFactory(cfg *config.Config) *Factory {
	providers := make(map[string]services.ChatProvider)

	if cfg.AnthropicAPIKey != "" {
		providers["anthropic"] = anthropic.NewProvider(cfg.AnthropicAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		providers["openai"] = openai.NewProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}
	if cfg.Environment != "prod" {
		providers["lorem"] = lorem.NewProvider()
	}

	return &Factory{providers: providers}
}

// Get returns the named provider.
func (f *Factory) Get(name string) (services.ChatProvider, error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider '%s' is not configured", name)
	}
	return p, nil
}

// ForModel returns the first provider that supports the given model.
func (f *Factory) ForModel(model string) (services.ChatProvider, error) {
	for _, p := range f.providers {
		if p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no configured provider supports model '%s'", model)
}

// Names returns the configured provider names.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	return names
}
