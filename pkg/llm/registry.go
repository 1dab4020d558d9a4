package llm

import (
	"fmt"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/registry"
)

// ProviderRegistry holds the configured providers keyed by logical name.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// NewProviderRegistryFromConfig builds providers for every configured
// entry. The provider type selects the implementation; "openai" covers
// any OpenAI-compatible endpoint.
func NewProviderRegistryFromConfig(providers map[string]config.ProviderConfig) (*ProviderRegistry, error) {
	r := NewProviderRegistry()

	for name, cfg := range providers {
		provider, err := newProvider(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", name, err)
		}
		if err := r.Register(name, provider); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func newProvider(name string, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(name, cfg)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Select returns the provider for the given logical name.
func (r *ProviderRegistry) Select(name string) (Provider, error) {
	provider, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered (have %v)", name, r.Names())
	}
	return provider, nil
}
