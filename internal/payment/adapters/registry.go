package adapters

import (
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/payment/domain"
)

// Settings holds per-provider adapter configuration keyed by provider name.
type Settings map[string]map[string]any

// SettingsFromConfig enables a provider only when its webhook secret is set.
func SettingsFromConfig(cfg config.Config) Settings {
	settings := Settings{}
	if secret := strings.TrimSpace(cfg.StripeWebhookSecret); secret != "" {
		settings["stripe"] = map[string]any{"webhook_secret": secret}
	}
	return settings
}

// Registry resolves a verified adapter per provider. Adapters are built on
// first use and shared by every later delivery.
type Registry struct {
	factories map[string]domain.AdapterFactory
	settings  Settings

	mu    sync.Mutex
	built map[string]domain.PaymentAdapter
}

func NewRegistry(settings Settings, factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		settings:  Settings{},
		built:     map[string]domain.PaymentAdapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	for provider, cfg := range settings {
		registry.settings[normalize(provider)] = cfg
	}
	return registry
}

// Providers lists every registered provider in name order.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.factories))
	for provider := range r.factories {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

// Adapter returns ErrProviderNotFound for unknown names and
// ErrProviderNotConfigured when the provider has no settings.
func (r *Registry) Adapter(provider string) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.built[provider]; ok {
		return adapter, nil
	}
	cfg, ok := r.settings[provider]
	if !ok {
		return nil, domain.ErrProviderNotConfigured
	}
	adapter, err := factory.NewAdapter(domain.AdapterConfig{Provider: provider, Config: cfg})
	if err != nil {
		return nil, err
	}
	r.built[provider] = adapter
	return adapter, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
