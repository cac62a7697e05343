package adapters

import (
	"context"
	"net/http"
	"testing"

	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFactory struct {
	name  string
	built int
}

func (f *countingFactory) Provider() string { return f.name }

func (f *countingFactory) NewAdapter(cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	if _, ok := cfg.Config["secret"]; !ok {
		return nil, domain.ErrInvalidConfig
	}
	f.built++
	return noopAdapter{}, nil
}

type noopAdapter struct{}

func (noopAdapter) Verify(context.Context, []byte, http.Header) error { return nil }

func (noopAdapter) Parse(context.Context, []byte) (*domain.PaymentEvent, error) {
	return nil, domain.ErrEventIgnored
}

func TestSettingsFromConfig(t *testing.T) {
	assert.Empty(t, SettingsFromConfig(config.Config{StripeWebhookSecret: "  "}))
	settings := SettingsFromConfig(config.Config{StripeWebhookSecret: " whsec_1 "})
	assert.Equal(t, "whsec_1", settings["stripe"]["webhook_secret"])
}

func TestRegistryBuildsAdapterOnce(t *testing.T) {
	paddle := &countingFactory{name: "Paddle"}
	stripe := &countingFactory{name: "stripe"}
	registry := NewRegistry(Settings{" PADDLE ": {"secret": "x"}}, stripe, paddle, nil)

	assert.Equal(t, []string{"paddle", "stripe"}, registry.Providers())
	assert.True(t, registry.ProviderExists("Paddle"))
	assert.False(t, registry.ProviderExists("paypal"))

	first, err := registry.Adapter("paddle")
	require.NoError(t, err)
	second, err := registry.Adapter(" paddle")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, paddle.built)

	_, err = registry.Adapter("stripe")
	assert.ErrorIs(t, err, domain.ErrProviderNotConfigured)
	_, err = registry.Adapter("paypal")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestRegistryDoesNotCacheFailedBuilds(t *testing.T) {
	factory := &countingFactory{name: "paddle"}
	registry := NewRegistry(Settings{"paddle": {"other": 1}}, factory)

	_, err := registry.Adapter("paddle")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	_, err = registry.Adapter("paddle")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Zero(t, factory.built)

	var nilRegistry *Registry
	assert.False(t, nilRegistry.ProviderExists("paddle"))
	assert.Nil(t, nilRegistry.Providers())
}
