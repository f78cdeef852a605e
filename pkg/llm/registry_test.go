package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewMockClient())

	client, err := registry.Get(ProviderMock)
	require.NoError(t, err)
	assert.Equal(t, ProviderMock, client.Provider())
}

func TestRegistryGetUnknownProvider(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get(ProviderOpenAI)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientNotRegistered)
}

func TestRegisterDefaultClientsSkipsMissingCredentials(t *testing.T) {
	// Clear every provider credential so only the mock registers.
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "XAI_API_KEY", "GOOGLE_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(key, "")
	}

	registry := NewRegistry()
	RegisterDefaultClients(registry)

	providers := registry.Providers()
	assert.Equal(t, []Provider{ProviderMock}, providers)
}

func TestRegisterDefaultClientsWithOpenRouterKey(t *testing.T) {
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "XAI_API_KEY", "GOOGLE_API_KEY"} {
		t.Setenv(key, "")
	}
	t.Setenv("OPENROUTER_API_KEY", "test-key")

	registry := NewRegistry()
	RegisterDefaultClients(registry)

	_, err := registry.Get(ProviderOpenRouter)
	require.NoError(t, err)
	_, err = registry.Get(ProviderMock)
	require.NoError(t, err)
	_, err = registry.Get(ProviderOpenAI)
	assert.Error(t, err)
}
