package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrProviderUnavailable is returned by client constructors when the provider
// cannot be initialized, typically because its credential is missing.
// RegisterDefaultClients treats it as a silent skip.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrClientNotRegistered is returned by Registry.Get for unknown providers.
var ErrClientNotRegistered = errors.New("client not registered")

// Registry holds provider clients keyed by Provider. It is an explicit
// dependency constructed at program start and injected into the runtime;
// there is no process-global instance.
type Registry struct {
	mu      sync.RWMutex
	clients map[Provider]Client
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[Provider]Client)}
}

// Register adds or replaces the client for its provider.
func (r *Registry) Register(client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Provider()] = client
}

// Get returns the client for a provider or ErrClientNotRegistered.
func (r *Registry) Get(provider Provider) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotRegistered, provider)
	}
	return client, nil
}

// Providers lists the registered provider identifiers.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	providers := make([]Provider, 0, len(r.clients))
	for p := range r.clients {
		providers = append(providers, p)
	}
	return providers
}

// Clients returns the registered clients.
func (r *Registry) Clients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// RegisterDefaultClients tries every known provider constructor and registers
// the ones that initialize. A provider whose credential is missing is skipped
// silently (debug-logged), not treated as an error: runs only need the
// providers they actually spawn agents on.
func RegisterDefaultClients(registry *Registry) {
	constructors := []func() (Client, error){
		func() (Client, error) { return NewOpenAIClient() },
		func() (Client, error) { return NewAnthropicClient() },
		func() (Client, error) { return NewGrokClient() },
		func() (Client, error) { return NewGeminiClient() },
		func() (Client, error) { return NewOpenRouterClient() },
		func() (Client, error) { return NewMockClient(), nil },
	}
	for _, construct := range constructors {
		client, err := construct()
		if err != nil {
			if errors.Is(err, ErrProviderUnavailable) {
				slog.Debug("Skipping unavailable provider", "error", err)
				continue
			}
			slog.Warn("Provider client failed to initialize", "error", err)
			continue
		}
		registry.Register(client)
	}
}
