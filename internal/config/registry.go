package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by [Registry.CreateSTT] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds an STT provider from its config entry.
type Factory func(ProviderEntry) (stt.Provider, error)

// Registry maps provider names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stt: make(map[string]Factory)}
}

// RegisterSTT registers an STT provider factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// CreateSTT instantiates the provider registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create stt/%q: %w", entry.Name, err)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stt))
	for n := range r.stt {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
