package ai

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes a backend name (e.g. "ollama") to a provider factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeName(name)] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalizeName(name)
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

// Streaming resolves a provider and asserts that it can stream.
func (r *Registry) Streaming(ctx context.Context, name string, model string) (StreamProvider, error) {
	p, err := r.Get(ctx, name, model)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(StreamProvider)
	if !ok {
		return nil, errors.Errorf("ai provider %s does not support streaming", normalizeName(name))
	}
	return sp, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewDefaultRegistry registers the local Ollama backend.
func NewDefaultRegistry(ollamaBaseURL, defaultModel string) *Registry {
	reg := NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = defaultModel
		}
		return NewOllamaProvider(ollamaBaseURL, m), nil
	})
	return reg
}
