package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

// Registry holds providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces p.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Replace swaps in the providers of fresh, dropping any not present there.
func (r *Registry) Replace(fresh *Registry) {
	fresh.mu.RLock()
	next := make(map[string]Provider, len(fresh.providers))
	for name, p := range fresh.providers {
		next[name] = p
	}
	fresh.mu.RUnlock()

	r.mu.Lock()
	r.providers = next
	r.mu.Unlock()
}

// Get returns the provider called name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry registers every provider with an API key.
func BuildRegistry(cfg *config.Config) *Registry {
	reg := NewRegistry()
	bot := cfg.BotSettings()
	for _, name := range []string{"zhipu", "openai"} {
		pc := cfg.Provider(name)
		if pc.APIKey == "" {
			continue
		}
		base := pc.APIBase
		if base == "" && name == "openai" {
			base = "https://api.openai.com/v1/"
		}
		var opts []OpenAIOption
		if name == bot.Provider {
			opts = append(opts,
				WithModels(bot.Model, bot.ImageModel, bot.VisionModel),
				WithImageSize(bot.ImageSize),
			)
		}
		reg.Register(NewOpenAIProvider(name, pc.APIKey, base, opts...))
	}
	return reg
}
