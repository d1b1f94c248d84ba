package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProvider is returned by Get for names nobody registered.
var ErrUnknownProvider = errors.New("unknown provider")

// Constructor creates a provider from its configuration.
type Constructor func(cfg Config) (Provider, error)

// Registry maps provider names to constructors and caches the instances.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	configs      map[string]Config
	instances    map[string]Provider
	defaultName  string
}

// NewRegistry creates an empty registry. Get("") resolves to defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		configs:      make(map[string]Config),
		instances:    make(map[string]Provider),
		defaultName:  defaultName,
	}
}

// NewDefaultRegistry registers the built-in providers with their configs.
//
// Example:
//
//	reg := provider.NewDefaultRegistry("claude", map[string]provider.Config{
//	    "claude": {Model: "sonnet"},
//	})
//	p, err := reg.Get("")
func NewDefaultRegistry(defaultName string, configs map[string]Config) *Registry {
	r := NewRegistry(defaultName)
	r.Register("claude", func(cfg Config) (Provider, error) { return NewClaude(cfg), nil }, configs["claude"])
	r.Register("codex", func(cfg Config) (Provider, error) { return NewCodex(cfg), nil }, configs["codex"])
	r.Register("cursor", func(cfg Config) (Provider, error) { return NewCursor(cfg), nil }, configs["cursor"])
	r.Register("mock", func(Config) (Provider, error) { return NewMock(nil), nil }, configs["mock"])
	return r
}

// Register adds a constructor. It panics on a nil constructor or a duplicate name.
func (r *Registry) Register(name string, c Constructor, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c == nil {
		panic(fmt.Sprintf("provider: Register constructor is nil for %s", name))
	}
	if _, exists := r.constructors[name]; exists {
		panic(fmt.Sprintf("provider: Register called twice for %s", name))
	}
	r.constructors[name] = c
	r.configs[name] = cfg
}

// Add registers a ready-made instance, replacing any previous one.
func (r *Registry) Add(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	r.constructors[name] = func(Config) (Provider, error) { return p, nil }
	r.instances[name] = p
}

// Get returns the provider for name, or the default provider when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}

	r.mu.RLock()
	p, ok := r.instances[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	p, err := c(r.configs[name])
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", name, err)
	}
	r.instances[name] = p
	return p, nil
}

// Default returns the name Get("") resolves to.
func (r *Registry) Default() string {
	return r.defaultName
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[name]
	return ok
}
