package providers

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Constructor builds a Provider of one vendor type under the given
// registered name and connection config.
type Constructor func(name string, cfg Config, logger *zap.Logger) Provider

// Factory is a type name to Constructor table. Unlike Registry (which
// holds already-constructed providers keyed by name), Factory holds one
// entry per supported vendor TYPE ("openai", "claude", "gemini", ...)
// and is used at startup to build Provider instances from the
// configured provider rows.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// Register adds a constructor for a vendor type.
func (f *Factory) Register(vendorType string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[vendorType] = ctor
}

// Create builds a Provider of vendorType registered under name.
func (f *Factory) Create(vendorType, name string, cfg Config, logger *zap.Logger) (Provider, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[vendorType]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("providers: unsupported vendor type %q", vendorType)
	}
	return ctor(name, cfg, logger), nil
}

// SupportedTypes returns the registered vendor type names, sorted.
func (f *Factory) SupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.ctors))
	for t := range f.ctors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
