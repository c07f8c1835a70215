package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/firehose/cfg"
)

// Factory opens a store backend from configuration
type Factory func(ctx context.Context, config cfg.StoreConfiguration) (Store, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a backend factory by name
func Register(backend string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[backend] = factory
}

// Open opens the configured backend
func Open(ctx context.Context, config cfg.StoreConfiguration) (Store, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Backend]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown store backend: %s", config.Backend)
	}

	return factory(ctx, config)
}
