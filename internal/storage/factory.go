package storage

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/emetrics/emetrics-backend/internal/config"
)

// FactoryFunc creates a backend from the archive configuration.
type FactoryFunc func(*config.ArchiveConfig) (Storage, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]FactoryFunc)
)

// Register registers a storage backend factory under name.
func Register(name string, factory FactoryFunc) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// NewStorage creates the backend named by cfg.Backend.
func NewStorage(cfg *config.ArchiveConfig) (Storage, error) {
	mu.RLock()
	factory, ok := factories[cfg.Backend]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %q (registered: %s)", cfg.Backend, strings.Join(registered(), ", "))
	}
	return factory(cfg)
}

func registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
