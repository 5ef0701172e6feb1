// Package backend defines the blob storage contract used by durable stores.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrNotFound is returned when a path does not exist in the backend.
var ErrNotFound = errors.New("state not found")

// Backend stores opaque blobs under slash-separated paths.
type Backend interface {
	// Type returns the registered backend type name.
	Type() string

	// Read opens the blob at path. Returns ErrNotFound if it does not exist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write fully replaces the blob at path.
	Write(ctx context.Context, path string, data io.Reader) error

	// Delete removes the blob at path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// List returns every blob path under prefix, relative to the backend root.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether a blob exists at path.
	Exists(ctx context.Context, path string) (bool, error)
}

// Config selects and configures a backend.
type Config struct {
	Type   string            `mapstructure:"type"`
	Config map[string]string `mapstructure:"options"`
}

// Factory creates a backend from its options.
type Factory func(config map[string]string) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend factory available under name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Registered reports whether a backend type has been registered.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Types returns the registered backend types in sorted order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the backend described by config.
func Create(config Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[config.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend type %q (available: %v)", config.Type, Types())
	}

	cfg := config.Config
	if cfg == nil {
		cfg = make(map[string]string)
	}
	return factory(cfg)
}
