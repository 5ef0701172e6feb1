package state

import (
	"fmt"

	"github.com/davidthor/localflow/pkg/state/backend"

	// Register the blob backends.
	_ "github.com/davidthor/localflow/pkg/state/backend/azurerm"
	_ "github.com/davidthor/localflow/pkg/state/backend/gcs"
	_ "github.com/davidthor/localflow/pkg/state/backend/local"
	_ "github.com/davidthor/localflow/pkg/state/backend/s3"
	_ "github.com/davidthor/localflow/pkg/state/backend/sqlite"
)

// MemoryType selects the in-memory store in a backend.Config.
const MemoryType = "memory"

// NewStoreFromConfig creates a store from backend configuration. The
// "memory" type (or an empty type) yields a MemoryStore; any registered
// backend type yields a DurableStore over that backend.
func NewStoreFromConfig(config backend.Config, opts ...Option) (Store, error) {
	if config.Type == "" || config.Type == MemoryType {
		return NewMemoryStore(opts...), nil
	}

	b, err := backend.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	return NewDurableStore(b, opts...), nil
}
