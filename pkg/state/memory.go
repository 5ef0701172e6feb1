package state

import (
	"context"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/types"
)

// MemoryStore keeps the environment in process memory. Its contents are lost
// when the process exits and it cannot be reloaded.
type MemoryStore struct {
	base

	initialized bool
	instances   map[string]*types.NodeInstance
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		base: newBase("memory", opts),
	}
}

func (s *MemoryStore) Initialize(_ context.Context, name string, plan *types.Plan, nodes []*types.Node, instances []*types.NodeInstance, resourcesRoot string) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	if s.initialized {
		return errors.AlreadyExists("workflow environment", s.name)
	}

	// Contents go through the durable encoding so both stores return the
	// same value types.
	env, err := roundTrip(&environmentData{Plan: plan, ResourcesRoot: resourcesRoot, Nodes: nodes})
	if err != nil {
		return errors.Wrap(errors.ErrCodeValidation, "workflow environment "+name+" is not JSON encodable", err)
	}
	byID := make(map[string]*types.NodeInstance, len(instances))
	for _, inst := range instances {
		decoded, err := roundTrip(inst)
		if err != nil {
			return errors.Wrap(errors.ErrCodeValidation, "node instance "+inst.ID+" is not JSON encodable", err)
		}
		byID[inst.ID] = decoded.Clone()
	}

	s.load(name, env.Plan, env.Nodes, resourcesRoot, instanceIDs(instances))
	s.instances = byID
	s.initialized = true

	s.opts.logger.Debug().
		Str("name", name).
		Int("nodes", len(nodes)).
		Int("node_instances", len(instances)).
		Msg("initialized memory store")
	return nil
}

// Reload is not supported: there is nothing to reload from.
func (s *MemoryStore) Reload(_ context.Context, _ string) error {
	return errors.Unsupported("memory", "reload")
}

func (s *MemoryStore) GetNodeInstance(_ context.Context, id string) (*types.NodeInstance, error) {
	mu, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return s.instances[id].Clone(), nil
}

func (s *MemoryStore) GetNodeInstances(ctx context.Context) ([]*types.NodeInstance, error) {
	ids := s.locks.ids()
	instances := make([]*types.NodeInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetNodeInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (s *MemoryStore) UpdateNodeInstance(ctx context.Context, id string, version int, update types.NodeInstanceUpdate) (err error) {
	_, end := s.startUpdateSpan(ctx, id, version)
	defer func() { end(err) }()

	mu, err := s.lock(id)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()

	// The map itself is never written after Initialize; only the record it
	// points to changes, under the instance lock.
	return applyUpdate(s.instances[id], version, update)
}

var _ Store = (*MemoryStore)(nil)
