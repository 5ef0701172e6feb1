package state

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	stdpath "path"
	"strings"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/backend"
	"github.com/davidthor/localflow/pkg/state/types"
)

// environmentData is the document stored at <name>/data.
type environmentData struct {
	Plan          *types.Plan   `json:"plan"`
	ResourcesRoot string        `json:"resources_root"`
	Nodes         []*types.Node `json:"nodes"`
}

// DurableStore persists the environment to a blob backend:
//
//	<name>/data                  plan, resources root and nodes
//	<name>/node-instances/<id>   one file per node instance
//
// Instance files are rewritten in full on every update.
type DurableStore struct {
	base

	backend backend.Backend
}

// NewDurableStore creates a store on top of b.
func NewDurableStore(b backend.Backend, opts ...Option) *DurableStore {
	return &DurableStore{
		base:    newBase(b.Type(), opts),
		backend: b,
	}
}

// Backend returns the underlying blob backend.
func (s *DurableStore) Backend() backend.Backend {
	return s.backend
}

// Close releases the backend if it holds resources.
func (s *DurableStore) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Initialize writes the environment under name and loads it. A name whose
// data file already exists is rejected with CONFLICT. The check and the
// writes are not atomic, so two stores sharing a backend must not initialize
// the same name concurrently. A failed write removes everything written so
// far, leaving the name free for another attempt.
func (s *DurableStore) Initialize(ctx context.Context, name string, plan *types.Plan, nodes []*types.Node, instances []*types.NodeInstance, resourcesRoot string) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	exists, err := s.backend.Exists(ctx, dataPath(name))
	if err != nil {
		return errors.StorageError(s.backendType, "stat", err)
	}
	if exists {
		return errors.AlreadyExists("workflow environment", name)
	}

	blobs, err := encodeEnvironment(name, plan, nodes, instances, resourcesRoot)
	if err != nil {
		return err
	}

	// No lock table exists yet, so files are written directly.
	written := make([]string, 0, len(blobs))
	for _, f := range blobs {
		if err := s.backend.Write(ctx, f.path, bytes.NewReader(f.data)); err != nil {
			s.rollback(ctx, written)
			return errors.StorageError(s.backendType, "write", err)
		}
		written = append(written, f.path)
	}

	s.opts.logger.Debug().
		Str("name", name).
		Str("backend", s.backendType).
		Int("nodes", len(nodes)).
		Int("node_instances", len(instances)).
		Msg("initialized durable store")

	return s.reload(ctx, name)
}

// rollback deletes the files of a partially written environment. Failures
// are logged; the write error that triggered the rollback is what callers
// see.
func (s *DurableStore) rollback(ctx context.Context, paths []string) {
	for i := len(paths) - 1; i >= 0; i-- {
		if err := s.backend.Delete(ctx, paths[i]); err != nil {
			s.opts.logger.Warn().Err(err).Str("path", paths[i]).Msg("failed to roll back environment file")
		}
	}
}

func (s *DurableStore) Reload(ctx context.Context, name string) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	return s.reload(ctx, name)
}

// reload runs with setupMu held.
func (s *DurableStore) reload(ctx context.Context, name string) error {
	data, err := readJSON[environmentData](ctx, s.backend, dataPath(name))
	if err != nil {
		if stderrors.Is(err, backend.ErrNotFound) {
			return errors.NotFoundError("workflow environment", name)
		}
		return errors.StorageError(s.backendType, "read", err)
	}

	paths, err := s.backend.List(ctx, instancesDir(name))
	if err != nil {
		return errors.StorageError(s.backendType, "list", err)
	}

	prefix := instancesDir(name) + "/"
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		id := strings.TrimPrefix(p, prefix)
		if id == p || id == "" || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
	}

	s.load(name, data.Plan, data.Nodes, data.ResourcesRoot, ids)

	s.opts.logger.Debug().
		Str("name", name).
		Str("backend", s.backendType).
		Int("node_instances", len(ids)).
		Msg("reloaded durable store")
	return nil
}

func (s *DurableStore) GetNodeInstance(ctx context.Context, id string) (*types.NodeInstance, error) {
	mu, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return s.readInstance(ctx, id)
}

func (s *DurableStore) GetNodeInstances(ctx context.Context) ([]*types.NodeInstance, error) {
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

func (s *DurableStore) UpdateNodeInstance(ctx context.Context, id string, version int, update types.NodeInstanceUpdate) (err error) {
	ctx, end := s.startUpdateSpan(ctx, id, version)
	defer func() { end(err) }()

	mu, err := s.lock(id)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()

	inst, err := s.readInstance(ctx, id)
	if err != nil {
		return err
	}
	if err := applyUpdate(inst, version, update); err != nil {
		return err
	}
	if err := writeJSON(ctx, s.backend, instancePath(s.name, id), inst); err != nil {
		return errors.StorageError(s.backendType, "write", err)
	}
	return nil
}

// readInstance loads one instance file. Callers hold the instance lock.
func (s *DurableStore) readInstance(ctx context.Context, id string) (*types.NodeInstance, error) {
	inst, err := readJSON[types.NodeInstance](ctx, s.backend, instancePath(s.name, id))
	if err != nil {
		if stderrors.Is(err, backend.ErrNotFound) {
			return nil, errors.NotFoundError("node instance", id)
		}
		return nil, errors.StorageError(s.backendType, "read", err)
	}
	return inst.Clone(), nil
}

// Path helpers

func dataPath(name string) string {
	return stdpath.Join(name, "data")
}

func instancesDir(name string) string {
	return stdpath.Join(name, "node-instances")
}

func instancePath(name, id string) string {
	return stdpath.Join(name, "node-instances", id)
}

// JSON helpers

type blob struct {
	path string
	data []byte
}

// encodeEnvironment renders the files of a new environment, data first.
func encodeEnvironment(name string, plan *types.Plan, nodes []*types.Node, instances []*types.NodeInstance, resourcesRoot string) ([]blob, error) {
	blobs := make([]blob, 0, len(instances)+1)

	data, err := encodeJSON(&environmentData{
		Plan:          plan,
		ResourcesRoot: resourcesRoot,
		Nodes:         nodes,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidation, "workflow environment "+name+" is not JSON encodable", err)
	}
	blobs = append(blobs, blob{path: dataPath(name), data: data})

	for _, inst := range instances {
		data, err := encodeJSON(inst)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeValidation, "node instance "+inst.ID+" is not JSON encodable", err)
		}
		blobs = append(blobs, blob{path: instancePath(name, inst.ID), data: data})
	}
	return blobs, nil
}

func encodeJSON(v interface{}) ([]byte, error) {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return content, nil
}

// readJSON decodes a stored document. Numbers stay json.Number until the
// result is cloned.
func readJSON[T any](ctx context.Context, b backend.Backend, p string) (*T, error) {
	reader, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}

	var result T
	if err := types.DecodeJSON(content, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return &result, nil
}

func writeJSON(ctx context.Context, b backend.Backend, p string, data interface{}) error {
	content, err := encodeJSON(data)
	if err != nil {
		return err
	}
	return b.Write(ctx, p, bytes.NewReader(content))
}

// roundTrip passes v through the same encoding durable stores use.
func roundTrip[T any](v *T) (*T, error) {
	content, err := encodeJSON(v)
	if err != nil {
		return nil, err
	}
	var result T
	if err := types.DecodeJSON(content, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

var _ Store = (*DurableStore)(nil)
