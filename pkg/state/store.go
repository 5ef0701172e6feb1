// Package state provides the storage layer for workflow environments.
//
// A Store owns the plan, the nodes and the node instances of exactly one
// environment. Nodes are immutable after initialization; instances change
// only through UpdateNodeInstance, which serializes callers per instance and
// rejects stale versions.
package state

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/types"
	"github.com/davidthor/localflow/pkg/telemetry"
)

// Store provides access to the state of one workflow environment.
type Store interface {
	// Initialize performs the one-time setup of the store contents.
	Initialize(ctx context.Context, name string, plan *types.Plan, nodes []*types.Node, instances []*types.NodeInstance, resourcesRoot string) error

	// Reload reconstructs the store from previously persisted contents.
	Reload(ctx context.Context, name string) error

	// Name returns the environment name.
	Name() string

	// Plan returns a copy of the stored plan.
	Plan() *types.Plan

	// ResourcesRoot returns the directory resource paths are resolved against.
	ResourcesRoot() string

	// GetResource returns the contents of a resource file.
	GetResource(ctx context.Context, path string) ([]byte, error)

	// DownloadResource copies a resource to targetPath, or to a new temporary
	// file when targetPath is empty, and returns the written path.
	DownloadResource(ctx context.Context, path, targetPath string) (string, error)

	GetNode(ctx context.Context, id string) (*types.Node, error)
	GetNodes(ctx context.Context) ([]*types.Node, error)
	GetNodeInstance(ctx context.Context, id string) (*types.NodeInstance, error)
	GetNodeInstances(ctx context.Context) ([]*types.NodeInstance, error)

	// UpdateNodeInstance applies update to the instance if version matches the
	// stored version, or unconditionally if update.State is set.
	UpdateNodeInstance(ctx context.Context, id string, version int, update types.NodeInstanceUpdate) error
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	fs      afero.Fs
}

func defaultOptions() options {
	return options{
		logger: zerolog.Nop(),
		fs:     afero.NewOsFs(),
	}
}

// WithLogger sets the logger used by the store.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics the store reports instance updates to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFs sets the filesystem resources are read from and downloaded to.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// lockTable holds one mutex per node instance id. It is built once per
// initialize or reload and only read afterwards.
type lockTable map[string]*sync.Mutex

func newLockTable(ids []string) lockTable {
	t := make(lockTable, len(ids))
	for _, id := range ids {
		t[id] = &sync.Mutex{}
	}
	return t
}

func (t lockTable) ids() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// base holds the parts shared by every store implementation.
type base struct {
	backendType string
	opts        options

	// setupMu guards Initialize and Reload against each other.
	setupMu sync.Mutex

	name          string
	plan          *types.Plan
	resourcesRoot string
	nodes         map[string]*types.Node
	locks         lockTable
}

func newBase(backendType string, opts []Option) base {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return base{
		backendType: backendType,
		opts:        o,
	}
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Plan() *types.Plan {
	return b.plan.Clone()
}

func (b *base) ResourcesRoot() string {
	return b.resourcesRoot
}

func (b *base) GetNode(_ context.Context, id string) (*types.Node, error) {
	node, ok := b.nodes[id]
	if !ok {
		return nil, errors.NotFoundError("node", id)
	}
	return node.Clone(), nil
}

func (b *base) GetNodes(_ context.Context) ([]*types.Node, error) {
	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nodes := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, b.nodes[id].Clone())
	}
	return nodes, nil
}

// lock returns the mutex of an instance, or NOT_FOUND for unknown ids.
func (b *base) lock(id string) (*sync.Mutex, error) {
	mu, ok := b.locks[id]
	if !ok {
		return nil, errors.NotFoundError("node instance", id)
	}
	return mu, nil
}

// load installs the immutable parts of the store.
func (b *base) load(name string, plan *types.Plan, nodes []*types.Node, resourcesRoot string, instanceIDs []string) {
	nodeMap := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		nodeMap[n.ID] = n.Clone()
	}

	b.name = name
	b.plan = plan.Clone()
	b.resourcesRoot = resourcesRoot
	b.nodes = nodeMap
	b.locks = newLockTable(instanceIDs)
}

// recordUpdate reports the outcome of an update attempt.
func (b *base) recordUpdate(id string, err error) {
	result := telemetry.ResultOK
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrCodeConflict):
		result = telemetry.ResultConflict
		b.opts.logger.Debug().Str("node_instance_id", id).Err(err).Msg("node instance update conflict")
	default:
		result = telemetry.ResultError
	}
	b.opts.metrics.RecordInstanceUpdate(b.backendType, result)
}

func (b *base) startUpdateSpan(ctx context.Context, id string, version int) (context.Context, func(error)) {
	ctx, span := telemetry.StartSpan(ctx, "state.UpdateNodeInstance",
		attribute.String("localflow.backend", b.backendType),
		attribute.String("localflow.node_instance_id", id),
		attribute.Int("localflow.version", version),
	)
	return ctx, func(err error) {
		b.recordUpdate(id, err)
		telemetry.EndSpan(span, err)
	}
}

// applyUpdate performs the optimistic version check and mutates inst in place.
// It must be called with the instance lock held. Runtime properties are
// stored in their JSON form so every store hands back the same types.
func applyUpdate(inst *types.NodeInstance, version int, update types.NodeInstanceUpdate) error {
	if update.State == nil && inst.Version != version {
		return errors.VersionConflict(inst.ID, version, inst.Version)
	}

	var props map[string]interface{}
	if update.RuntimeProperties != nil {
		normalized, err := types.NormalizeMap(update.RuntimeProperties)
		if err != nil {
			return errors.Wrap(errors.ErrCodeValidation, "runtime properties of node instance "+inst.ID+" are not JSON encodable", err)
		}
		props = normalized
	}

	inst.Version++
	if props != nil {
		inst.RuntimeProperties = props
	}
	if update.State != nil {
		inst.State = *update.State
	}
	return nil
}

func instanceIDs(instances []*types.NodeInstance) []string {
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

func notInitialized(backendType string) error {
	return errors.New(errors.ErrCodeValidation, backendType+" store is not initialized")
}
