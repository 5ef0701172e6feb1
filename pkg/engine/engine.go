// Package engine runs workflows of a plan against a local state store.
//
// An Environment is created once with Init, which parses the plan, prepares
// its nodes and instances and initializes the store, or reattached to an
// existing durable store with Load. Execute then invokes named workflows in
// the calling goroutine.
package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/davidthor/localflow/pkg/blueprint"
	"github.com/davidthor/localflow/pkg/engine/operations"
	"github.com/davidthor/localflow/pkg/engine/outputs"
	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state"
	"github.com/davidthor/localflow/pkg/state/types"
	"github.com/davidthor/localflow/pkg/telemetry"
)

// DefaultName is the environment name used when none is given.
const DefaultName = "local"

// LoadOptions configures an Environment attached to an existing store.
type LoadOptions struct {
	// Registry resolves operation descriptors. Defaults to operations.DefaultRegistry.
	Registry *operations.Registry

	// IgnoredModules lists modules whose operations are not resolved.
	IgnoredModules []string

	// Evaluator computes plan outputs. Defaults to outputs.NewEvaluator().
	Evaluator outputs.Evaluator

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger

	// Metrics may be nil.
	Metrics *telemetry.Metrics
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.Registry == nil {
		o.Registry = operations.DefaultRegistry
	}
	if o.Evaluator == nil {
		o.Evaluator = outputs.NewEvaluator()
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// InitOptions configures a newly initialized Environment.
type InitOptions struct {
	LoadOptions

	// Name of the environment. Defaults to DefaultName.
	Name string

	// Inputs are passed to the parser when preparing the plan.
	Inputs map[string]any

	// Store receives the prepared plan. Defaults to a new memory store.
	Store state.Store

	// Parser reads the plan document. Defaults to blueprint.NewFileParser().
	Parser blueprint.Parser
}

func (o InitOptions) withDefaults() InitOptions {
	o.LoadOptions = o.LoadOptions.withDefaults()
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Parser == nil {
		o.Parser = blueprint.NewFileParser()
	}
	if o.Store == nil {
		o.Store = state.NewMemoryStore(
			state.WithLogger(telemetry.ComponentLogger(*o.Logger, "state")),
			state.WithMetrics(o.Metrics),
		)
	}
	return o
}

// Environment is a plan bound to a state store.
type Environment struct {
	store     state.Store
	registry  *operations.Registry
	ignored   []string
	evaluator outputs.Evaluator
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

func newEnvironment(store state.Store, opts LoadOptions) *Environment {
	return &Environment{
		store:     store,
		registry:  opts.Registry,
		ignored:   append([]string(nil), opts.IgnoredModules...),
		evaluator: opts.Evaluator,
		logger:    telemetry.ComponentLogger(*opts.Logger, "engine"),
		metrics:   opts.Metrics,
	}
}

// Init parses the plan document at blueprintPath and initializes a new
// environment from it. Resources are resolved relative to the document's
// directory.
func Init(ctx context.Context, blueprintPath string, opts InitOptions) (*Environment, error) {
	opts = opts.withDefaults()

	absPath, err := filepath.Abs(blueprintPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeParse, "failed to resolve absolute path", err)
	}

	doc, err := opts.Parser.Parse(ctx, absPath)
	if err != nil {
		return nil, err
	}
	plan, err := opts.Parser.Prepare(ctx, doc, opts.Inputs)
	if err != nil {
		return nil, err
	}

	return InitPlan(ctx, plan, filepath.Dir(absPath), opts)
}

// InitPlan initializes a new environment from an already prepared plan.
func InitPlan(ctx context.Context, plan *types.Plan, resourcesRoot string, opts InitOptions) (*Environment, error) {
	opts = opts.withDefaults()
	if plan == nil {
		return nil, errors.ValidationError("plan is required", nil)
	}

	nodes, instances, err := prepare(plan, opts.Registry, opts.IgnoredModules)
	if err != nil {
		return nil, err
	}

	if err := opts.Store.Initialize(ctx, opts.Name, plan, nodes, instances, resourcesRoot); err != nil {
		return nil, err
	}

	env := newEnvironment(opts.Store, opts.LoadOptions)
	env.logger.Info().
		Str("name", opts.Name).
		Int("nodes", len(nodes)).
		Int("node_instances", len(instances)).
		Msg("initialized environment")
	return env, nil
}

// Load attaches to an environment previously initialized in store.
func Load(ctx context.Context, name string, store state.Store, opts LoadOptions) (*Environment, error) {
	opts = opts.withDefaults()
	if store == nil {
		return nil, errors.ValidationError("store is required", nil)
	}

	if err := store.Reload(ctx, name); err != nil {
		return nil, err
	}

	env := newEnvironment(store, opts)
	env.logger.Info().Str("name", name).Msg("loaded environment")
	return env, nil
}

// Name returns the environment name.
func (e *Environment) Name() string {
	return e.store.Name()
}

// Plan returns a copy of the environment's plan.
func (e *Environment) Plan() *types.Plan {
	return e.store.Plan()
}

// Store returns the environment's state store.
func (e *Environment) Store() state.Store {
	return e.store
}

// Outputs evaluates the plan outputs against the current instance state.
func (e *Environment) Outputs(ctx context.Context) (map[string]any, error) {
	plan := e.store.Plan()
	if plan == nil {
		return nil, fmt.Errorf("environment has no plan")
	}
	return e.evaluator.Evaluate(ctx, plan.Outputs, e.store)
}
