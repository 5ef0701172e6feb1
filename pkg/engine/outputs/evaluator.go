// Package outputs evaluates plan output expressions against the current node
// instance state.
//
// Two intrinsic functions are understood:
//
//	{get_attribute: [node, attribute, path...]}
//	{concat: [part, ...]}
//
// get_attribute reads the runtime property of the node's single instance,
// falling back to the node's own properties. Any other map or list is
// evaluated element by element; everything else is returned as is.
package outputs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/types"
)

const (
	funcGetAttribute = "get_attribute"
	funcConcat       = "concat"
)

// Source provides the state outputs are evaluated against.
type Source interface {
	GetNode(ctx context.Context, id string) (*types.Node, error)
	GetNodeInstances(ctx context.Context) ([]*types.NodeInstance, error)
}

// Evaluator evaluates a plan's outputs.
type Evaluator interface {
	Evaluate(ctx context.Context, outputs map[string]*types.Output, source Source) (map[string]any, error)
}

type evaluator struct{}

// NewEvaluator creates the default output evaluator.
func NewEvaluator() Evaluator {
	return evaluator{}
}

func (evaluator) Evaluate(ctx context.Context, outputs map[string]*types.Output, source Source) (map[string]any, error) {
	instances, err := source.GetNodeInstances(ctx)
	if err != nil {
		return nil, err
	}

	e := &evaluation{
		ctx:       ctx,
		source:    source,
		instances: make(map[string][]*types.NodeInstance),
	}
	for _, inst := range instances {
		e.instances[inst.NodeID] = append(e.instances[inst.NodeID], inst)
	}

	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make(map[string]any, len(outputs))
	for _, name := range names {
		out := outputs[name]
		if out == nil {
			result[name] = nil
			continue
		}
		value, err := e.eval(out.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate output %q: %w", name, err)
		}
		result[name] = value
	}
	return result, nil
}

// evaluation holds one snapshot of the instances for a single Evaluate call.
type evaluation struct {
	ctx       context.Context
	source    Source
	instances map[string][]*types.NodeInstance
}

func (e *evaluation) eval(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 1 {
			if args, ok := v[funcGetAttribute]; ok {
				return e.getAttribute(args)
			}
			if args, ok := v[funcConcat]; ok {
				return e.concat(args)
			}
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			evaluated, err := e.eval(item)
			if err != nil {
				return nil, err
			}
			out[k] = evaluated
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			evaluated, err := e.eval(item)
			if err != nil {
				return nil, err
			}
			out[i] = evaluated
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e *evaluation) getAttribute(raw any) (any, error) {
	args, ok := raw.([]any)
	if !ok || len(args) < 2 {
		return nil, errors.ExpressionError(funcGetAttribute,
			fmt.Errorf("expected a list of at least two elements, got %v", raw))
	}

	nodeID, ok := args[0].(string)
	if !ok {
		return nil, errors.ExpressionError(funcGetAttribute, fmt.Errorf("node name must be a string, got %v", args[0]))
	}

	path := make([]string, 0, len(args)-1)
	for _, a := range args[1:] {
		evaluated, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		path = append(path, fmt.Sprint(evaluated))
	}

	instances := e.instances[nodeID]
	switch len(instances) {
	case 0:
		return nil, errors.ExpressionError(funcGetAttribute,
			fmt.Errorf("node %s does not exist or has no instances", nodeID))
	case 1:
	default:
		return nil, errors.ExpressionError(funcGetAttribute,
			fmt.Errorf("node %s has more than one instance", nodeID))
	}

	props := gabs.Wrap(instances[0].RuntimeProperties)
	if props.Exists(path...) {
		return types.DeepCopyValue(props.Search(path...).Data()), nil
	}

	node, err := e.source.GetNode(e.ctx, nodeID)
	if err != nil {
		return nil, err
	}
	nodeProps := gabs.Wrap(node.Properties)
	if nodeProps.Exists(path...) {
		return types.DeepCopyValue(nodeProps.Search(path...).Data()), nil
	}
	return nil, nil
}

func (e *evaluation) concat(raw any) (any, error) {
	parts, ok := raw.([]any)
	if !ok {
		return nil, errors.ExpressionError(funcConcat, fmt.Errorf("expected a list, got %v", raw))
	}

	var sb strings.Builder
	for _, p := range parts {
		evaluated, err := e.eval(p)
		if err != nil {
			return nil, err
		}
		if evaluated != nil {
			sb.WriteString(fmt.Sprint(evaluated))
		}
	}
	return sb.String(), nil
}
