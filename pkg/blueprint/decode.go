package blueprint

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/types"
)

var (
	operationMappingType = reflect.TypeOf(types.OperationMapping{})
	workflowType         = reflect.TypeOf(types.Workflow{})
	parameterSpecType    = reflect.TypeOf(types.ParameterSpec{})
)

// decodePlan converts the resolved document tree into a Plan and returns the
// requested instance count per node id.
func decodePlan(path string, tree map[string]any) (*types.Plan, map[string]int, error) {
	deploy, err := deployCounts(tree["nodes"])
	if err != nil {
		return nil, nil, err
	}

	plan := &types.Plan{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           plan,
		TagName:          "json",
		DecodeHook:       shorthandHook,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(tree); err != nil {
		return nil, nil, errors.ParseError(path, err)
	}

	if plan.Inputs == nil {
		plan.Inputs = map[string]interface{}{}
	}
	if plan.Workflows == nil {
		plan.Workflows = map[string]*types.Workflow{}
	}
	if plan.Outputs == nil {
		plan.Outputs = map[string]*types.Output{}
	}
	for _, n := range plan.Nodes {
		if n != nil && n.Name == "" {
			n.Name = n.ID
		}
	}
	return plan, deploy, nil
}

// shorthandHook lets an operation or workflow be written as its bare
// "module.function" descriptor. It also marks parameters that declare a
// default, since a null default decodes to the same value as none.
func shorthandHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to == parameterSpecType {
		spec, ok := data.(map[string]any)
		if !ok {
			return data, nil
		}
		if _, ok := spec["default"]; !ok {
			return data, nil
		}
		marked := make(map[string]any, len(spec)+1)
		for k, v := range spec {
			marked[k] = v
		}
		marked["HasDefault"] = true
		return marked, nil
	}

	if from.Kind() != reflect.String {
		return data, nil
	}
	switch to {
	case operationMappingType, workflowType:
		return map[string]any{"operation": data}, nil
	}
	return data, nil
}

// deployCounts reads nodes[*].instances.deploy, defaulting to one.
func deployCounts(raw any) (map[string]int, error) {
	nodes, _ := raw.([]any)
	counts := make(map[string]int, len(nodes))
	for _, item := range nodes {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := node["id"].(string)
		counts[id] = 1

		instances, ok := node["instances"].(map[string]any)
		if !ok {
			continue
		}
		switch n := instances["deploy"].(type) {
		case nil:
		case int:
			if n < 0 {
				return nil, errors.ValidationError(fmt.Sprintf("node %q: instances.deploy must not be negative", id), nil)
			}
			counts[id] = n
		default:
			return nil, errors.ValidationError(fmt.Sprintf("node %q: instances.deploy must be an integer, got %v", id, n), nil)
		}
	}
	return counts, nil
}
