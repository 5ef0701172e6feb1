package blueprint

import (
	"fmt"
	"sort"

	"github.com/Jeffail/gabs/v2"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/types"
)

const funcGetInput = "get_input"

// resolveInputs merges supplied inputs with the declared ones. Every declared
// input needs a value or a default key, which may be null; undeclared inputs
// are rejected.
func resolveInputs(declaredRaw any, supplied map[string]any) (map[string]any, error) {
	declared, ok := declaredRaw.(map[string]any)
	if declaredRaw != nil && !ok {
		return nil, errors.ValidationError("inputs must be a mapping", nil)
	}

	var undeclared []string
	for name := range supplied {
		if _, ok := declared[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		sort.Strings(undeclared)
		return nil, errors.ValidationError(
			fmt.Sprintf("unknown inputs specified: %v", undeclared),
			map[string]interface{}{"undeclared": undeclared})
	}

	values := make(map[string]any, len(declared))
	var missing []string
	for name, raw := range declared {
		if v, ok := supplied[name]; ok {
			values[name] = types.DeepCopyValue(v)
			continue
		}
		spec, _ := raw.(map[string]any)
		def, hasDefault := spec["default"]
		if !hasDefault {
			missing = append(missing, name)
			continue
		}
		values[name] = types.DeepCopyValue(def)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.ValidationError(
			fmt.Sprintf("required inputs have no value: %v", missing),
			map[string]interface{}{"missing": missing})
	}
	return values, nil
}

// substituteInputs replaces every {get_input: ...} in value.
//
//	{get_input: name}
//	{get_input: [name, key, ...]}
func substituteInputs(value any, inputs map[string]any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if arg, ok := v[funcGetInput]; ok && len(v) == 1 {
			return lookupInput(arg, inputs)
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := substituteInputs(item, inputs)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := substituteInputs(item, inputs)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func lookupInput(arg any, inputs map[string]any) (any, error) {
	var path []string
	switch a := arg.(type) {
	case string:
		path = []string{a}
	case []any:
		for _, seg := range a {
			path = append(path, fmt.Sprint(seg))
		}
	}
	if len(path) == 0 {
		return nil, errors.ValidationError(fmt.Sprintf("invalid get_input argument: %v", arg), nil)
	}

	if _, ok := inputs[path[0]]; !ok {
		return nil, errors.ValidationError(
			fmt.Sprintf("get_input references undeclared input %q", path[0]),
			map[string]interface{}{"input": path[0]})
	}

	container := gabs.Wrap(inputs)
	if !container.Exists(path...) {
		return nil, errors.ValidationError(
			fmt.Sprintf("input %v does not exist", path),
			map[string]interface{}{"input": path[0]})
	}
	return types.DeepCopyValue(container.Search(path...).Data()), nil
}
