// Package parameters merges supplied workflow parameters with their declared
// defaults.
package parameters

import (
	"sort"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/types"
)

// Merge validates supplied against the workflow's declared parameters and
// returns the effective parameter set.
//
// Every declared parameter without a default must be supplied; all missing
// ones are reported in a single error. Declared parameters that were not
// supplied take their default. Supplied names that are not declared are
// rejected together unless allowCustom is set, in which case they are passed
// through unchanged.
func Merge(workflow string, declared map[string]*types.ParameterSpec, supplied map[string]any, allowCustom bool) (map[string]any, error) {
	var missing []string
	for _, name := range sortedKeys(declared) {
		if _, ok := supplied[name]; ok {
			continue
		}
		if declared[name].Mandatory() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.MissingParameters(workflow, missing)
	}

	var custom []string
	for name := range supplied {
		if _, ok := declared[name]; !ok {
			custom = append(custom, name)
		}
	}
	if len(custom) > 0 && !allowCustom {
		return nil, errors.UndeclaredParameters(workflow, custom)
	}

	merged := make(map[string]any, len(declared)+len(custom))
	for name, spec := range declared {
		if value, ok := supplied[name]; ok {
			merged[name] = types.DeepCopyValue(value)
		} else {
			merged[name] = types.DeepCopyValue(spec.Default)
		}
	}
	for _, name := range custom {
		merged[name] = types.DeepCopyValue(supplied[name])
	}
	return merged, nil
}

func sortedKeys(m map[string]*types.ParameterSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
