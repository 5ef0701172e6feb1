package types

import (
	"bytes"
	"encoding/json"
)

// DeepCopyValue returns a copy of v that shares no memory with it.
//
// JSON-shaped values (string-keyed maps, []interface{}, strings, numbers,
// booleans and nil) keep their Go types. Anything else, such as
// map[string]string, []int or pointers, is copied through encoding/json and
// comes back in the shape Normalize produces. Values encoding/json cannot
// represent are returned unchanged; stores reject them before they get here.
func DeepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case json.Number:
		return numberValue(val)
	case map[string]interface{}:
		return DeepCopyMap(val)
	case []interface{}:
		if val == nil {
			return val
		}
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = DeepCopyValue(item)
		}
		return out
	default:
		out, err := Normalize(v)
		if err != nil {
			return v
		}
		return out
	}
}

// DeepCopyMap copies a string-keyed map recursively, preserving nil.
func DeepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// Normalize returns v as it reads back from a JSON document: objects become
// map[string]interface{}, arrays []interface{}, integral numbers int and
// every other number float64.
func Normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := DecodeJSON(data, &out); err != nil {
		return nil, err
	}
	return DeepCopyValue(out), nil
}

// NormalizeMap applies Normalize to every value of m, preserving nil.
func NormalizeMap(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	out, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// DecodeJSON decodes data into out keeping numbers as json.Number, which
// Clone and DeepCopyValue turn into int or float64.
func DecodeJSON(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func numberValue(n json.Number) interface{} {
	if i, err := n.Int64(); err == nil && int64(int(i)) == i {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

func copyOperations(ops map[string]*OperationMapping) map[string]*OperationMapping {
	if ops == nil {
		return nil
	}
	out := make(map[string]*OperationMapping, len(ops))
	for k, op := range ops {
		out[k] = op.Clone()
	}
	return out
}

// Clone returns an independent copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{
		Inputs: DeepCopyMap(p.Inputs),
	}
	if p.Workflows != nil {
		out.Workflows = make(map[string]*Workflow, len(p.Workflows))
		for k, w := range p.Workflows {
			out.Workflows[k] = w.Clone()
		}
	}
	if p.Outputs != nil {
		out.Outputs = make(map[string]*Output, len(p.Outputs))
		for k, o := range p.Outputs {
			out.Outputs[k] = o.Clone()
		}
	}
	out.Nodes = CloneNodes(p.Nodes)
	out.NodeInstances = CloneNodeInstances(p.NodeInstances)
	return out
}

// Clone returns an independent copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := &Workflow{Operation: w.Operation, Plugin: w.Plugin}
	if w.Parameters != nil {
		out.Parameters = make(map[string]*ParameterSpec, len(w.Parameters))
		for k, p := range w.Parameters {
			if p == nil {
				out.Parameters[k] = nil
				continue
			}
			out.Parameters[k] = &ParameterSpec{
				Description: p.Description,
				Default:     DeepCopyValue(p.Default),
				HasDefault:  p.HasDefault,
			}
		}
	}
	return out
}

// Clone returns an independent copy of the output.
func (o *Output) Clone() *Output {
	if o == nil {
		return nil
	}
	return &Output{Description: o.Description, Value: DeepCopyValue(o.Value)}
}

// Clone returns an independent copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		ID:            n.ID,
		Name:          n.Name,
		Type:          n.Type,
		TypeHierarchy: copyStrings(n.TypeHierarchy),
		HostID:        n.HostID,
		Properties:    DeepCopyMap(n.Properties),
		Operations:    copyOperations(n.Operations),
	}
	if n.Relationships != nil {
		out.Relationships = make([]*Relationship, len(n.Relationships))
		for i, r := range n.Relationships {
			out.Relationships[i] = r.Clone()
		}
	}
	return out
}

// Clone returns an independent copy of the operation mapping.
func (o *OperationMapping) Clone() *OperationMapping {
	if o == nil {
		return nil
	}
	out := &OperationMapping{
		Operation: o.Operation,
		Inputs:    DeepCopyMap(o.Inputs),
		Executor:  o.Executor,
	}
	if o.MaxRetries != nil {
		retries := *o.MaxRetries
		out.MaxRetries = &retries
	}
	return out
}

// Clone returns an independent copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	return &Relationship{
		Type:             r.Type,
		TargetID:         r.TargetID,
		Properties:       DeepCopyMap(r.Properties),
		SourceOperations: copyOperations(r.SourceOperations),
		TargetOperations: copyOperations(r.TargetOperations),
	}
}

// Clone returns an independent copy of the instance.
func (i *NodeInstance) Clone() *NodeInstance {
	if i == nil {
		return nil
	}
	out := &NodeInstance{
		ID:                i.ID,
		Name:              i.Name,
		NodeID:            i.NodeID,
		HostID:            i.HostID,
		Version:           i.Version,
		RuntimeProperties: DeepCopyMap(i.RuntimeProperties),
		State:             i.State,
	}
	if i.Relationships != nil {
		out.Relationships = make([]*InstanceRelationship, len(i.Relationships))
		for idx, r := range i.Relationships {
			if r == nil {
				continue
			}
			rel := *r
			out.Relationships[idx] = &rel
		}
	}
	return out
}

// CloneNodes deep-copies a node list, preserving nil.
func CloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// CloneNodeInstances deep-copies an instance list, preserving nil.
func CloneNodeInstances(instances []*NodeInstance) []*NodeInstance {
	if instances == nil {
		return nil
	}
	out := make([]*NodeInstance, len(instances))
	for i, inst := range instances {
		out[i] = inst.Clone()
	}
	return out
}
