// Package types defines the data structures for localflow state.
//
// Map and slice fields carry no omitempty tags. A record read back from
// durable storage keeps the difference between nil and empty collections.
package types

import (
	"encoding/json"
	"sort"
)

// Plan is the parsed, input-resolved representation of a deployment.
type Plan struct {
	Inputs        map[string]interface{} `json:"inputs"`
	Workflows     map[string]*Workflow   `json:"workflows"`
	Outputs       map[string]*Output     `json:"outputs"`
	Nodes         []*Node                `json:"nodes"`
	NodeInstances []*NodeInstance        `json:"node_instances"`
}

// WorkflowNames returns the names of the plan's workflows in sorted order.
func (p *Plan) WorkflowNames() []string {
	names := make([]string, 0, len(p.Workflows))
	for name := range p.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workflow is a named, parameterized entry point.
type Workflow struct {
	// Operation is the "module.function" descriptor of the workflow body.
	Operation  string                    `json:"operation"`
	Plugin     string                    `json:"plugin,omitempty"`
	Parameters map[string]*ParameterSpec `json:"parameters"`
}

// ParameterSpec describes one declared workflow parameter.
type ParameterSpec struct {
	Description string
	Default     interface{}

	// HasDefault records a declared default, including an explicit null.
	HasDefault bool
}

// Mandatory reports whether the parameter declares no default value.
func (p *ParameterSpec) Mandatory() bool {
	return p == nil || (!p.HasDefault && p.Default == nil)
}

type parameterSpecJSON struct {
	Description string          `json:"description,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
}

// MarshalJSON writes "default" only when the parameter has one.
func (p ParameterSpec) MarshalJSON() ([]byte, error) {
	out := parameterSpecJSON{Description: p.Description}
	if p.HasDefault || p.Default != nil {
		raw, err := json.Marshal(p.Default)
		if err != nil {
			return nil, err
		}
		out.Default = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON sets HasDefault when the "default" key is present.
func (p *ParameterSpec) UnmarshalJSON(data []byte) error {
	var in parameterSpecJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*p = ParameterSpec{Description: in.Description}
	if len(in.Default) == 0 {
		return nil
	}
	p.HasDefault = true
	var def interface{}
	if err := DecodeJSON(in.Default, &def); err != nil {
		return err
	}
	p.Default = DeepCopyValue(def)
	return nil
}

// Output is a declared plan output.
type Output struct {
	Description string      `json:"description,omitempty"`
	Value       interface{} `json:"value"`
}

// Node is the template-level description of a resource.
type Node struct {
	ID            string                       `json:"id"`
	Name          string                       `json:"name"`
	Type          string                       `json:"type"`
	TypeHierarchy []string                     `json:"type_hierarchy"`
	HostID        string                       `json:"host_id,omitempty"`
	Properties    map[string]interface{}       `json:"properties"`
	Operations    map[string]*OperationMapping `json:"operations"`
	Relationships []*Relationship              `json:"relationships"`
}

// OperationMapping binds a lifecycle hook to an operation descriptor.
type OperationMapping struct {
	Operation  string                 `json:"operation"`
	Inputs     map[string]interface{} `json:"inputs"`
	Executor   string                 `json:"executor,omitempty"`
	MaxRetries *int                   `json:"max_retries,omitempty"`
}

// Relationship is a node-level relationship declaration.
type Relationship struct {
	Type             string                       `json:"type"`
	TargetID         string                       `json:"target_id"`
	Properties       map[string]interface{}       `json:"properties"`
	SourceOperations map[string]*OperationMapping `json:"source_operations"`
	TargetOperations map[string]*OperationMapping `json:"target_operations"`
}

// NodeInstance is one runtime occurrence of a Node.
type NodeInstance struct {
	ID                string                  `json:"id"`
	Name              string                  `json:"name"`
	NodeID            string                  `json:"node_id"`
	HostID            string                  `json:"host_id,omitempty"`
	Version           int                     `json:"version"`
	RuntimeProperties map[string]interface{}  `json:"runtime_properties"`
	State             string                  `json:"state,omitempty"`
	Relationships     []*InstanceRelationship `json:"relationships"`
}

// InstanceRelationship references a target instance and its node.
type InstanceRelationship struct {
	Type       string `json:"type"`
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name"`
}

// NodeInstanceUpdate carries the optional parts of an instance update.
type NodeInstanceUpdate struct {
	// RuntimeProperties fully replaces the stored properties when non-nil.
	// Use an empty map to clear them.
	RuntimeProperties map[string]interface{}

	// State replaces the stored state when non-nil. Supplying a state also
	// skips the version check.
	State *string
}

// StateUpdate is a convenience for building NodeInstanceUpdate.State.
func StateUpdate(state string) *string {
	return &state
}
