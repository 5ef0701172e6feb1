package engine

import (
	"fmt"
	"sort"

	"github.com/davidthor/localflow/pkg/engine/operations"
	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/types"
)

// prepare builds the node and instance records handed to the store.
//
// Every operation mapping of every node and relationship is resolved up
// front so that a plan referring to unknown operations fails here rather
// than halfway through a workflow. Instances start at version 0 with no
// runtime properties.
func prepare(plan *types.Plan, registry *operations.Registry, ignored []string) ([]*types.Node, []*types.NodeInstance, error) {
	nodes := types.CloneNodes(plan.Nodes)
	nodeIDs := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n == nil {
			return nil, nil, errors.ValidationError("plan contains an empty node", nil)
		}
		if nodeIDs[n.ID] {
			return nil, nil, errors.ValidationError(fmt.Sprintf("duplicate node id %q", n.ID),
				map[string]interface{}{"node": n.ID})
		}
		nodeIDs[n.ID] = true
	}

	for _, n := range nodes {
		if n.Relationships == nil {
			n.Relationships = []*types.Relationship{}
		}

		if err := scan(registry, n.Operations, operations.KindOperations, n.ID, ignored); err != nil {
			return nil, nil, err
		}
		for _, rel := range n.Relationships {
			if rel == nil {
				continue
			}
			if !nodeIDs[rel.TargetID] {
				return nil, nil, errors.ValidationError(
					fmt.Sprintf("node %q has a relationship to unknown node %q", n.ID, rel.TargetID),
					map[string]interface{}{"node": n.ID, "target": rel.TargetID})
			}
			if err := scan(registry, rel.SourceOperations, operations.KindSourceOperations, n.ID, ignored); err != nil {
				return nil, nil, err
			}
			if err := scan(registry, rel.TargetOperations, operations.KindTargetOperations, n.ID, ignored); err != nil {
				return nil, nil, err
			}
		}
	}

	instances := types.CloneNodeInstances(plan.NodeInstances)
	instanceIDs := make(map[string]bool, len(instances))
	for _, inst := range instances {
		if inst == nil {
			return nil, nil, errors.ValidationError("plan contains an empty node instance", nil)
		}
		if instanceIDs[inst.ID] {
			return nil, nil, errors.ValidationError(fmt.Sprintf("duplicate node instance id %q", inst.ID),
				map[string]interface{}{"node_instance": inst.ID})
		}
		instanceIDs[inst.ID] = true

		inst.Version = 0
		inst.RuntimeProperties = map[string]interface{}{}
		inst.NodeID = inst.Name
		if inst.Relationships == nil {
			inst.Relationships = []*types.InstanceRelationship{}
		}

		if !nodeIDs[inst.NodeID] {
			return nil, nil, errors.ValidationError(
				fmt.Sprintf("node instance %q refers to unknown node %q", inst.ID, inst.NodeID),
				map[string]interface{}{"node_instance": inst.ID, "node": inst.NodeID})
		}
	}

	for _, inst := range instances {
		for _, rel := range inst.Relationships {
			if rel == nil {
				continue
			}
			if !instanceIDs[rel.TargetID] {
				return nil, nil, errors.ValidationError(
					fmt.Sprintf("node instance %q has a relationship to unknown node instance %q", inst.ID, rel.TargetID),
					map[string]interface{}{"node_instance": inst.ID, "target": rel.TargetID})
			}
			if rel.TargetName != "" && !nodeIDs[rel.TargetName] {
				return nil, nil, errors.ValidationError(
					fmt.Sprintf("node instance %q has a relationship to unknown node %q", inst.ID, rel.TargetName),
					map[string]interface{}{"node_instance": inst.ID, "target": rel.TargetName})
			}
		}
	}

	return nodes, instances, nil
}

// scan resolves every operation in ops, in name order.
func scan(registry *operations.Registry, ops map[string]*types.OperationMapping, kind, nodeID string, ignored []string) error {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		op := ops[name]
		if op == nil {
			continue
		}
		if _, err := registry.Resolve(op.Operation, kind, nodeID, ignored); err != nil {
			return err
		}
	}
	return nil
}
