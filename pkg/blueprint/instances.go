package blueprint

import (
	"strings"

	"github.com/google/uuid"

	"github.com/davidthor/localflow/pkg/state/types"
)

// generateInstanceID returns "<node>_<6 hex chars>".
func generateInstanceID(nodeID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return nodeID + "_" + suffix
}

// expandInstances creates deploy[node] instances for every node and wires
// each instance relationship to every instance of the target node.
func expandInstances(nodes []*types.Node, deploy map[string]int, idGen func(string) string) []*types.NodeInstance {
	used := make(map[string]bool)
	ids := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		count, ok := deploy[n.ID]
		if !ok {
			count = 1
		}
		for i := 0; i < count; i++ {
			id := idGen(n.ID)
			for used[id] {
				id = idGen(n.ID)
			}
			used[id] = true
			ids[n.ID] = append(ids[n.ID], id)
		}
	}

	instances := make([]*types.NodeInstance, 0, len(used))
	for _, n := range nodes {
		for _, id := range ids[n.ID] {
			inst := &types.NodeInstance{
				ID:                id,
				Name:              n.ID,
				NodeID:            n.ID,
				RuntimeProperties: map[string]interface{}{},
				Relationships:     []*types.InstanceRelationship{},
			}
			switch {
			case n.HostID == n.ID:
				inst.HostID = id
			case n.HostID != "" && len(ids[n.HostID]) > 0:
				inst.HostID = ids[n.HostID][0]
			}
			for _, rel := range n.Relationships {
				if rel == nil {
					continue
				}
				for _, target := range ids[rel.TargetID] {
					inst.Relationships = append(inst.Relationships, &types.InstanceRelationship{
						Type:       rel.Type,
						TargetID:   target,
						TargetName: rel.TargetID,
					})
				}
			}
			instances = append(instances, inst)
		}
	}
	return instances
}
