// Package blueprint turns plan documents on disk into types.Plan values.
//
// A plan document is YAML (or JSON) with the top-level keys inputs,
// workflows, outputs, nodes and, optionally, node_instances. Input values
// are substituted wherever {get_input: name} appears, and when no instances
// are listed they are generated from each node's instances.deploy count.
package blueprint

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/types"
)

// Document is a plan document read from disk but not yet prepared.
type Document struct {
	// Path is the file the document was read from.
	Path string

	// Raw is the decoded document tree.
	Raw map[string]any
}

// Parser reads plan documents and prepares them into plans.
type Parser interface {
	// Parse reads and decodes the document at path.
	Parse(ctx context.Context, path string) (*Document, error)

	// Prepare resolves inputs against doc and builds the plan.
	Prepare(ctx context.Context, doc *Document, inputs map[string]any) (*types.Plan, error)
}

// FileParser is the default Parser for plan documents on the local filesystem.
type FileParser struct {
	idGen func(nodeID string) string
}

// NewFileParser creates a FileParser.
func NewFileParser() *FileParser {
	return &FileParser{idGen: generateInstanceID}
}

func (p *FileParser) Parse(_ context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ParseError(path, err)
	}
	return ParseBytes(path, data)
}

// ParseBytes decodes a document from memory. path is only used in errors.
func ParseBytes(path string, data []byte) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.ParseError(path, err)
	}
	if raw == nil {
		return nil, errors.ParseError(path, fmt.Errorf("document is empty"))
	}
	return &Document{Path: path, Raw: raw}, nil
}

func (p *FileParser) Prepare(_ context.Context, doc *Document, inputs map[string]any) (*types.Plan, error) {
	if doc == nil {
		return nil, errors.ValidationError("no document to prepare", nil)
	}

	values, err := resolveInputs(doc.Raw["inputs"], inputs)
	if err != nil {
		return nil, err
	}

	tree := make(map[string]any, len(doc.Raw))
	for k, v := range doc.Raw {
		if k == "inputs" {
			continue
		}
		resolved, err := substituteInputs(v, values)
		if err != nil {
			return nil, err
		}
		tree[k] = resolved
	}
	tree["inputs"] = values

	plan, deploy, err := decodePlan(doc.Path, tree)
	if err != nil {
		return nil, err
	}

	if err := validateNodes(plan.Nodes); err != nil {
		return nil, err
	}

	if _, listed := doc.Raw["node_instances"]; !listed {
		plan.NodeInstances = expandInstances(plan.Nodes, deploy, p.idGen)
	}
	return plan, nil
}

func validateNodes(nodes []*types.Node) error {
	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n == nil || n.ID == "" {
			return errors.ValidationError(fmt.Sprintf("node at index %d has no id", i), nil)
		}
		if seen[n.ID] {
			return errors.ValidationError(fmt.Sprintf("duplicate node id %q", n.ID),
				map[string]interface{}{"node": n.ID})
		}
		seen[n.ID] = true
	}
	return nil
}

var _ Parser = (*FileParser)(nil)
