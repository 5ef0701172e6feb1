package blueprint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/localflow/pkg/errors"
)

const sampleDocument = `
inputs:
  port:
    description: listen port
    default: 8080
  image:
    description: container image
  settings:
    default:
      db:
        host: db.local

workflows:
  install: workflows.install
  scale:
    operation: workflows.scale
    parameters:
      delta:
        default: 1
      node_id:
        description: node to scale

outputs:
  endpoint:
    value:
      concat: [http://, {get_attribute: [web, ip]}, ":", {get_input: port}]

nodes:
  - id: web
    type: cloudify.nodes.WebServer
    type_hierarchy: [cloudify.nodes.Root, cloudify.nodes.WebServer]
    host_id: web
    properties:
      port: {get_input: port}
      image: {get_input: image}
      db_host: {get_input: [settings, db, host]}
    operations:
      create: plugins.web.create
      start:
        operation: plugins.web.start
        inputs: {wait: true}
        max_retries: 3
    relationships:
      - type: cloudify.relationships.connected_to
        target_id: db
    instances:
      deploy: 2
  - id: db
    type: cloudify.nodes.DBMS
`

func writeDocument(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blueprint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func sequentialIDs() func(string) string {
	counter := 0
	return func(nodeID string) string {
		counter++
		return fmt.Sprintf("%s_%06d", nodeID, counter)
	}
}

func TestFileParser_Prepare(t *testing.T) {
	ctx := context.Background()
	p := NewFileParser()
	p.idGen = sequentialIDs()

	doc, err := p.Parse(ctx, writeDocument(t, sampleDocument))
	require.NoError(t, err)

	plan, err := p.Prepare(ctx, doc, map[string]any{"image": "nginx"})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"port":     8080,
		"image":    "nginx",
		"settings": map[string]any{"db": map[string]any{"host": "db.local"}},
	}, plan.Inputs)

	assert.Equal(t, []string{"install", "scale"}, plan.WorkflowNames())
	assert.Equal(t, "workflows.install", plan.Workflows["install"].Operation)
	assert.Equal(t, "workflows.scale", plan.Workflows["scale"].Operation)
	assert.False(t, plan.Workflows["scale"].Parameters["delta"].Mandatory())
	assert.True(t, plan.Workflows["scale"].Parameters["node_id"].Mandatory())

	require.Len(t, plan.Nodes, 2)
	web := plan.Nodes[0]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, 8080, web.Properties["port"])
	assert.Equal(t, "nginx", web.Properties["image"])
	assert.Equal(t, "db.local", web.Properties["db_host"])
	assert.Equal(t, "plugins.web.create", web.Operations["create"].Operation)
	assert.Equal(t, "plugins.web.start", web.Operations["start"].Operation)
	assert.Equal(t, map[string]interface{}{"wait": true}, web.Operations["start"].Inputs)
	require.NotNil(t, web.Operations["start"].MaxRetries)
	assert.Equal(t, 3, *web.Operations["start"].MaxRetries)
	require.Len(t, web.Relationships, 1)
	assert.Equal(t, "db", web.Relationships[0].TargetID)

	endpoint := plan.Outputs["endpoint"].Value.(map[string]any)["concat"].([]any)
	assert.Equal(t, 8080, endpoint[3])

	require.Len(t, plan.NodeInstances, 3)
	assert.Equal(t, "web_000001", plan.NodeInstances[0].ID)
	assert.Equal(t, "web_000002", plan.NodeInstances[1].ID)
	assert.Equal(t, "db_000003", plan.NodeInstances[2].ID)

	for _, inst := range plan.NodeInstances[:2] {
		assert.Equal(t, "web", inst.NodeID)
		assert.Equal(t, inst.ID, inst.HostID)
		require.Len(t, inst.Relationships, 1)
		assert.Equal(t, "db_000003", inst.Relationships[0].TargetID)
		assert.Equal(t, "db", inst.Relationships[0].TargetName)
	}
	assert.Empty(t, plan.NodeInstances[2].Relationships)
	assert.NotNil(t, plan.NodeInstances[2].RuntimeProperties)
}

func TestFileParser_InputErrors(t *testing.T) {
	ctx := context.Background()
	p := NewFileParser()
	doc, err := p.Parse(ctx, writeDocument(t, sampleDocument))
	require.NoError(t, err)

	_, err = p.Prepare(ctx, doc, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	assert.Contains(t, err.Error(), "image")

	_, err = p.Prepare(ctx, doc, map[string]any{"image": "nginx", "bogus": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	assert.Contains(t, err.Error(), "bogus")
}

func TestFileParser_NullDefaults(t *testing.T) {
	ctx := context.Background()
	p := NewFileParser()
	doc, err := ParseBytes("inline", []byte(`
inputs:
  tag:
    default: null
workflows:
  run:
    operation: workflows.run
    parameters:
      filter:
        default: null
      target: {}
`))
	require.NoError(t, err)

	plan, err := p.Prepare(ctx, doc, nil)
	require.NoError(t, err)

	assert.Contains(t, plan.Inputs, "tag")
	assert.Nil(t, plan.Inputs["tag"])

	params := plan.Workflows["run"].Parameters
	assert.True(t, params["filter"].HasDefault)
	assert.False(t, params["filter"].Mandatory())
	assert.True(t, params["target"].Mandatory())
}

func TestFileParser_UndeclaredGetInput(t *testing.T) {
	ctx := context.Background()
	p := NewFileParser()
	doc, err := ParseBytes("inline", []byte(`
nodes:
  - id: web
    properties:
      port: {get_input: port}
`))
	require.NoError(t, err)

	_, err = p.Prepare(ctx, doc, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	assert.Contains(t, err.Error(), `"port"`)
}

func TestFileParser_ListedInstancesAreKept(t *testing.T) {
	ctx := context.Background()
	doc, err := ParseBytes("inline.json", []byte(`{
  "nodes": [{"id": "web"}],
  "node_instances": [{"id": "web_abc123", "name": "web", "node_id": "web", "version": 0}]
}`))
	require.NoError(t, err)

	plan, err := NewFileParser().Prepare(ctx, doc, nil)
	require.NoError(t, err)
	require.Len(t, plan.NodeInstances, 1)
	assert.Equal(t, "web_abc123", plan.NodeInstances[0].ID)
	assert.NotNil(t, plan.Workflows)
	assert.NotNil(t, plan.Outputs)
}

func TestFileParser_DeployZero(t *testing.T) {
	doc, err := ParseBytes("inline", []byte(`
nodes:
  - id: web
    instances: {deploy: 0}
  - id: db
`))
	require.NoError(t, err)

	plan, err := NewFileParser().Prepare(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Len(t, plan.NodeInstances, 1)
	assert.Equal(t, "db", plan.NodeInstances[0].NodeID)
}

func TestFileParser_DuplicateNode(t *testing.T) {
	doc, err := ParseBytes("inline", []byte(`
nodes:
  - id: web
  - id: web
`))
	require.NoError(t, err)

	_, err = NewFileParser().Prepare(context.Background(), doc, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestParse_Errors(t *testing.T) {
	_, err := NewFileParser().Parse(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, errors.ErrCodeParse))

	_, err = ParseBytes("bad", []byte("nodes: [unclosed"))
	assert.True(t, errors.Is(err, errors.ErrCodeParse))

	_, err = ParseBytes("empty", []byte(""))
	assert.True(t, errors.Is(err, errors.ErrCodeParse))
}

func TestGenerateInstanceID(t *testing.T) {
	id := generateInstanceID("web")
	assert.Regexp(t, regexp.MustCompile(`^web_[0-9a-f]{6}$`), id)
}
