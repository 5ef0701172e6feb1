package state

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state/backend"
	"github.com/davidthor/localflow/pkg/state/backend/local"
	"github.com/davidthor/localflow/pkg/state/types"
)

func samplePlan() (*types.Plan, []*types.Node, []*types.NodeInstance) {
	nodes := []*types.Node{
		{
			ID:            "web",
			Name:          "web",
			Type:          "cloudify.nodes.WebServer",
			TypeHierarchy: []string{"cloudify.nodes.Root", "cloudify.nodes.WebServer"},
			Properties:    map[string]interface{}{"port": 8080},
			Operations:    map[string]*types.OperationMapping{},
			Relationships: []*types.Relationship{
				{Type: "cloudify.relationships.connected_to", TargetID: "db"},
			},
		},
		{
			ID:            "db",
			Name:          "db",
			Type:          "cloudify.nodes.DBMS",
			Properties:    map[string]interface{}{},
			Operations:    map[string]*types.OperationMapping{},
			Relationships: []*types.Relationship{},
		},
	}
	instances := []*types.NodeInstance{
		{
			ID:                "web_1",
			Name:              "web",
			NodeID:            "web",
			RuntimeProperties: map[string]interface{}{},
			Relationships: []*types.InstanceRelationship{
				{Type: "cloudify.relationships.connected_to", TargetID: "db_1", TargetName: "db"},
			},
		},
		{
			ID:                "db_1",
			Name:              "db",
			NodeID:            "db",
			RuntimeProperties: map[string]interface{}{},
			Relationships:     []*types.InstanceRelationship{},
		},
	}
	plan := &types.Plan{
		Inputs:        map[string]interface{}{"port": 8080},
		Workflows: map[string]*types.Workflow{
			"install": {Operation: "builtin.install"},
			"scale": {
				Operation: "builtin.scale",
				Parameters: map[string]*types.ParameterSpec{
					"delta":  {Default: 5, HasDefault: true},
					"filter": {HasDefault: true},
				},
			},
		},
		Outputs:       map[string]*types.Output{},
		Nodes:         nodes,
		NodeInstances: instances,
	}
	return plan, nodes, instances
}

// storeFactories returns a fresh store of every kind for each call.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"local": func() Store {
			b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
			require.NoError(t, err)
			return NewDurableStore(b)
		},
	}
}

func initializedStores(t *testing.T) map[string]Store {
	stores := make(map[string]Store)
	for kind, factory := range storeFactories(t) {
		s := factory()
		plan, nodes, instances := samplePlan()
		require.NoError(t, s.Initialize(context.Background(), "dev", plan, nodes, instances, t.TempDir()))
		stores[kind] = s
	}
	return stores
}

func TestStore_Getters(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			_, nodes, instances := samplePlan()

			assert.Equal(t, "dev", s.Name())
			assert.Equal(t, []string{"install", "scale"}, s.Plan().WorkflowNames())

			node, err := s.GetNode(ctx, "web")
			require.NoError(t, err)
			assert.Equal(t, nodes[0], node)

			all, err := s.GetNodes(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "db", all[0].ID)
			assert.Equal(t, "web", all[1].ID)

			inst, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.Equal(t, instances[0], inst)

			insts, err := s.GetNodeInstances(ctx)
			require.NoError(t, err)
			require.Len(t, insts, 2)
			assert.Equal(t, "db_1", insts[0].ID)
			assert.Equal(t, "web_1", insts[1].ID)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetNode(ctx, "missing")
			assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

			_, err = s.GetNodeInstance(ctx, "missing")
			assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

			err = s.UpdateNodeInstance(ctx, "missing", 0, types.NodeInstanceUpdate{})
			assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

			_, err = s.GetResource(ctx, "missing.txt")
			assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
		})
	}
}

func TestStore_VersionedUpdate(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			err := s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{
				RuntimeProperties: map[string]interface{}{"ip": "10.0.0.1"},
			})
			require.NoError(t, err)

			inst, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.Equal(t, 1, inst.Version)
			assert.Equal(t, map[string]interface{}{"ip": "10.0.0.1"}, inst.RuntimeProperties)

			// Stale version is rejected and nothing changes.
			err = s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{
				RuntimeProperties: map[string]interface{}{"ip": "10.0.0.2"},
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeConflict))
			assert.Contains(t, err.Error(), "version 0 does not match current version of node instance web_1 which is 1")

			var lfErr *errors.Error
			require.ErrorAs(t, err, &lfErr)
			assert.Equal(t, 0, lfErr.Details["expected_version"])
			assert.Equal(t, 1, lfErr.Details["actual_version"])

			after, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.Equal(t, inst, after)
		})
	}
}

func TestStore_UpdateOmittedFieldsAreKept(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.UpdateNodeInstance(ctx, "db_1", 0, types.NodeInstanceUpdate{
				RuntimeProperties: map[string]interface{}{"a": "1"},
				State:             types.StateUpdate("started"),
			}))
			require.NoError(t, s.UpdateNodeInstance(ctx, "db_1", 1, types.NodeInstanceUpdate{}))

			inst, err := s.GetNodeInstance(ctx, "db_1")
			require.NoError(t, err)
			assert.Equal(t, 2, inst.Version)
			assert.Equal(t, "started", inst.State)
			assert.Equal(t, map[string]interface{}{"a": "1"}, inst.RuntimeProperties)

			// An empty map is a full replace, not an omission.
			require.NoError(t, s.UpdateNodeInstance(ctx, "db_1", 2, types.NodeInstanceUpdate{
				RuntimeProperties: map[string]interface{}{},
			}))
			inst, err = s.GetNodeInstance(ctx, "db_1")
			require.NoError(t, err)
			assert.Empty(t, inst.RuntimeProperties)
		})
	}
}

func TestStore_StateUpdateSkipsVersionCheck(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{}))
			require.NoError(t, s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{
				State: types.StateUpdate("deleted"),
			}))

			inst, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.Equal(t, 2, inst.Version)
			assert.Equal(t, "deleted", inst.State)
		})
	}
}

func TestStore_ReadsAreCopies(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			inst, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			inst.RuntimeProperties["leak"] = true
			inst.Relationships[0].TargetID = "changed"

			node, err := s.GetNode(ctx, "web")
			require.NoError(t, err)
			node.Properties["port"] = 1.0

			plan := s.Plan()
			plan.Inputs["port"] = 1.0

			fresh, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.NotContains(t, fresh.RuntimeProperties, "leak")
			assert.Equal(t, "db_1", fresh.Relationships[0].TargetID)

			freshNode, err := s.GetNode(ctx, "web")
			require.NoError(t, err)
			assert.Equal(t, 8080, freshNode.Properties["port"])
			assert.Equal(t, 8080, s.Plan().Inputs["port"])
		})
	}
}

func TestStore_UpdateInputIsCopied(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			props := map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}
			require.NoError(t, s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{RuntimeProperties: props}))
			props["nested"].(map[string]interface{})["k"] = "mutated"

			inst, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.Equal(t, "v", inst.RuntimeProperties["nested"].(map[string]interface{})["k"])
		})
	}
}

func TestStore_InitializeInputIsCopied(t *testing.T) {
	for kind, factory := range storeFactories(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			plan, nodes, instances := samplePlan()
			require.NoError(t, s.Initialize(ctx, "dev", plan, nodes, instances, t.TempDir()))

			instances[0].RuntimeProperties["leak"] = true
			nodes[0].Properties["leak"] = true

			inst, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.NotContains(t, inst.RuntimeProperties, "leak")

			node, err := s.GetNode(ctx, "web")
			require.NoError(t, err)
			assert.NotContains(t, node.Properties, "leak")
		})
	}
}

func TestStore_ConcurrentUpdatesSerialize(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			const workers = 8
			const perWorker = 5

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; {
						inst, err := s.GetNodeInstance(ctx, "web_1")
						if !assert.NoError(t, err) {
							return
						}
						props := inst.RuntimeProperties
						count, _ := props["count"].(int)
						props["count"] = count + 1
						props[fmt.Sprintf("w%d_%d", w, i)] = true

						err = s.UpdateNodeInstance(ctx, "web_1", inst.Version, types.NodeInstanceUpdate{RuntimeProperties: props})
						if errors.Is(err, errors.ErrCodeConflict) {
							continue
						}
						if !assert.NoError(t, err) {
							return
						}
						i++
					}
				}(w)
			}
			wg.Wait()

			inst, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.Equal(t, workers*perWorker, inst.Version)
			assert.Equal(t, workers*perWorker, inst.RuntimeProperties["count"])
		})
	}
}

func TestStore_TypedValuesAreCopied(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			tags := map[string]string{"env": "prod"}
			ports := []int{80}
			require.NoError(t, s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{
				RuntimeProperties: map[string]interface{}{"tags": tags, "ports": ports},
			}))
			tags["env"] = "changed"
			ports[0] = 9999

			read, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			read.RuntimeProperties["tags"].(map[string]interface{})["extra"] = "via-read-copy"
			read.RuntimeProperties["ports"].([]interface{})[0] = 1

			fresh, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.Equal(t, map[string]interface{}{
				"tags":  map[string]interface{}{"env": "prod"},
				"ports": []interface{}{80},
			}, fresh.RuntimeProperties)
		})
	}
}

func TestStore_ValueTypesMatchAcrossStores(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			plan, nodes, _ := samplePlan()

			assert.Equal(t, plan, s.Plan())
			assert.Equal(t, 5, s.Plan().Workflows["scale"].Parameters["delta"].Default)
			assert.False(t, s.Plan().Workflows["scale"].Parameters["filter"].Mandatory())

			node, err := s.GetNode(ctx, "web")
			require.NoError(t, err)
			assert.Equal(t, nodes[0], node)

			require.NoError(t, s.UpdateNodeInstance(ctx, "db_1", 0, types.NodeInstanceUpdate{
				RuntimeProperties: map[string]interface{}{"count": int64(3), "ratio": 0.5, "whole": 2.0},
			}))
			inst, err := s.GetNodeInstance(ctx, "db_1")
			require.NoError(t, err)
			assert.Equal(t, map[string]interface{}{"count": 3, "ratio": 0.5, "whole": 2}, inst.RuntimeProperties)
		})
	}
}

func TestStore_RejectsValuesJSONCannotEncode(t *testing.T) {
	for kind, s := range initializedStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()

			err := s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{
				RuntimeProperties: map[string]interface{}{"callback": func() {}},
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeValidation))

			inst, err := s.GetNodeInstance(ctx, "web_1")
			require.NoError(t, err)
			assert.Equal(t, 0, inst.Version)
		})
	}
}

func TestMemoryStore_UpdatesToOtherInstancesDoNotWait(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	plan, nodes, instances := samplePlan()
	require.NoError(t, s.Initialize(ctx, "dev", plan, nodes, instances, t.TempDir()))

	mu, err := s.lock("db_1")
	require.NoError(t, err)
	mu.Lock()

	blocked := make(chan error, 1)
	go func() {
		blocked <- s.UpdateNodeInstance(ctx, "db_1", 0, types.NodeInstanceUpdate{State: types.StateUpdate("starting")})
	}()

	done := make(chan error, 1)
	go func() {
		done <- s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{
			RuntimeProperties: map[string]interface{}{"ip": "10.0.0.1"},
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		mu.Unlock()
		t.Fatal("update of web_1 waited for the lock of db_1")
	}

	select {
	case <-blocked:
		t.Fatal("update of db_1 did not wait for its lock")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Unlock()
	require.NoError(t, <-blocked)

	inst, err := s.GetNodeInstance(ctx, "db_1")
	require.NoError(t, err)
	assert.Equal(t, "starting", inst.State)
}

// blockingBackend holds writes to one instance file until released.
type blockingBackend struct {
	backend.Backend

	id      string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBackend) Write(ctx context.Context, p string, data io.Reader) error {
	if b.armed.Load() && strings.HasSuffix(p, "/"+b.id) {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.Backend.Write(ctx, p, data)
}

func TestDurableStore_UpdatesToOtherInstancesDoNotWait(t *testing.T) {
	ctx := context.Background()
	inner, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)

	b := &blockingBackend{
		Backend: inner,
		id:      "db_1",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	release := sync.OnceFunc(func() { close(b.release) })
	t.Cleanup(release)

	s := NewDurableStore(b)
	plan, nodes, instances := samplePlan()
	require.NoError(t, s.Initialize(ctx, "dev", plan, nodes, instances, "/r"))
	b.armed.Store(true)

	blocked := make(chan error, 1)
	go func() {
		blocked <- s.UpdateNodeInstance(ctx, "db_1", 0, types.NodeInstanceUpdate{State: types.StateUpdate("starting")})
	}()

	select {
	case <-b.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("update of db_1 never reached the backend")
	}

	done := make(chan error, 1)
	go func() {
		err := s.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{
			RuntimeProperties: map[string]interface{}{"ip": "10.0.0.1"},
		})
		if err == nil {
			_, err = s.GetNodeInstance(ctx, "web_1")
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("update of web_1 waited for the write of db_1")
	}

	release()
	require.NoError(t, <-blocked)

	inst, err := s.GetNodeInstance(ctx, "db_1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Version)
	assert.Equal(t, "starting", inst.State)
}

func TestStore_Resources(t *testing.T) {
	for kind, factory := range storeFactories(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			root := t.TempDir()
			require.NoError(t, os.MkdirAll(filepath.Join(root, "scripts"), 0755))
			require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "install.sh"), []byte("echo hi"), 0644))

			s := factory()
			plan, nodes, instances := samplePlan()
			require.NoError(t, s.Initialize(ctx, "dev", plan, nodes, instances, root))
			assert.Equal(t, root, s.ResourcesRoot())

			data, err := s.GetResource(ctx, "scripts/install.sh")
			require.NoError(t, err)
			assert.Equal(t, "echo hi", string(data))

			tmp, err := s.DownloadResource(ctx, "scripts/install.sh", "")
			require.NoError(t, err)
			t.Cleanup(func() { _ = os.Remove(tmp) })
			assert.True(t, strings.HasSuffix(tmp, "-install.sh"), tmp)
			content, err := os.ReadFile(tmp)
			require.NoError(t, err)
			assert.Equal(t, "echo hi", string(content))

			target := filepath.Join(t.TempDir(), "copy.sh")
			written, err := s.DownloadResource(ctx, "scripts/install.sh", target)
			require.NoError(t, err)
			assert.Equal(t, target, written)

			_, err = s.GetResource(ctx, "../outside.txt")
			assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
		})
	}
}

func TestStore_ResourcesOnMemFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/blueprints/app/resource.txt", []byte("content"), 0644))

	s := NewMemoryStore(WithFs(fs))
	plan, nodes, instances := samplePlan()
	require.NoError(t, s.Initialize(context.Background(), "dev", plan, nodes, instances, "/blueprints/app"))

	data, err := s.GetResource(context.Background(), "resource.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	written, err := s.DownloadResource(context.Background(), "resource.txt", "/tmp/out.txt")
	require.NoError(t, err)
	copied, err := afero.ReadFile(fs, written)
	require.NoError(t, err)
	assert.Equal(t, "content", string(copied))
}

func TestMemoryStore_ReloadUnsupported(t *testing.T) {
	s := NewMemoryStore()
	err := s.Reload(context.Background(), "dev")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUnsupported))
}

func TestMemoryStore_InitializeTwice(t *testing.T) {
	s := NewMemoryStore()
	plan, nodes, instances := samplePlan()
	require.NoError(t, s.Initialize(context.Background(), "dev", plan, nodes, instances, t.TempDir()))

	err := s.Initialize(context.Background(), "dev", plan, nodes, instances, t.TempDir())
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
}

func TestDurableStore_Layout(t *testing.T) {
	dir := t.TempDir()
	b, err := local.NewBackend(map[string]string{"path": dir})
	require.NoError(t, err)

	s := NewDurableStore(b)
	plan, nodes, instances := samplePlan()
	require.NoError(t, s.Initialize(context.Background(), "dev", plan, nodes, instances, "/resources"))

	assert.FileExists(t, filepath.Join(dir, "dev", "data"))
	assert.FileExists(t, filepath.Join(dir, "dev", "node-instances", "web_1"))
	assert.FileExists(t, filepath.Join(dir, "dev", "node-instances", "db_1"))

	raw, err := os.ReadFile(filepath.Join(dir, "dev", "data"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"resources_root": "/resources"`)
}

func TestDurableStore_InitializeExistingName(t *testing.T) {
	b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)

	plan, nodes, instances := samplePlan()
	require.NoError(t, NewDurableStore(b).Initialize(context.Background(), "dev", plan, nodes, instances, "/r"))

	err = NewDurableStore(b).Initialize(context.Background(), "dev", plan, nodes, instances, "/r")
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	// A different name in the same backend is fine.
	require.NoError(t, NewDurableStore(b).Initialize(context.Background(), "dev2", plan, nodes, instances, "/r"))
}

// faultyBackend fails the nth write and every write after it.
type faultyBackend struct {
	backend.Backend

	failAt int
	writes int
}

func (b *faultyBackend) Write(ctx context.Context, p string, data io.Reader) error {
	b.writes++
	if b.writes >= b.failAt {
		return fmt.Errorf("disk full writing %s", p)
	}
	return b.Backend.Write(ctx, p, data)
}

func TestDurableStore_FailedInitializeRollsBack(t *testing.T) {
	ctx := context.Background()
	inner, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)

	plan, nodes, instances := samplePlan()

	// The data file and the first instance are written before the failure.
	err = NewDurableStore(&faultyBackend{Backend: inner, failAt: 3}).Initialize(ctx, "dev", plan, nodes, instances, "/r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeStorage))
	assert.Contains(t, err.Error(), "disk full")

	paths, err := inner.List(ctx, "dev")
	require.NoError(t, err)
	assert.Empty(t, paths)

	exists, err := inner.Exists(ctx, "dev/data")
	require.NoError(t, err)
	assert.False(t, exists)

	s := NewDurableStore(inner)
	require.NoError(t, s.Initialize(ctx, "dev", plan, nodes, instances, "/r"))
	insts, err := s.GetNodeInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, insts, 2)
}

func TestDurableStore_ReloadReturnsInitializeInput(t *testing.T) {
	ctx := context.Background()
	b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)

	plan, nodes, instances := samplePlan()
	require.NoError(t, NewDurableStore(b).Initialize(ctx, "dev", plan, nodes, instances, "/r"))

	reloaded := NewDurableStore(b)
	require.NoError(t, reloaded.Reload(ctx, "dev"))

	assert.Equal(t, plan, reloaded.Plan())
	assert.Equal(t, 8080, reloaded.Plan().Inputs["port"])

	gotNodes, err := reloaded.GetNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*types.Node{nodes[1], nodes[0]}, gotNodes)

	gotInstances, err := reloaded.GetNodeInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*types.NodeInstance{instances[1], instances[0]}, gotInstances)

	memory := NewMemoryStore()
	require.NoError(t, memory.Initialize(ctx, "dev", plan, nodes, instances, "/r"))
	assert.Equal(t, memory.Plan(), reloaded.Plan())
}

func TestDurableStore_ReloadSeesPersistedUpdates(t *testing.T) {
	ctx := context.Background()
	b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)

	first := NewDurableStore(b)
	plan, nodes, instances := samplePlan()
	require.NoError(t, first.Initialize(ctx, "dev", plan, nodes, instances, "/r"))
	require.NoError(t, first.UpdateNodeInstance(ctx, "web_1", 0, types.NodeInstanceUpdate{
		RuntimeProperties: map[string]interface{}{"ip": "10.0.0.1"},
		State:             types.StateUpdate("started"),
	}))

	second := NewDurableStore(b)
	require.NoError(t, second.Reload(ctx, "dev"))

	assert.Equal(t, "dev", second.Name())
	assert.Equal(t, "/r", second.ResourcesRoot())
	assert.Equal(t, first.Plan(), second.Plan())

	inst, err := second.GetNodeInstance(ctx, "web_1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Version)
	assert.Equal(t, "started", inst.State)
	assert.Equal(t, "10.0.0.1", inst.RuntimeProperties["ip"])

	insts, err := second.GetNodeInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, insts, 2)
}

func TestDurableStore_ReloadMissing(t *testing.T) {
	b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)

	err = NewDurableStore(b).Reload(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestDurableStore_CorruptData(t *testing.T) {
	dir := t.TempDir()
	b, err := local.NewBackend(map[string]string{"path": dir})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dev"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev", "data"), []byte("{not json"), 0644))

	err = NewDurableStore(b).Reload(context.Background(), "dev")
	assert.True(t, errors.Is(err, errors.ErrCodeStorage))
}

func TestNewStoreFromConfig(t *testing.T) {
	s, err := NewStoreFromConfig(backend.Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStoreFromConfig(backend.Config{Type: MemoryType})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStoreFromConfig(backend.Config{
		Type:   "local",
		Config: map[string]string{"path": t.TempDir()},
	})
	require.NoError(t, err)
	durable, ok := s.(*DurableStore)
	require.True(t, ok)
	assert.Equal(t, "local", durable.Backend().Type())

	s, err = NewStoreFromConfig(backend.Config{
		Type:   "sqlite",
		Config: map[string]string{"path": filepath.Join(t.TempDir(), "state.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.(*DurableStore).Close() })

	_, err = NewStoreFromConfig(backend.Config{Type: "invalid"})
	assert.Error(t, err)
}

func TestRegisteredBackends(t *testing.T) {
	for _, name := range []string{"azurerm", "gcs", "local", "s3", "sqlite"} {
		assert.True(t, backend.Registered(name), name)
	}
}
