// Package workflow defines what a workflow body receives when it runs.
package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/state"
	"github.com/davidthor/localflow/pkg/state/types"
)

// Func is the signature of a workflow body or node operation.
type Func func(ctx context.Context, wctx *Context, params map[string]any) (any, error)

// Context describes one workflow invocation. The task settings are passed
// through to the workflow body as given; nothing here interprets them
// except UpdateInstance, which bounds its retries by TaskRetries.
type Context struct {
	Local        bool
	ExecutionID  string
	DeploymentID string
	BlueprintID  string
	WorkflowID   string

	Store state.Store

	TaskRetries        int
	TaskRetryInterval  time.Duration
	TaskThreadPoolSize int

	Logger zerolog.Logger
}

// Instances returns a snapshot of every node instance.
func (c *Context) Instances(ctx context.Context) ([]*types.NodeInstance, error) {
	return c.Store.GetNodeInstances(ctx)
}

// NodeInstances returns the instances of a single node.
func (c *Context) NodeInstances(ctx context.Context, nodeID string) ([]*types.NodeInstance, error) {
	all, err := c.Store.GetNodeInstances(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.NodeInstance
	for _, inst := range all {
		if inst.NodeID == nodeID {
			out = append(out, inst)
		}
	}
	return out, nil
}

// UpdateInstance reads the instance, lets mutate change its runtime
// properties and state, and writes it back with the version it read. A
// version conflict restarts the cycle from a fresh read, up to TaskRetries
// times (unbounded when negative), waiting TaskRetryInterval in between.
// Changing the state makes the write unconditional, as it is in the store.
func (c *Context) UpdateInstance(ctx context.Context, id string, mutate func(*types.NodeInstance)) error {
	for attempt := 0; ; attempt++ {
		inst, err := c.Store.GetNodeInstance(ctx, id)
		if err != nil {
			return err
		}
		before := inst.State

		mutate(inst)

		update := types.NodeInstanceUpdate{RuntimeProperties: inst.RuntimeProperties}
		if inst.RuntimeProperties == nil {
			update.RuntimeProperties = map[string]interface{}{}
		}
		if inst.State != before {
			update.State = types.StateUpdate(inst.State)
		}

		err = c.Store.UpdateNodeInstance(ctx, id, inst.Version, update)
		if err == nil || !errors.Is(err, errors.ErrCodeConflict) {
			return err
		}
		if c.TaskRetries >= 0 && attempt >= c.TaskRetries {
			return err
		}

		c.Logger.Debug().
			Str("node_instance_id", id).
			Int("attempt", attempt+1).
			Msg("retrying node instance update after version conflict")

		if err := c.wait(ctx); err != nil {
			return err
		}
	}
}

func (c *Context) wait(ctx context.Context) error {
	if c.TaskRetryInterval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.TaskRetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
