package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/davidthor/localflow/pkg/engine/operations"
	"github.com/davidthor/localflow/pkg/engine/parameters"
	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/telemetry"
	"github.com/davidthor/localflow/pkg/workflow"
)

// Default task settings handed to workflows.
const (
	DefaultTaskRetries        = -1
	DefaultTaskRetryInterval  = 30 * time.Second
	DefaultTaskThreadPoolSize = 1
)

// ExecuteOptions configures a workflow execution.
type ExecuteOptions struct {
	// Parameters supplied to the workflow.
	Parameters map[string]any

	// AllowCustomParameters passes undeclared parameters through instead of
	// rejecting them.
	AllowCustomParameters bool

	// TaskRetries is the number of retries for failed tasks, -1 for unlimited.
	TaskRetries int

	// TaskRetryInterval is the wait between task retries.
	TaskRetryInterval time.Duration

	// TaskThreadPoolSize is the number of concurrent tasks a workflow may run.
	TaskThreadPoolSize int
}

// DefaultExecuteOptions returns default execution options.
func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		TaskRetries:        DefaultTaskRetries,
		TaskRetryInterval:  DefaultTaskRetryInterval,
		TaskThreadPoolSize: DefaultTaskThreadPoolSize,
	}
}

// Execute runs the named workflow and returns whatever it returns. Errors
// raised by the workflow itself are returned unchanged.
func (e *Environment) Execute(ctx context.Context, workflowName string, opts ExecuteOptions) (result any, err error) {
	if opts.TaskThreadPoolSize <= 0 {
		opts.TaskThreadPoolSize = DefaultTaskThreadPoolSize
	}

	plan := e.store.Plan()
	wf, ok := plan.Workflows[workflowName]
	if !ok || wf == nil {
		return nil, errors.UnknownWorkflow(workflowName, plan.WorkflowNames())
	}

	fn, err := e.registry.Resolve(wf.Operation, operations.KindWorkflow, "", e.ignored)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New(errors.ErrCodeMappingNotFound,
			"workflow operation "+wf.Operation+" belongs to an ignored module").
			WithDetail("workflow", workflowName)
	}

	params, err := parameters.Merge(workflowName, wf.Parameters, opts.Parameters, opts.AllowCustomParameters)
	if err != nil {
		return nil, err
	}

	wctx := &workflow.Context{
		Local:              true,
		ExecutionID:        uuid.NewString(),
		DeploymentID:       e.store.Name(),
		BlueprintID:        e.store.Name(),
		WorkflowID:         workflowName,
		Store:              e.store,
		TaskRetries:        opts.TaskRetries,
		TaskRetryInterval:  opts.TaskRetryInterval,
		TaskThreadPoolSize: opts.TaskThreadPoolSize,
	}
	wctx.Logger = e.logger.With().
		Str("workflow", workflowName).
		Str("execution_id", wctx.ExecutionID).
		Logger()

	ctx, span := telemetry.StartSpan(ctx, "engine.Execute",
		attribute.String("localflow.environment", wctx.DeploymentID),
		attribute.String("localflow.workflow", workflowName),
		attribute.String("localflow.execution_id", wctx.ExecutionID),
	)
	timer := telemetry.NewTimer()
	wctx.Logger.Info().Msg("starting workflow execution")

	defer func() {
		outcome := telemetry.ResultOK
		if err != nil {
			outcome = telemetry.ResultError
			wctx.Logger.Error().Err(err).Dur("duration", timer.Duration()).Msg("workflow execution failed")
		} else {
			wctx.Logger.Info().Dur("duration", timer.Duration()).Msg("workflow execution finished")
		}
		e.metrics.RecordExecution(workflowName, outcome, timer.Duration())
		telemetry.EndSpan(span, err)
	}()

	return fn(wctx.Logger.WithContext(ctx), wctx, params)
}
