package scheduler

import (
	"context"
	"fmt"

	"switchline/internal/domain"
	"switchline/internal/logger"
)

// Workflow runs one task. OnSuccess and OnError finalize it; when OnError fails the consumer
// finishes the task with GLOBAL_FAILURE.
type Workflow interface {
	Execute(ctx context.Context, task domain.Task) error
	OnSuccess(ctx context.Context, task domain.Task) error
	OnError(ctx context.Context, task domain.Task, err error) error
}

// Selector maps a task to the workflow that runs it.
type Selector func(task domain.Task) (Workflow, bool)

// Registry selects workflows by the task's runner name.
type Registry map[string]Workflow

func (r Registry) Select(task domain.Task) (Workflow, bool) {
	wf, ok := r[task.Runner]
	return wf, ok
}

// BaseWorkflow supplies the default finalization callbacks. Workflows embed it and
// implement Execute.
type BaseWorkflow struct {
	Tasks Tasks
}

func (b BaseWorkflow) OnSuccess(ctx context.Context, task domain.Task) error {
	return b.Tasks.Finish(ctx, task.ID, domain.BusinessStatusCompleted)
}

func (b BaseWorkflow) OnError(ctx context.Context, task domain.Task, err error) error {
	logger.Logger.Error().Err(err).Str("task_id", task.ID).Str("runner", task.Runner).Msg("task failed")
	if ferr := b.Tasks.Finish(ctx, task.ID, domain.BusinessStatusGlobalError); ferr != nil {
		return fmt.Errorf("finish task %s after error: %w", task.ID, ferr)
	}
	return nil
}
