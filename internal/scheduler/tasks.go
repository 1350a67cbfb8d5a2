package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"switchline/internal/domain"
	"switchline/internal/storeerr"
)

// TaskStore is the durable process tracker.
type TaskStore interface {
	InsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	StartTasks(ctx context.Context, ids []string, allowed []string, now time.Time) ([]string, error)
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	ReleaseTasks(ctx context.Context, ids []string, now time.Time) error
	FinishTask(ctx context.Context, id, businessStatus string, now time.Time) (bool, error)
	RetryTask(ctx context.Context, id string, scheduleTime, now time.Time) error
	UpdateTaskTrackingData(ctx context.Context, id string, data json.RawMessage, now time.Time) error
}

// Tasks creates and finalizes tasks. Workflows and the admin API go through it.
type Tasks struct {
	Store TaskStore
	Now   func() time.Time
}

func (t Tasks) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

// Create inserts a Pending task. A task without a schedule time is due immediately.
func (t Tasks) Create(ctx context.Context, n domain.TaskNew) (domain.Task, error) {
	if err := n.Validate(); err != nil {
		return domain.Task{}, err
	}
	now := t.now()
	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}
	schedule := now
	if n.ScheduleTime != nil {
		schedule = n.ScheduleTime.UTC()
	}
	task := domain.Task{
		ID:             id,
		Name:           n.Name,
		Tag:            n.Tag,
		Runner:         n.Runner,
		ScheduleTime:   &schedule,
		Rule:           n.Rule,
		TrackingData:   n.TrackingData,
		BusinessStatus: domain.BusinessStatusPending,
		Status:         domain.TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.Store.InsertTask(ctx, task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// Finish moves the task to Finish with the business status. Finishing a finished task is a
// no-op.
func (t Tasks) Finish(ctx context.Context, id, businessStatus string) error {
	_, err := t.Store.FinishTask(ctx, id, businessStatus, t.now())
	return err
}

// Retry reschedules the task after delay.
func (t Tasks) Retry(ctx context.Context, id string, delay time.Duration) error {
	now := t.now()
	return t.Store.RetryTask(ctx, id, now.Add(delay), now)
}

// Track replaces the tracking data of the task with v, so a later run resumes from it.
func (t Tasks) Track(ctx context.Context, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storeerr.Serialization("task", err)
	}
	return t.Store.UpdateTaskTrackingData(ctx, id, data, t.now())
}
