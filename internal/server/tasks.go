package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"switchline/internal/domain"
	"switchline/internal/logger"
	"switchline/internal/scheduler"
)

func registerTasks(api huma.API, tasks scheduler.Tasks, read TaskReader) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeTasksWrite); err != nil {
			return nil, err
		}
		n := domain.TaskNew{
			Name:         input.Body.Name,
			Runner:       input.Body.Runner,
			Tag:          input.Body.Tag,
			ScheduleTime: input.Body.ScheduleTime,
			Rule:         input.Body.Rule,
		}
		if input.Body.ID != nil {
			n.ID = *input.Body.ID
		}
		if input.Body.TrackingData != nil {
			b, err := json.Marshal(input.Body.TrackingData)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid tracking_data", map[string]any{"error": err.Error()})
			}
			n.TrackingData = b
		}
		t, err := tasks.Create(ctx, n)
		if err != nil {
			return nil, handleError(err)
		}
		logger.Logger.Info().Str("task_id", t.ID).Str("runner", t.Runner).Str("caller", callerSubject(ctx)).Msg("task created")
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := read.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}
