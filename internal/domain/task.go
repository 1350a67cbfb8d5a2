package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending        TaskStatus = "Pending"
	TaskProcessing     TaskStatus = "Processing"
	TaskProcessStarted TaskStatus = "ProcessStarted"
	TaskRetry          TaskStatus = "Retry"
	TaskFinish         TaskStatus = "Finish"
)

const (
	BusinessStatusPending       = "Pending"
	BusinessStatusCompleted     = "COMPLETED_BY_PT"
	BusinessStatusGlobalFailure = "GLOBAL_FAILURE"
	BusinessStatusGlobalError   = "GLOBAL_ERROR"
	// BusinessStatusRetriesExceeded finishes a task whose retry schedule ran out.
	BusinessStatusRetriesExceeded = "RETRIES_EXCEEDED"
)

// Task is a unit of background work. Runner names the workflow that executes it.
type Task struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Tag            []string        `json:"tag,omitempty"`
	Runner         string          `json:"runner"`
	RetryCount     int             `json:"retry_count"`
	ScheduleTime   *time.Time      `json:"schedule_time,omitempty" format:"date-time"`
	Rule           string          `json:"rule,omitempty"`
	TrackingData   json.RawMessage `json:"tracking_data,omitempty"`
	BusinessStatus string          `json:"business_status"`
	Status         TaskStatus      `json:"status" enum:"Pending,Processing,ProcessStarted,Retry,Finish"`
	CreatedAt      time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time       `json:"updated_at" format:"date-time"`
}

// TaskNew is the creation payload. An empty ID gets a random one.
type TaskNew struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name" validate:"required"`
	Runner       string          `json:"runner" validate:"required"`
	Tag          []string        `json:"tag,omitempty"`
	ScheduleTime *time.Time      `json:"schedule_time,omitempty"`
	Rule         string          `json:"rule,omitempty"`
	TrackingData json.RawMessage `json:"tracking_data,omitempty"`
}

func (n TaskNew) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if len(n.TrackingData) > 0 && !json.Valid(n.TrackingData) {
		return fmt.Errorf("invalid task: tracking_data is not valid json")
	}
	return nil
}

// DecodeTrackingData unmarshals the workflow payload into v.
func (t Task) DecodeTrackingData(v any) error {
	if len(t.TrackingData) == 0 {
		return fmt.Errorf("task %s has no tracking data", t.ID)
	}
	if err := json.Unmarshal(t.TrackingData, v); err != nil {
		return fmt.Errorf("decode tracking data of task %s: %w", t.ID, err)
	}
	return nil
}
