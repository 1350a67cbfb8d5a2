// Package workflows holds the task workflows the scheduler runs.
package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"switchline/internal/domain"
	"switchline/internal/logger"
	"switchline/internal/scheduler"
)

const PaymentStatusSync = "PAYMENT_STATUS_SYNC"

// DefaultSyncSchedule is the delay before each retry of a status sync.
var DefaultSyncSchedule = []time.Duration{
	time.Minute, 2 * time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour,
}

// SyncTrackingData identifies the attempt a status sync task works on. LastConnectorStatus is
// the status seen by the previous run.
type SyncTrackingData struct {
	MerchantID          string               `json:"merchant_id"`
	PaymentID           string               `json:"payment_id"`
	AttemptID           string               `json:"attempt_id"`
	LastConnectorStatus domain.AttemptStatus `json:"last_connector_status,omitempty"`
}

// AttemptStore is the slice of the storage router the sync workflow needs.
type AttemptStore interface {
	FindAttempt(ctx context.Context, id domain.Identifier) (domain.PaymentAttempt, error)
	UpdateAttempt(ctx context.Context, this domain.PaymentAttempt, u domain.AttemptUpdate) (domain.PaymentAttempt, error)
}

// PaymentSync pulls the connector status of an attempt and records it. It finishes the task
// once the status is terminal and reschedules it otherwise.
type PaymentSync struct {
	scheduler.BaseWorkflow
	Attempts AttemptStore
	Fetcher  StatusFetcher
	Schedule []time.Duration
}

// NewSyncTask builds the creation payload for a status sync of the attempt.
func NewSyncTask(merchantID, paymentID, attemptID string) (domain.TaskNew, error) {
	data, err := json.Marshal(SyncTrackingData{MerchantID: merchantID, PaymentID: paymentID, AttemptID: attemptID})
	if err != nil {
		return domain.TaskNew{}, err
	}
	return domain.TaskNew{
		Name:         "PAYMENTS_SYNC",
		Runner:       PaymentStatusSync,
		Tag:          []string{"PAYMENT", merchantID},
		TrackingData: data,
	}, nil
}

func (w *PaymentSync) Execute(ctx context.Context, task domain.Task) error {
	var td SyncTrackingData
	if err := task.DecodeTrackingData(&td); err != nil {
		return err
	}
	attempt, err := w.Attempts.FindAttempt(ctx, domain.Identifier{
		Kind: domain.ByAttemptID, MerchantID: td.MerchantID, Value: td.AttemptID, PaymentID: td.PaymentID,
	})
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if attempt.Status.IsTerminal() {
		return w.Tasks.Finish(ctx, task.ID, domain.BusinessStatusCompleted)
	}

	status, err := w.Fetcher.FetchStatus(ctx, attempt)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return err
		}
		logger.Logger.Warn().Err(err).Str("task_id", task.ID).Msg("connector status unavailable")
		return w.retry(ctx, task)
	}

	if status.Status != attempt.Status || status.ConnectorTransactionID != "" {
		if _, err := w.Attempts.UpdateAttempt(ctx, attempt, responseUpdate(status)); err != nil {
			return fmt.Errorf("record connector status: %w", err)
		}
	}
	if status.Status.IsTerminal() {
		return w.Tasks.Finish(ctx, task.ID, domain.BusinessStatusCompleted)
	}
	if status.Status != td.LastConnectorStatus {
		td.LastConnectorStatus = status.Status
		if err := w.Tasks.Track(ctx, task.ID, td); err != nil {
			return fmt.Errorf("track sync progress: %w", err)
		}
	}
	return w.retry(ctx, task)
}

// OnSuccess is a no-op: Execute already finished or rescheduled the task.
func (w *PaymentSync) OnSuccess(context.Context, domain.Task) error { return nil }

func (w *PaymentSync) retry(ctx context.Context, task domain.Task) error {
	schedule := w.Schedule
	if schedule == nil {
		schedule = DefaultSyncSchedule
	}
	if task.RetryCount >= len(schedule) {
		return w.Tasks.Finish(ctx, task.ID, domain.BusinessStatusRetriesExceeded)
	}
	return w.Tasks.Retry(ctx, task.ID, schedule[task.RetryCount])
}

func responseUpdate(s ConnectorStatus) domain.AttemptUpdate {
	var txn *string
	if s.ConnectorTransactionID != "" {
		txn = domain.Str(s.ConnectorTransactionID)
	}
	if s.ErrorCode != "" || s.ErrorMessage != "" {
		return domain.ErrorUpdate{
			Status:       s.Status,
			ErrorCode:    optional(s.ErrorCode),
			ErrorMessage: optional(s.ErrorMessage),
		}
	}
	return domain.ResponseUpdate{Status: s.Status, ConnectorTransactionID: txn}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
