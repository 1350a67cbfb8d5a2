package server

import (
	"encoding/json"
	"time"

	"switchline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID           *string        `json:"id,omitempty"`
	Name         string         `json:"name" minLength:"1"`
	Runner       string         `json:"runner" minLength:"1"`
	Tag          []string       `json:"tag,omitempty"`
	ScheduleTime *time.Time     `json:"schedule_time,omitempty"`
	Rule         string         `json:"rule,omitempty"`
	TrackingData map[string]any `json:"tracking_data,omitempty"`
}

type WebhookRequest struct {
	PaymentID              string `json:"payment_id,omitempty"`
	AttemptID              string `json:"attempt_id,omitempty"`
	ConnectorTransactionID string `json:"connector_transaction_id,omitempty"`
	EventType              string `json:"event_type,omitempty"`
}

// Response payloads

type AttemptResponse struct {
	MerchantID                   string     `json:"merchant_id"`
	PaymentID                    string     `json:"payment_id"`
	AttemptID                    string     `json:"attempt_id"`
	Status                       string     `json:"status"`
	Amount                       int64      `json:"amount"`
	Currency                     string     `json:"currency"`
	Connector                    *string    `json:"connector,omitempty"`
	ConnectorTransactionID       *string    `json:"connector_transaction_id,omitempty"`
	ConnectorResponseReferenceID *string    `json:"connector_response_reference_id,omitempty"`
	PreprocessingStepID          *string    `json:"preprocessing_step_id,omitempty"`
	PaymentMethod                *string    `json:"payment_method,omitempty"`
	PaymentMethodType            *string    `json:"payment_method_type,omitempty"`
	CaptureMethod                *string    `json:"capture_method,omitempty"`
	AuthenticationType           *string    `json:"authentication_type,omitempty"`
	AmountToCapture              *int64     `json:"amount_to_capture,omitempty"`
	AmountCapturable             int64      `json:"amount_capturable"`
	ErrorCode                    *string    `json:"error_code,omitempty"`
	ErrorMessage                 *string    `json:"error_message,omitempty"`
	ErrorReason                  *string    `json:"error_reason,omitempty"`
	CancellationReason           *string    `json:"cancellation_reason,omitempty"`
	ConnectorMetadata            any        `json:"connector_metadata,omitempty"`
	UpdatedBy                    string     `json:"updated_by"`
	CreatedAt                    time.Time  `json:"created_at"`
	ModifiedAt                   time.Time  `json:"modified_at"`
	LastSynced                   *time.Time `json:"last_synced,omitempty"`
}

type AttemptListResponse struct {
	Items []AttemptResponse `json:"items"`
}

type TaskResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Tag            []string   `json:"tag"`
	Runner         string     `json:"runner"`
	RetryCount     int        `json:"retry_count"`
	ScheduleTime   *time.Time `json:"schedule_time,omitempty"`
	Rule           string     `json:"rule,omitempty"`
	TrackingData   any        `json:"tracking_data,omitempty"`
	BusinessStatus string     `json:"business_status"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type WebhookResponse struct {
	TaskID string `json:"task_id"`
}

func attemptResponse(a domain.PaymentAttempt) AttemptResponse {
	return AttemptResponse{
		MerchantID:                   a.MerchantID,
		PaymentID:                    a.PaymentID,
		AttemptID:                    a.AttemptID,
		Status:                       string(a.Status),
		Amount:                       a.Amount,
		Currency:                     a.Currency,
		Connector:                    a.Connector,
		ConnectorTransactionID:       a.ConnectorTransactionID,
		ConnectorResponseReferenceID: a.ConnectorResponseReferenceID,
		PreprocessingStepID:          a.PreprocessingStepID,
		PaymentMethod:                a.PaymentMethod,
		PaymentMethodType:            a.PaymentMethodType,
		CaptureMethod:                a.CaptureMethod,
		AuthenticationType:           a.AuthenticationType,
		AmountToCapture:              a.AmountToCapture,
		AmountCapturable:             a.AmountCapturable,
		ErrorCode:                    a.ErrorCode,
		ErrorMessage:                 a.ErrorMessage,
		ErrorReason:                  a.ErrorReason,
		CancellationReason:           a.CancellationReason,
		ConnectorMetadata:            rawToAny(a.ConnectorMetadata),
		UpdatedBy:                    string(a.UpdatedBy),
		CreatedAt:                    a.CreatedAt,
		ModifiedAt:                   a.ModifiedAt,
		LastSynced:                   a.LastSynced,
	}
}

func mapAttempts(items []domain.PaymentAttempt) []AttemptResponse {
	out := make([]AttemptResponse, 0, len(items))
	for _, a := range items {
		out = append(out, attemptResponse(a))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	tag := t.Tag
	if tag == nil {
		tag = []string{}
	}
	return TaskResponse{
		ID:             t.ID,
		Name:           t.Name,
		Tag:            tag,
		Runner:         t.Runner,
		RetryCount:     t.RetryCount,
		ScheduleTime:   t.ScheduleTime,
		Rule:           t.Rule,
		TrackingData:   rawToAny(t.TrackingData),
		BusinessStatus: t.BusinessStatus,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
