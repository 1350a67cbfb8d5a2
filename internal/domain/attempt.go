package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// StorageScheme selects the write path for a merchant.
type StorageScheme string

const (
	SchemeDurableOnly StorageScheme = "durable_only"
	SchemeCacheFirst  StorageScheme = "cache_first"
)

func ParseStorageScheme(s string) (StorageScheme, error) {
	switch StorageScheme(s) {
	case SchemeDurableOnly, SchemeCacheFirst:
		return StorageScheme(s), nil
	case "":
		return SchemeDurableOnly, nil
	}
	return "", fmt.Errorf("unknown storage scheme %q", s)
}

type AttemptStatus string

const (
	AttemptCreated                     AttemptStatus = "created"
	AttemptStarted                     AttemptStatus = "started"
	AttemptAuthenticationFailed        AttemptStatus = "authentication_failed"
	AttemptRouterDeclined              AttemptStatus = "router_declined"
	AttemptAuthenticationPending       AttemptStatus = "authentication_pending"
	AttemptAuthenticationSuccessful    AttemptStatus = "authentication_successful"
	AttemptAuthorized                  AttemptStatus = "authorized"
	AttemptAuthorizationFailed         AttemptStatus = "authorization_failed"
	AttemptCharged                     AttemptStatus = "charged"
	AttemptAuthorizing                 AttemptStatus = "authorizing"
	AttemptCodInitiated                AttemptStatus = "cod_initiated"
	AttemptVoided                      AttemptStatus = "voided"
	AttemptVoidInitiated               AttemptStatus = "void_initiated"
	AttemptCaptureInitiated            AttemptStatus = "capture_initiated"
	AttemptCaptureFailed               AttemptStatus = "capture_failed"
	AttemptVoidFailed                  AttemptStatus = "void_failed"
	AttemptAutoRefunded                AttemptStatus = "auto_refunded"
	AttemptPartialCharged              AttemptStatus = "partial_charged"
	AttemptUnresolved                  AttemptStatus = "unresolved"
	AttemptPending                     AttemptStatus = "pending"
	AttemptFailure                     AttemptStatus = "failure"
	AttemptPaymentMethodAwaited        AttemptStatus = "payment_method_awaited"
	AttemptConfirmationAwaited         AttemptStatus = "confirmation_awaited"
	AttemptDeviceDataCollectionPending AttemptStatus = "device_data_collection_pending"
)

// IsTerminal reports whether no further connector sync can change the status.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptCharged, AttemptFailure, AttemptVoided, AttemptAuthorizationFailed,
		AttemptCaptureFailed, AttemptVoidFailed, AttemptAutoRefunded, AttemptRouterDeclined,
		AttemptAuthenticationFailed, AttemptAuthorized, AttemptPartialCharged:
		return true
	}
	return false
}

// IsSuccessful is true for statuses that count as a successful attempt.
func (s AttemptStatus) IsSuccessful() bool {
	return s == AttemptCharged || s == AttemptPartialCharged
}

// PaymentAttempt is one try at moving money for a payment. (merchant_id, attempt_id) is
// unique; (merchant_id, payment_id) groups the attempts of a payment.
type PaymentAttempt struct {
	MerchantID                   string          `json:"merchant_id"`
	PaymentID                    string          `json:"payment_id"`
	AttemptID                    string          `json:"attempt_id"`
	Status                       AttemptStatus   `json:"status"`
	Amount                       int64           `json:"amount"`
	Currency                     string          `json:"currency"`
	Connector                    *string         `json:"connector,omitempty"`
	ConnectorTransactionID       *string         `json:"connector_transaction_id,omitempty"`
	ConnectorResponseReferenceID *string         `json:"connector_response_reference_id,omitempty"`
	PreprocessingStepID          *string         `json:"preprocessing_step_id,omitempty"`
	PaymentMethod                *string         `json:"payment_method,omitempty"`
	PaymentMethodType            *string         `json:"payment_method_type,omitempty"`
	PaymentMethodID              *string         `json:"payment_method_id,omitempty"`
	PaymentToken                 *string         `json:"payment_token,omitempty"`
	MandateID                    *string         `json:"mandate_id,omitempty"`
	CaptureMethod                *string         `json:"capture_method,omitempty"`
	AuthenticationType           *string         `json:"authentication_type,omitempty"`
	Confirm                      bool            `json:"confirm"`
	AmountToCapture              *int64          `json:"amount_to_capture,omitempty"`
	AmountCapturable             int64           `json:"amount_capturable"`
	MultipleCaptureCount         *int            `json:"multiple_capture_count,omitempty"`
	CancellationReason           *string         `json:"cancellation_reason,omitempty"`
	ErrorCode                    *string         `json:"error_code,omitempty"`
	ErrorMessage                 *string         `json:"error_message,omitempty"`
	ErrorReason                  *string         `json:"error_reason,omitempty"`
	ConnectorMetadata            json.RawMessage `json:"connector_metadata,omitempty"`
	UpdatedBy                    StorageScheme   `json:"updated_by"`
	CreatedAt                    time.Time       `json:"created_at" format:"date-time"`
	ModifiedAt                   time.Time       `json:"modified_at" format:"date-time"`
	LastSynced                   *time.Time      `json:"last_synced,omitempty" format:"date-time"`
}

// AttemptNew is the insert payload for a payment attempt.
type AttemptNew struct {
	MerchantID         string          `json:"merchant_id" validate:"required"`
	PaymentID          string          `json:"payment_id" validate:"required"`
	AttemptID          string          `json:"attempt_id" validate:"required"`
	Status             AttemptStatus   `json:"status,omitempty"`
	Amount             int64           `json:"amount" validate:"gte=0"`
	Currency           string          `json:"currency" validate:"required,len=3"`
	Connector          *string         `json:"connector,omitempty"`
	PaymentMethod      *string         `json:"payment_method,omitempty"`
	PaymentMethodType  *string         `json:"payment_method_type,omitempty"`
	PaymentMethodID    *string         `json:"payment_method_id,omitempty"`
	PaymentToken       *string         `json:"payment_token,omitempty"`
	MandateID          *string         `json:"mandate_id,omitempty"`
	CaptureMethod      *string         `json:"capture_method,omitempty"`
	AuthenticationType *string         `json:"authentication_type,omitempty"`
	Confirm            bool            `json:"confirm"`
	AmountToCapture    *int64          `json:"amount_to_capture,omitempty" validate:"omitempty,gte=0"`
	ConnectorMetadata  json.RawMessage `json:"connector_metadata,omitempty"`
}

func (n AttemptNew) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("invalid payment attempt: %w", err)
	}
	return nil
}

// Build materializes the record as it is first stored. Status defaults to created.
func (n AttemptNew) Build(now time.Time, by StorageScheme) PaymentAttempt {
	status := n.Status
	if status == "" {
		status = AttemptCreated
	}
	now = now.UTC()
	return PaymentAttempt{
		MerchantID:         n.MerchantID,
		PaymentID:          n.PaymentID,
		AttemptID:          n.AttemptID,
		Status:             status,
		Amount:             n.Amount,
		Currency:           n.Currency,
		Connector:          n.Connector,
		PaymentMethod:      n.PaymentMethod,
		PaymentMethodType:  n.PaymentMethodType,
		PaymentMethodID:    n.PaymentMethodID,
		PaymentToken:       n.PaymentToken,
		MandateID:          n.MandateID,
		CaptureMethod:      n.CaptureMethod,
		AuthenticationType: n.AuthenticationType,
		Confirm:            n.Confirm,
		AmountToCapture:    n.AmountToCapture,
		ConnectorMetadata:  n.ConnectorMetadata,
		UpdatedBy:          by,
		CreatedAt:          now,
		ModifiedAt:         now,
	}
}

// AttemptKey is the cache partition key that groups the attempts of one payment.
func AttemptKey(merchantID, paymentID string) string {
	return "mid_" + merchantID + "_pid_" + paymentID
}

// AttemptField is the cache field holding one attempt inside its partition.
func AttemptField(attemptID string) string {
	return "pa_" + attemptID
}

// AttemptFieldPattern matches every attempt field of a partition.
const AttemptFieldPattern = "pa_*"

func (a PaymentAttempt) Key() string   { return AttemptKey(a.MerchantID, a.PaymentID) }
func (a PaymentAttempt) Field() string { return AttemptField(a.AttemptID) }

// Str is a convenience for optional string fields.
func Str(s string) *string { return &s }
