package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateGeneral              UpdateKind = "update"
	UpdateTrackersKind         UpdateKind = "update_trackers"
	UpdateAuthenticationType   UpdateKind = "authentication_type_update"
	UpdateConfirm              UpdateKind = "confirm_update"
	UpdateVoid                 UpdateKind = "void_update"
	UpdateResponse             UpdateKind = "response_update"
	UpdateUnresolvedResponse   UpdateKind = "unresolved_response_update"
	UpdateStatus               UpdateKind = "status_update"
	UpdateError                UpdateKind = "error_update"
	UpdateMultipleCaptureCount UpdateKind = "multiple_capture_count_update"
	UpdatePreprocessing        UpdateKind = "preprocessing_update"
	UpdateReject               UpdateKind = "reject_update"
	UpdateAmountToCapture      UpdateKind = "amount_to_capture_update"
	UpdateCapture              UpdateKind = "capture_update"
)

// AttemptUpdate is one of the closed set of update variants below. Columns lists the stored
// columns the variant may change; optional fields left nil keep their current value.
type AttemptUpdate interface {
	Kind() UpdateKind
	Columns() []string
	apply(*PaymentAttempt)
}

// ApplyUpdate returns a with u applied, stamped with the write time and writer scheme.
func ApplyUpdate(a PaymentAttempt, u AttemptUpdate, at time.Time, by StorageScheme) PaymentAttempt {
	u.apply(&a)
	a.ModifiedAt = at.UTC()
	a.UpdatedBy = by
	return a
}

type GeneralUpdate struct {
	Amount             int64         `json:"amount"`
	Currency           string        `json:"currency"`
	Status             AttemptStatus `json:"status"`
	AuthenticationType *string       `json:"authentication_type,omitempty"`
	PaymentMethod      *string       `json:"payment_method,omitempty"`
	PaymentMethodType  *string       `json:"payment_method_type,omitempty"`
	PaymentToken       *string       `json:"payment_token,omitempty"`
}

func (GeneralUpdate) Kind() UpdateKind { return UpdateGeneral }
func (GeneralUpdate) Columns() []string {
	return []string{"amount", "currency", "status", "authentication_type", "payment_method", "payment_method_type", "payment_token"}
}
func (u GeneralUpdate) apply(a *PaymentAttempt) {
	a.Amount = u.Amount
	a.Currency = u.Currency
	a.Status = u.Status
	setStr(&a.AuthenticationType, u.AuthenticationType)
	setStr(&a.PaymentMethod, u.PaymentMethod)
	setStr(&a.PaymentMethodType, u.PaymentMethodType)
	setStr(&a.PaymentToken, u.PaymentToken)
}

type TrackersUpdate struct {
	PaymentToken *string `json:"payment_token,omitempty"`
	Connector    *string `json:"connector,omitempty"`
}

func (TrackersUpdate) Kind() UpdateKind  { return UpdateTrackersKind }
func (TrackersUpdate) Columns() []string { return []string{"payment_token", "connector"} }
func (u TrackersUpdate) apply(a *PaymentAttempt) {
	setStr(&a.PaymentToken, u.PaymentToken)
	setStr(&a.Connector, u.Connector)
}

type AuthenticationTypeUpdate struct {
	AuthenticationType string `json:"authentication_type"`
}

func (AuthenticationTypeUpdate) Kind() UpdateKind  { return UpdateAuthenticationType }
func (AuthenticationTypeUpdate) Columns() []string { return []string{"authentication_type"} }
func (u AuthenticationTypeUpdate) apply(a *PaymentAttempt) {
	a.AuthenticationType = Str(u.AuthenticationType)
}

type ConfirmUpdate struct {
	Amount             int64         `json:"amount"`
	Currency           string        `json:"currency"`
	Status             AttemptStatus `json:"status"`
	AuthenticationType *string       `json:"authentication_type,omitempty"`
	Connector          *string       `json:"connector,omitempty"`
	PaymentMethod      *string       `json:"payment_method,omitempty"`
	PaymentMethodType  *string       `json:"payment_method_type,omitempty"`
	PaymentToken       *string       `json:"payment_token,omitempty"`
	ErrorCode          *string       `json:"error_code,omitempty"`
	ErrorMessage       *string       `json:"error_message,omitempty"`
}

func (ConfirmUpdate) Kind() UpdateKind { return UpdateConfirm }
func (ConfirmUpdate) Columns() []string {
	return []string{"amount", "currency", "status", "authentication_type", "connector", "payment_method",
		"payment_method_type", "payment_token", "error_code", "error_message", "confirm"}
}
func (u ConfirmUpdate) apply(a *PaymentAttempt) {
	a.Amount = u.Amount
	a.Currency = u.Currency
	a.Status = u.Status
	a.Confirm = true
	setStr(&a.AuthenticationType, u.AuthenticationType)
	setStr(&a.Connector, u.Connector)
	setStr(&a.PaymentMethod, u.PaymentMethod)
	setStr(&a.PaymentMethodType, u.PaymentMethodType)
	setStr(&a.PaymentToken, u.PaymentToken)
	setStr(&a.ErrorCode, u.ErrorCode)
	setStr(&a.ErrorMessage, u.ErrorMessage)
}

type VoidUpdate struct {
	Status             AttemptStatus `json:"status"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
}

func (VoidUpdate) Kind() UpdateKind  { return UpdateVoid }
func (VoidUpdate) Columns() []string { return []string{"status", "cancellation_reason"} }
func (u VoidUpdate) apply(a *PaymentAttempt) {
	a.Status = u.Status
	setStr(&a.CancellationReason, u.CancellationReason)
}

// ResponseUpdate attaches a connector response to the attempt.
type ResponseUpdate struct {
	Status                       AttemptStatus   `json:"status"`
	Connector                    *string         `json:"connector,omitempty"`
	ConnectorTransactionID       *string         `json:"connector_transaction_id,omitempty"`
	AuthenticationType           *string         `json:"authentication_type,omitempty"`
	PaymentMethodID              *string         `json:"payment_method_id,omitempty"`
	MandateID                    *string         `json:"mandate_id,omitempty"`
	ConnectorMetadata            json.RawMessage `json:"connector_metadata,omitempty"`
	PaymentToken                 *string         `json:"payment_token,omitempty"`
	ErrorCode                    *string         `json:"error_code,omitempty"`
	ErrorMessage                 *string         `json:"error_message,omitempty"`
	ErrorReason                  *string         `json:"error_reason,omitempty"`
	ConnectorResponseReferenceID *string         `json:"connector_response_reference_id,omitempty"`
	AmountCapturable             *int64          `json:"amount_capturable,omitempty"`
}

func (ResponseUpdate) Kind() UpdateKind { return UpdateResponse }
func (ResponseUpdate) Columns() []string {
	return []string{"status", "connector", "connector_transaction_id", "authentication_type", "payment_method_id",
		"mandate_id", "connector_metadata", "payment_token", "error_code", "error_message", "error_reason",
		"connector_response_reference_id", "amount_capturable"}
}
func (u ResponseUpdate) apply(a *PaymentAttempt) {
	a.Status = u.Status
	setStr(&a.Connector, u.Connector)
	setStr(&a.ConnectorTransactionID, u.ConnectorTransactionID)
	setStr(&a.AuthenticationType, u.AuthenticationType)
	setStr(&a.PaymentMethodID, u.PaymentMethodID)
	setStr(&a.MandateID, u.MandateID)
	if len(u.ConnectorMetadata) > 0 {
		a.ConnectorMetadata = u.ConnectorMetadata
	}
	setStr(&a.PaymentToken, u.PaymentToken)
	setStr(&a.ErrorCode, u.ErrorCode)
	setStr(&a.ErrorMessage, u.ErrorMessage)
	setStr(&a.ErrorReason, u.ErrorReason)
	setStr(&a.ConnectorResponseReferenceID, u.ConnectorResponseReferenceID)
	if u.AmountCapturable != nil {
		a.AmountCapturable = *u.AmountCapturable
	}
}

type UnresolvedResponseUpdate struct {
	Status                       AttemptStatus `json:"status"`
	Connector                    *string       `json:"connector,omitempty"`
	ConnectorTransactionID       *string       `json:"connector_transaction_id,omitempty"`
	PaymentMethodID              *string       `json:"payment_method_id,omitempty"`
	ErrorCode                    *string       `json:"error_code,omitempty"`
	ErrorMessage                 *string       `json:"error_message,omitempty"`
	ErrorReason                  *string       `json:"error_reason,omitempty"`
	ConnectorResponseReferenceID *string       `json:"connector_response_reference_id,omitempty"`
}

func (UnresolvedResponseUpdate) Kind() UpdateKind { return UpdateUnresolvedResponse }
func (UnresolvedResponseUpdate) Columns() []string {
	return []string{"status", "connector", "connector_transaction_id", "payment_method_id", "error_code",
		"error_message", "error_reason", "connector_response_reference_id"}
}
func (u UnresolvedResponseUpdate) apply(a *PaymentAttempt) {
	a.Status = u.Status
	setStr(&a.Connector, u.Connector)
	setStr(&a.ConnectorTransactionID, u.ConnectorTransactionID)
	setStr(&a.PaymentMethodID, u.PaymentMethodID)
	setStr(&a.ErrorCode, u.ErrorCode)
	setStr(&a.ErrorMessage, u.ErrorMessage)
	setStr(&a.ErrorReason, u.ErrorReason)
	setStr(&a.ConnectorResponseReferenceID, u.ConnectorResponseReferenceID)
}

type StatusUpdate struct {
	Status AttemptStatus `json:"status"`
}

func (StatusUpdate) Kind() UpdateKind          { return UpdateStatus }
func (StatusUpdate) Columns() []string         { return []string{"status"} }
func (u StatusUpdate) apply(a *PaymentAttempt) { a.Status = u.Status }

type ErrorUpdate struct {
	Connector        *string       `json:"connector,omitempty"`
	Status           AttemptStatus `json:"status"`
	ErrorCode        *string       `json:"error_code,omitempty"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	ErrorReason      *string       `json:"error_reason,omitempty"`
	AmountCapturable *int64        `json:"amount_capturable,omitempty"`
}

func (ErrorUpdate) Kind() UpdateKind { return UpdateError }
func (ErrorUpdate) Columns() []string {
	return []string{"connector", "status", "error_code", "error_message", "error_reason", "amount_capturable"}
}
func (u ErrorUpdate) apply(a *PaymentAttempt) {
	a.Status = u.Status
	setStr(&a.Connector, u.Connector)
	setStr(&a.ErrorCode, u.ErrorCode)
	setStr(&a.ErrorMessage, u.ErrorMessage)
	setStr(&a.ErrorReason, u.ErrorReason)
	if u.AmountCapturable != nil {
		a.AmountCapturable = *u.AmountCapturable
	}
}

type MultipleCaptureCountUpdate struct {
	MultipleCaptureCount int `json:"multiple_capture_count"`
}

func (MultipleCaptureCountUpdate) Kind() UpdateKind  { return UpdateMultipleCaptureCount }
func (MultipleCaptureCountUpdate) Columns() []string { return []string{"multiple_capture_count"} }
func (u MultipleCaptureCountUpdate) apply(a *PaymentAttempt) {
	n := u.MultipleCaptureCount
	a.MultipleCaptureCount = &n
}

type PreprocessingUpdate struct {
	Status                       AttemptStatus   `json:"status"`
	PaymentMethodID              *string         `json:"payment_method_id,omitempty"`
	ConnectorMetadata            json.RawMessage `json:"connector_metadata,omitempty"`
	PreprocessingStepID          *string         `json:"preprocessing_step_id,omitempty"`
	ConnectorTransactionID       *string         `json:"connector_transaction_id,omitempty"`
	ConnectorResponseReferenceID *string         `json:"connector_response_reference_id,omitempty"`
}

func (PreprocessingUpdate) Kind() UpdateKind { return UpdatePreprocessing }
func (PreprocessingUpdate) Columns() []string {
	return []string{"status", "payment_method_id", "connector_metadata", "preprocessing_step_id",
		"connector_transaction_id", "connector_response_reference_id"}
}
func (u PreprocessingUpdate) apply(a *PaymentAttempt) {
	a.Status = u.Status
	setStr(&a.PaymentMethodID, u.PaymentMethodID)
	if len(u.ConnectorMetadata) > 0 {
		a.ConnectorMetadata = u.ConnectorMetadata
	}
	setStr(&a.PreprocessingStepID, u.PreprocessingStepID)
	setStr(&a.ConnectorTransactionID, u.ConnectorTransactionID)
	setStr(&a.ConnectorResponseReferenceID, u.ConnectorResponseReferenceID)
}

type RejectUpdate struct {
	Status       AttemptStatus `json:"status"`
	ErrorCode    *string       `json:"error_code,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
}

func (RejectUpdate) Kind() UpdateKind  { return UpdateReject }
func (RejectUpdate) Columns() []string { return []string{"status", "error_code", "error_message"} }
func (u RejectUpdate) apply(a *PaymentAttempt) {
	a.Status = u.Status
	setStr(&a.ErrorCode, u.ErrorCode)
	setStr(&a.ErrorMessage, u.ErrorMessage)
}

type AmountToCaptureUpdate struct {
	Status           AttemptStatus `json:"status"`
	AmountCapturable int64         `json:"amount_capturable"`
}

func (AmountToCaptureUpdate) Kind() UpdateKind  { return UpdateAmountToCapture }
func (AmountToCaptureUpdate) Columns() []string { return []string{"status", "amount_capturable"} }
func (u AmountToCaptureUpdate) apply(a *PaymentAttempt) {
	a.Status = u.Status
	a.AmountCapturable = u.AmountCapturable
}

type CaptureUpdate struct {
	AmountToCapture      *int64 `json:"amount_to_capture,omitempty"`
	MultipleCaptureCount *int   `json:"multiple_capture_count,omitempty"`
}

func (CaptureUpdate) Kind() UpdateKind { return UpdateCapture }
func (CaptureUpdate) Columns() []string {
	return []string{"amount_to_capture", "multiple_capture_count"}
}
func (u CaptureUpdate) apply(a *PaymentAttempt) {
	if u.AmountToCapture != nil {
		v := *u.AmountToCapture
		a.AmountToCapture = &v
	}
	if u.MultipleCaptureCount != nil {
		n := *u.MultipleCaptureCount
		a.MultipleCaptureCount = &n
	}
}

func setStr(dst **string, v *string) {
	if v != nil {
		s := *v
		*dst = &s
	}
}

// UpdateEnvelope is the wire form of an AttemptUpdate.
type UpdateEnvelope struct {
	Kind UpdateKind      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func decodeAs[T AttemptUpdate](data []byte) (AttemptUpdate, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var updateDecoders = map[UpdateKind]func([]byte) (AttemptUpdate, error){
	UpdateGeneral:              decodeAs[GeneralUpdate],
	UpdateTrackersKind:         decodeAs[TrackersUpdate],
	UpdateAuthenticationType:   decodeAs[AuthenticationTypeUpdate],
	UpdateConfirm:              decodeAs[ConfirmUpdate],
	UpdateVoid:                 decodeAs[VoidUpdate],
	UpdateResponse:             decodeAs[ResponseUpdate],
	UpdateUnresolvedResponse:   decodeAs[UnresolvedResponseUpdate],
	UpdateStatus:               decodeAs[StatusUpdate],
	UpdateError:                decodeAs[ErrorUpdate],
	UpdateMultipleCaptureCount: decodeAs[MultipleCaptureCountUpdate],
	UpdatePreprocessing:        decodeAs[PreprocessingUpdate],
	UpdateReject:               decodeAs[RejectUpdate],
	UpdateAmountToCapture:      decodeAs[AmountToCaptureUpdate],
	UpdateCapture:              decodeAs[CaptureUpdate],
}

func EncodeUpdate(u AttemptUpdate) (UpdateEnvelope, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return UpdateEnvelope{}, fmt.Errorf("encode %s: %w", u.Kind(), err)
	}
	return UpdateEnvelope{Kind: u.Kind(), Data: data}, nil
}

func (e UpdateEnvelope) Decode() (AttemptUpdate, error) {
	dec, ok := updateDecoders[e.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown attempt update kind %q", e.Kind)
	}
	u, err := dec(e.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return u, nil
}
