package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"switchline/internal/db"
	"switchline/internal/domain"
)

const entityAttempt = "payment_attempt"

var attemptColumns = []string{
	"merchant_id", "payment_id", "attempt_id", "status", "amount", "currency", "connector",
	"connector_transaction_id", "connector_response_reference_id", "preprocessing_step_id",
	"payment_method", "payment_method_type", "payment_method_id", "payment_token", "mandate_id",
	"capture_method", "authentication_type", "confirm", "amount_to_capture", "amount_capturable",
	"multiple_capture_count", "cancellation_reason", "error_code", "error_message", "error_reason",
	"connector_metadata", "updated_by", "created_at", "modified_at", "last_synced",
}

var attemptSelect = `SELECT ` + strings.Join(attemptColumns, ",") + ` FROM payment_attempt`

// attemptValues returns the stored form of every column of a.
func attemptValues(a domain.PaymentAttempt) map[string]any {
	var metadata any
	if len(a.ConnectorMetadata) > 0 {
		metadata = string(a.ConnectorMetadata)
	}
	return map[string]any{
		"merchant_id":                     a.MerchantID,
		"payment_id":                      a.PaymentID,
		"attempt_id":                      a.AttemptID,
		"status":                          string(a.Status),
		"amount":                          a.Amount,
		"currency":                        a.Currency,
		"connector":                       nullableStringPtr(a.Connector),
		"connector_transaction_id":        nullableStringPtr(a.ConnectorTransactionID),
		"connector_response_reference_id": nullableStringPtr(a.ConnectorResponseReferenceID),
		"preprocessing_step_id":           nullableStringPtr(a.PreprocessingStepID),
		"payment_method":                  nullableStringPtr(a.PaymentMethod),
		"payment_method_type":             nullableStringPtr(a.PaymentMethodType),
		"payment_method_id":               nullableStringPtr(a.PaymentMethodID),
		"payment_token":                   nullableStringPtr(a.PaymentToken),
		"mandate_id":                      nullableStringPtr(a.MandateID),
		"capture_method":                  nullableStringPtr(a.CaptureMethod),
		"authentication_type":             nullableStringPtr(a.AuthenticationType),
		"confirm":                         a.Confirm,
		"amount_to_capture":               nullableInt64Ptr(a.AmountToCapture),
		"amount_capturable":               a.AmountCapturable,
		"multiple_capture_count":          nullableIntPtr(a.MultipleCaptureCount),
		"cancellation_reason":             nullableStringPtr(a.CancellationReason),
		"error_code":                      nullableStringPtr(a.ErrorCode),
		"error_message":                   nullableStringPtr(a.ErrorMessage),
		"error_reason":                    nullableStringPtr(a.ErrorReason),
		"connector_metadata":              metadata,
		"updated_by":                      string(a.UpdatedBy),
		"created_at":                      formatTime(a.CreatedAt),
		"modified_at":                     formatTime(a.ModifiedAt),
		"last_synced":                     nullableTimePtr(a.LastSynced),
	}
}

func scanAttempt(s rowScanner) (domain.PaymentAttempt, error) {
	var (
		a                                                        domain.PaymentAttempt
		status, updatedBy, createdAt, modifiedAt                 string
		connector, connectorTxn, connectorRef, preprocessing     sql.NullString
		pm, pmType, pmID, token, mandate, captureMethod, authTyp sql.NullString
		cancel, errCode, errMsg, errReason, metadata, lastSynced sql.NullString
		amountToCapture, captureCount                            sql.NullInt64
	)
	err := s.Scan(&a.MerchantID, &a.PaymentID, &a.AttemptID, &status, &a.Amount, &a.Currency, &connector,
		&connectorTxn, &connectorRef, &preprocessing,
		&pm, &pmType, &pmID, &token, &mandate,
		&captureMethod, &authTyp, &a.Confirm, &amountToCapture, &a.AmountCapturable,
		&captureCount, &cancel, &errCode, &errMsg, &errReason,
		&metadata, &updatedBy, &createdAt, &modifiedAt, &lastSynced)
	if err != nil {
		return a, err
	}
	a.Status = domain.AttemptStatus(status)
	a.UpdatedBy = domain.StorageScheme(updatedBy)
	a.Connector = strPtr(connector)
	a.ConnectorTransactionID = strPtr(connectorTxn)
	a.ConnectorResponseReferenceID = strPtr(connectorRef)
	a.PreprocessingStepID = strPtr(preprocessing)
	a.PaymentMethod = strPtr(pm)
	a.PaymentMethodType = strPtr(pmType)
	a.PaymentMethodID = strPtr(pmID)
	a.PaymentToken = strPtr(token)
	a.MandateID = strPtr(mandate)
	a.CaptureMethod = strPtr(captureMethod)
	a.AuthenticationType = strPtr(authTyp)
	a.AmountToCapture = int64Ptr(amountToCapture)
	a.MultipleCaptureCount = intPtr(captureCount)
	a.CancellationReason = strPtr(cancel)
	a.ErrorCode = strPtr(errCode)
	a.ErrorMessage = strPtr(errMsg)
	a.ErrorReason = strPtr(errReason)
	if metadata.Valid && metadata.String != "" {
		a.ConnectorMetadata = []byte(metadata.String)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, fmt.Errorf("created_at: %w", err)
	}
	if a.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return a, fmt.Errorf("modified_at: %w", err)
	}
	if a.LastSynced, err = timePtr(lastSynced); err != nil {
		return a, fmt.Errorf("last_synced: %w", err)
	}
	return a, nil
}

// InsertAttempt stores a fully built attempt. A second insert for the same
// (merchant_id, attempt_id) fails with storeerr.ErrDuplicateValue.
func (r Repo) InsertAttempt(ctx context.Context, a domain.PaymentAttempt) (domain.PaymentAttempt, error) {
	vals := attemptValues(a)
	args := make([]any, 0, len(attemptColumns))
	for _, col := range attemptColumns {
		args = append(args, vals[col])
	}
	q := fmt.Sprintf(`INSERT INTO payment_attempt(%s) VALUES (%s)`, strings.Join(attemptColumns, ","), db.Placeholders(len(attemptColumns)))
	if _, err := r.exec(ctx, q, args...); err != nil {
		return domain.PaymentAttempt{}, mapError(entityAttempt, a.AttemptID, err)
	}
	return a, nil
}

// UpdateAttempt applies u to orig and writes only the columns the variant touches.
func (r Repo) UpdateAttempt(ctx context.Context, orig domain.PaymentAttempt, u domain.AttemptUpdate, at time.Time, by domain.StorageScheme) (domain.PaymentAttempt, error) {
	merged := domain.ApplyUpdate(orig, u, at, by)
	vals := attemptValues(merged)
	cols := append(append([]string{}, u.Columns()...), "modified_at", "updated_by")
	fields := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+2)
	for _, col := range cols {
		fields = append(fields, col+"=?")
		args = append(args, vals[col])
	}
	args = append(args, orig.MerchantID, orig.AttemptID)
	res, err := r.exec(ctx, fmt.Sprintf(`UPDATE payment_attempt SET %s WHERE merchant_id=? AND attempt_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return domain.PaymentAttempt{}, mapError(entityAttempt, orig.AttemptID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.PaymentAttempt{}, mapError(entityAttempt, orig.AttemptID, sql.ErrNoRows)
	}
	return merged, nil
}

// FindAttempt looks an attempt up by one of its identifiers. When several attempts share a
// connector transaction id the most recently modified one wins.
func (r Repo) FindAttempt(ctx context.Context, id domain.Identifier) (domain.PaymentAttempt, error) {
	if err := id.Validate(); err != nil {
		return domain.PaymentAttempt{}, err
	}
	var col string
	switch id.Kind {
	case domain.ByAttemptID:
		col = "attempt_id"
	case domain.ByConnectorTransactionID:
		col = "connector_transaction_id"
	case domain.ByPreprocessingID:
		col = "preprocessing_step_id"
	}
	clauses := []string{"merchant_id=?", col + "=?"}
	args := []any{id.MerchantID, id.Value}
	if id.PaymentID != "" {
		clauses = append(clauses, "payment_id=?")
		args = append(args, id.PaymentID)
	}
	q := attemptSelect + ` WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY modified_at DESC LIMIT 1`
	a, err := scanAttempt(r.queryRow(ctx, q, args...))
	if err != nil {
		return domain.PaymentAttempt{}, mapError(entityAttempt, id.Value, err)
	}
	return a, nil
}

func (r Repo) ListAttemptsByPayment(ctx context.Context, merchantID, paymentID string) ([]domain.PaymentAttempt, error) {
	return r.listAttempts(ctx, attemptSelect+` WHERE merchant_id=? AND payment_id=? ORDER BY created_at, attempt_id`, merchantID, paymentID)
}

// FindLastSuccessfulAttempt returns the newest charged or partially charged attempt.
func (r Repo) FindLastSuccessfulAttempt(ctx context.Context, merchantID, paymentID string) (domain.PaymentAttempt, error) {
	q := attemptSelect + ` WHERE merchant_id=? AND payment_id=? AND status IN (?,?) ORDER BY created_at DESC LIMIT 1`
	a, err := scanAttempt(r.queryRow(ctx, q, merchantID, paymentID, string(domain.AttemptCharged), string(domain.AttemptPartialCharged)))
	if err != nil {
		return domain.PaymentAttempt{}, mapError(entityAttempt, paymentID, err)
	}
	return a, nil
}

type AttemptFilter struct {
	MerchantID string
	Status     string
	Connector  string
	Limit      int
}

func (r Repo) ListAttempts(ctx context.Context, f AttemptFilter) ([]domain.PaymentAttempt, error) {
	var (
		clauses []string
		args    []any
	)
	if f.MerchantID != "" {
		clauses = append(clauses, "merchant_id=?")
		args = append(args, f.MerchantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Connector != "" {
		clauses = append(clauses, "connector=?")
		args = append(args, f.Connector)
	}
	q := attemptSelect
	if len(clauses) > 0 {
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.listAttempts(ctx, q, args...)
}

func (r Repo) listAttempts(ctx context.Context, q string, args ...any) ([]domain.PaymentAttempt, error) {
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, mapError(entityAttempt, "", err)
	}
	defer rows.Close()
	var res []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, mapError(entityAttempt, "", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(entityAttempt, "", err)
	}
	return res, nil
}
