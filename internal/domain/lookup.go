package domain

import "fmt"

// LookupSourcePaymentAttempt tags reverse lookups that point at payment attempts.
const LookupSourcePaymentAttempt = "payment_attempt"

// ReverseLookup maps a secondary identifier to the cache location of the record.
type ReverseLookup struct {
	LookupID  string `json:"lookup_id"`
	PkID      string `json:"pk_id"`
	SkID      string `json:"sk_id"`
	Source    string `json:"source"`
	UpdatedBy string `json:"updated_by"`
}

type IdentifierKind string

const (
	ByAttemptID              IdentifierKind = "attempt_id"
	ByConnectorTransactionID IdentifierKind = "connector_transaction_id"
	ByPreprocessingID        IdentifierKind = "preprocessing_id"
)

// Identifier names a payment attempt by one of its identifiers within a merchant.
// PaymentID optionally narrows the match to one payment.
type Identifier struct {
	Kind       IdentifierKind
	MerchantID string
	Value      string
	PaymentID  string
}

func (i Identifier) String() string {
	return fmt.Sprintf("%s=%s merchant=%s", i.Kind, i.Value, i.MerchantID)
}

func (i Identifier) Validate() error {
	switch i.Kind {
	case ByAttemptID, ByConnectorTransactionID, ByPreprocessingID:
	default:
		return fmt.Errorf("unknown identifier kind %q", i.Kind)
	}
	if i.MerchantID == "" || i.Value == "" {
		return fmt.Errorf("identifier %s requires merchant and value", i.Kind)
	}
	return nil
}

// LookupID is the reverse-lookup key for the identifier. Each kind has its own
// namespace so equal values of different kinds never collide.
func (i Identifier) LookupID() string {
	return LookupID(i.Kind, i.MerchantID, i.Value)
}

func LookupID(kind IdentifierKind, merchantID, value string) string {
	switch kind {
	case ByConnectorTransactionID:
		return "pa_conn_trans_" + merchantID + "_" + value
	case ByPreprocessingID:
		return "pa_preprocessing_" + merchantID + "_" + value
	default:
		return merchantID + "_" + value
	}
}
