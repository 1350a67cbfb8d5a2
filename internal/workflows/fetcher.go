package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"switchline/internal/domain"
)

// ConnectorStatus is the connector's view of an attempt.
type ConnectorStatus struct {
	Status                 domain.AttemptStatus `json:"status"`
	ConnectorTransactionID string               `json:"connector_transaction_id,omitempty"`
	ErrorCode              string               `json:"error_code,omitempty"`
	ErrorMessage           string               `json:"error_message,omitempty"`
}

// StatusFetcher asks the connector for the current status of an attempt.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, a domain.PaymentAttempt) (ConnectorStatus, error)
}

// HTTPStatusFetcher calls a connector status service at
// GET {BaseURL}/{connector}/payments/{id}?merchant_id=. It is shared by concurrent task runs
// and never mutated after construction.
type HTTPStatusFetcher struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPStatusFetcher(baseURL string, timeout time.Duration) *HTTPStatusFetcher {
	return &HTTPStatusFetcher{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: timeout}}
}

// StatusError wraps non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("connector status: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether a later call may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (f *HTTPStatusFetcher) FetchStatus(ctx context.Context, a domain.PaymentAttempt) (ConnectorStatus, error) {
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if a.Connector == nil || *a.Connector == "" {
		return ConnectorStatus{}, fmt.Errorf("attempt %s has no connector", a.AttemptID)
	}
	ref := a.AttemptID
	if a.ConnectorTransactionID != nil && *a.ConnectorTransactionID != "" {
		ref = *a.ConnectorTransactionID
	}
	endpoint := fmt.Sprintf("%s/%s/payments/%s?merchant_id=%s", strings.TrimRight(f.BaseURL, "/"),
		url.PathEscape(*a.Connector), url.PathEscape(ref), url.QueryEscape(a.MerchantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ConnectorStatus{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return ConnectorStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ConnectorStatus{}, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out ConnectorStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ConnectorStatus{}, fmt.Errorf("decode connector status: %w", err)
	}
	if out.Status == "" {
		return ConnectorStatus{}, fmt.Errorf("connector status response has no status")
	}
	return out, nil
}
