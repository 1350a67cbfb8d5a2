package switchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Switchline admin API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Attempt represents the API payment attempt model (partial).
type Attempt struct {
	MerchantID             string    `json:"merchant_id"`
	PaymentID              string    `json:"payment_id"`
	AttemptID              string    `json:"attempt_id"`
	Status                 string    `json:"status"`
	Amount                 int64     `json:"amount"`
	Currency               string    `json:"currency"`
	Connector              string    `json:"connector,omitempty"`
	ConnectorTransactionID string    `json:"connector_transaction_id,omitempty"`
	ErrorCode              string    `json:"error_code,omitempty"`
	ErrorMessage           string    `json:"error_message,omitempty"`
	UpdatedBy              string    `json:"updated_by"`
	CreatedAt              time.Time `json:"created_at"`
	ModifiedAt             time.Time `json:"modified_at"`
}

// Task represents a scheduled task.
type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Runner         string         `json:"runner"`
	Tag            []string       `json:"tag"`
	RetryCount     int            `json:"retry_count"`
	ScheduleTime   *time.Time     `json:"schedule_time,omitempty"`
	TrackingData   map[string]any `json:"tracking_data,omitempty"`
	BusinessStatus string         `json:"business_status"`
	Status         string         `json:"status"`
}

// NewTask is the task creation payload.
type NewTask struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	Runner       string         `json:"runner"`
	Tag          []string       `json:"tag,omitempty"`
	ScheduleTime *time.Time     `json:"schedule_time,omitempty"`
	TrackingData map[string]any `json:"tracking_data,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// GetAttempt fetches an attempt by id.
func (c *Client) GetAttempt(ctx context.Context, merchantID, attemptID string) (Attempt, error) {
	var resp Attempt
	endpoint := fmt.Sprintf("merchants/%s/attempts/%s", url.PathEscape(merchantID), url.PathEscape(attemptID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// FindAttemptByConnectorTransactionID resolves an attempt from the connector's reference.
func (c *Client) FindAttemptByConnectorTransactionID(ctx context.Context, merchantID, connectorTransactionID string) (Attempt, error) {
	var resp Attempt
	q := url.Values{"connector_transaction_id": {connectorTransactionID}}
	endpoint := fmt.Sprintf("merchants/%s/attempts?%s", url.PathEscape(merchantID), q.Encode())
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListPaymentAttempts lists the attempts of a payment.
func (c *Client) ListPaymentAttempts(ctx context.Context, merchantID, paymentID string) ([]Attempt, error) {
	var resp struct {
		Items []Attempt `json:"items"`
	}
	endpoint := fmt.Sprintf("merchants/%s/payments/%s/attempts", url.PathEscape(merchantID), url.PathEscape(paymentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateTask schedules a task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SendWebhook forwards a connector notification and returns the scheduled task id.
func (c *Client) SendWebhook(ctx context.Context, merchantID, connector string, payload map[string]any) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	endpoint := fmt.Sprintf("webhooks/%s/%s", url.PathEscape(merchantID), url.PathEscape(connector))
	err := c.do(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp.TaskID, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
