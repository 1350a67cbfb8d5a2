package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"switchline/internal/domain"
	"switchline/internal/logger"
	"switchline/internal/router"
	"switchline/internal/scheduler"
	"switchline/internal/workflows"
)

// registerWebhooks accepts connector notifications. The payload is only a hint: it schedules
// a status sync, and the sync reads the authoritative status from the connector.
func registerWebhooks(api huma.API, attempts router.AttemptStore, tasks scheduler.Tasks) {
	huma.Register(api, huma.Operation{
		OperationID:   "connector-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/{merchant_id}/{connector}",
		Summary:       "Receive connector webhook",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		MerchantID string         `path:"merchant_id"`
		Connector  string         `path:"connector"`
		Body       WebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeWebhooksWrite); err != nil {
			return nil, err
		}
		id := domain.Identifier{MerchantID: input.MerchantID, PaymentID: input.Body.PaymentID}
		switch {
		case input.Body.ConnectorTransactionID != "":
			id.Kind, id.Value = domain.ByConnectorTransactionID, input.Body.ConnectorTransactionID
		case input.Body.AttemptID != "":
			id.Kind, id.Value = domain.ByAttemptID, input.Body.AttemptID
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "connector_transaction_id or attempt_id is required", nil)
		}
		a, err := attempts.FindAttempt(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		if a.Connector == nil || *a.Connector != input.Connector {
			return nil, newAPIError(http.StatusNotFound, "not_found", "attempt does not belong to connector "+input.Connector, nil)
		}
		n, err := workflows.NewSyncTask(a.MerchantID, a.PaymentID, a.AttemptID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := tasks.Create(ctx, n)
		if err != nil {
			return nil, handleError(err)
		}
		logger.Logger.Info().
			Str("merchant_id", a.MerchantID).
			Str("attempt_id", a.AttemptID).
			Str("connector", input.Connector).
			Str("event_type", input.Body.EventType).
			Str("task_id", t.ID).
			Str("caller", callerSubject(ctx)).
			Msg("webhook scheduled status sync")
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: WebhookResponse{TaskID: t.ID}}, nil
	})
}
