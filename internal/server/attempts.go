package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"switchline/internal/domain"
	"switchline/internal/router"
)

func registerAttempts(api huma.API, attempts router.AttemptStore) {
	huma.Register(api, huma.Operation{
		OperationID: "get-attempt",
		Method:      http.MethodGet,
		Path:        "/merchants/{merchant_id}/attempts/{attempt_id}",
		Summary:     "Get payment attempt",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		MerchantID string `path:"merchant_id"`
		AttemptID  string `path:"attempt_id"`
	}) (*struct {
		Body AttemptResponse `json:"body"`
	}, error) {
		a, err := attempts.FindAttempt(ctx, domain.Identifier{Kind: domain.ByAttemptID, MerchantID: input.MerchantID, Value: input.AttemptID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttemptResponse `json:"body"`
		}{Body: attemptResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "find-attempt",
		Method:      http.MethodGet,
		Path:        "/merchants/{merchant_id}/attempts",
		Summary:     "Find payment attempt by connector reference",
		Description: "Exactly one of connector_transaction_id or preprocessing_id is required.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		MerchantID             string `path:"merchant_id"`
		ConnectorTransactionID string `query:"connector_transaction_id"`
		PreprocessingID        string `query:"preprocessing_id"`
		PaymentID              string `query:"payment_id"`
	}) (*struct {
		Body AttemptResponse `json:"body"`
	}, error) {
		id := domain.Identifier{MerchantID: input.MerchantID, PaymentID: input.PaymentID}
		switch {
		case input.ConnectorTransactionID != "" && input.PreprocessingID != "":
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "use either connector_transaction_id or preprocessing_id", nil)
		case input.ConnectorTransactionID != "":
			id.Kind, id.Value = domain.ByConnectorTransactionID, input.ConnectorTransactionID
		case input.PreprocessingID != "":
			id.Kind, id.Value = domain.ByPreprocessingID, input.PreprocessingID
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "connector_transaction_id or preprocessing_id is required", nil)
		}
		a, err := attempts.FindAttempt(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttemptResponse `json:"body"`
		}{Body: attemptResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payment-attempts",
		Method:      http.MethodGet,
		Path:        "/merchants/{merchant_id}/payments/{payment_id}/attempts",
		Summary:     "List attempts of a payment",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		MerchantID string `path:"merchant_id"`
		PaymentID  string `path:"payment_id"`
	}) (*struct {
		Body AttemptListResponse `json:"body"`
	}, error) {
		items, err := attempts.ListAttemptsByPayment(ctx, input.MerchantID, input.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttemptListResponse `json:"body"`
		}{Body: AttemptListResponse{Items: mapAttempts(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "last-successful-attempt",
		Method:      http.MethodGet,
		Path:        "/merchants/{merchant_id}/payments/{payment_id}/attempts/last-successful",
		Summary:     "Latest successful attempt of a payment",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		MerchantID string `path:"merchant_id"`
		PaymentID  string `path:"payment_id"`
	}) (*struct {
		Body AttemptResponse `json:"body"`
	}, error) {
		a, err := attempts.FindLastSuccessfulAttempt(ctx, input.MerchantID, input.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttemptResponse `json:"body"`
		}{Body: attemptResponse(a)}, nil
	})
}
