package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"paykit/internal/engine"
	"paykit/internal/repo"
)

type refundPath struct {
	RefundID string `path:"refund_id"`
}

func registerRefunds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-refund",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/refunds",
		Summary:     "Request a refund for a completed intent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string              `path:"intent_id"`
		Body     RefundCreateRequest `json:"body"`
	}) (*struct {
		Body RefundResponse `json:"body"`
	}, error) {
		requester, err := parseAddress("requester", input.Body.Requester)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePayer(ctx, e, "requester", requester); err != nil {
			return nil, handleError(err)
		}
		rf, err := e.RequestRefund(ctx, input.IntentID, requester, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefundResponse `json:"body"`
		}{Body: refundResponse(rf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refund-failed-payment",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/failed-payment",
		Summary:     "Queue a refund for a processed intent that could not be honored",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string               `path:"intent_id"`
		Body     FailedPaymentRequest `json:"body"`
	}) (*struct {
		Body RefundResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, e, repo.RoleAdmin, repo.RoleRefundProcessor); err != nil {
			return nil, handleError(err)
		}
		rf, err := e.HandleFailedPayment(ctx, input.IntentID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefundResponse `json:"body"`
		}{Body: refundResponse(rf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-refunds",
		Method:      http.MethodGet,
		Path:        "/refunds",
		Summary:     "List refunds",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		User      string `query:"user"`
		Processed string `query:"processed" enum:"true,false"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RefundResponse `json:"body"`
	}, error) {
		if _, err := parseOptionalAddress("user", input.User); err != nil {
			return nil, handleError(err)
		}
		processed, err := parseBoolFilter("processed", input.Processed)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRefunds(ctx, repo.RefundFilters{
			User:      input.User,
			Processed: processed,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RefundResponse, 0, len(items))
		for _, rf := range items {
			out = append(out, refundResponse(rf))
		}
		return &struct {
			Body []RefundResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-refund",
		Method:      http.MethodGet,
		Path:        "/refunds/{refund_id}",
		Summary:     "Get refund",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *refundPath) (*struct {
		Body RefundResponse `json:"body"`
	}, error) {
		rf, err := e.GetRefund(ctx, input.RefundID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefundResponse `json:"body"`
		}{Body: refundResponse(rf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-refund",
		Method:      http.MethodPost,
		Path:        "/refunds/{refund_id}/process",
		Summary:     "Pay out a queued refund",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RefundID string               `path:"refund_id"`
		Body     ProcessRefundRequest `json:"body"`
	}) (*struct {
		Body RefundResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		process := e.ProcessRefund
		if input.Body.Coordinate {
			process = e.ProcessRefundWithCoordination
		}
		rf, err := process(ctx, actorID, input.RefundID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefundResponse `json:"body"`
		}{Body: refundResponse(rf)}, nil
	})
}

func registerBalances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/balances/{user}",
		Summary:     "Pending refund balance for a user",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		user, err := parseAddress("user", input.User)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.PendingBalance(ctx, user)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{User: user.Hex(), Pending: pending}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-permit-nonce",
		Method:      http.MethodGet,
		Path:        "/permit-nonces/{user}",
		Summary:     "Next permit nonce a payer must sign",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		user, err := parseAddress("user", input.User)
		if err != nil {
			return nil, handleError(err)
		}
		nonce, err := e.Repo.PermitNonce(ctx, user)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"user": user.Hex(), "nonce": nonce}}, nil
	})
}
