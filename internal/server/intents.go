package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"paykit/internal/domain"
	"paykit/internal/engine"
	"paykit/internal/fees"
	"paykit/internal/repo"
)

type intentPath struct {
	IntentID string `path:"intent_id"`
}

func registerIntents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-intent",
		Method:      http.MethodPost,
		Path:        "/intents",
		Summary:     "Create payment intent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIntentRequest `json:"body"`
	}) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := createRequest(e, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePayer(ctx, e, "user", req.User); err != nil {
			return nil, handleError(err)
		}
		req.Actor = actorID
		p, err := e.CreatePaymentIntent(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: intentResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "List payment intents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		User    string `query:"user"`
		Creator string `query:"creator"`
		Status  string `query:"status" enum:"created,authorization_pending,ready,executing,completed,failed"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedIntents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		for field, raw := range map[string]string{"user": input.User, "creator": input.Creator} {
			if _, err := parseOptionalAddress(field, raw); err != nil {
				return nil, handleError(err)
			}
		}
		items, err := e.ListIntents(ctx, repo.IntentFilters{
			User:            input.User,
			Creator:         input.Creator,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIntents{Items: []IntentResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
			items = items[:limit]
		}
		for _, p := range items {
			resp.Items = append(resp.Items, intentResponse(p))
		}
		return &struct {
			Body paginatedIntents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}",
		Summary:     "Get payment intent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intentPath) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		p, err := e.GetIntent(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: intentResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent-context",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}/context",
		Summary:     "Intent with its authorization and refund",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intentPath) (*struct {
		Body PaymentContextResponse `json:"body"`
	}, error) {
		pc, err := e.GetPaymentContext(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentContextResponse `json:"body"`
		}{Body: contextResponse(pc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-intent-processed",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/processed",
		Summary:     "Record a terminal status (admin)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string               `path:"intent_id"`
		Body     MarkProcessedRequest `json:"body"`
	}) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, e, repo.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		p, err := e.MarkProcessed(ctx, input.IntentID, domain.IntentStatus(input.Body.Status), strings.TrimSpace(input.Body.Reason), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: intentResponse(p)}, nil
	})
}

func createRequest(e engine.Engine, body CreateIntentRequest) (engine.CreateRequest, error) {
	user, err := parseAddress("user", body.User)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	creator, err := parseAddress("creator", body.Creator)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	token, err := parseOptionalAddress("payment_token", body.PaymentToken)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	var deadline time.Time
	switch {
	case body.Deadline != nil:
		deadline = *body.Deadline
	case body.TTLSeconds > 0:
		deadline = engineNow(e).Add(time.Duration(body.TTLSeconds) * time.Second)
	default:
		deadline = engineNow(e).Add(defaultIntentTTL)
	}
	return engine.CreateRequest{
		Request: fees.Request{
			Type:           domain.PaymentType(body.PaymentType),
			User:           user,
			Creator:        creator,
			ContentID:      body.ContentID,
			Amount:         body.Amount,
			PaymentToken:   token,
			MaxSlippageBps: body.MaxSlippageBps,
		},
		Deadline: deadline,
		Origin:   strings.TrimSpace(body.Origin),
	}, nil
}

func registerAuthorization(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "prepare-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/prepare",
		Summary:     "Compute the intent hash for signing",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *intentPath) (*struct {
		Body AuthorizationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.PrepareForSigning(ctx, input.IntentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthorizationResponse `json:"body"`
		}{Body: authorizationResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/signature",
		Summary:     "Submit an authorized signer's signature",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string           `path:"intent_id"`
		Body     SignatureRequest `json:"body"`
	}) (*struct {
		Body AuthorizationResponse `json:"body"`
	}, error) {
		sig, err := parseSignature("signature", input.Body.Signature)
		if err != nil {
			return nil, handleError(err)
		}
		signer, err := parseAddress("signer", input.Body.Signer)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.ProvideIntentSignature(ctx, input.IntentID, sig, signer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthorizationResponse `json:"body"`
		}{Body: authorizationResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-intent-signature",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/verify",
		Summary:     "Check a signature without storing it",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string           `path:"intent_id"`
		Body     SignatureRequest `json:"body"`
	}) (*struct {
		Body VerifySignatureResponse `json:"body"`
	}, error) {
		sig, err := parseSignature("signature", input.Body.Signature)
		if err != nil {
			return nil, handleError(err)
		}
		signer, err := parseAddress("signer", input.Body.Signer)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := e.VerifyIntentSignature(ctx, input.IntentID, sig, signer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifySignatureResponse `json:"body"`
		}{Body: VerifySignatureResponse{Valid: ok}}, nil
	})
}

func registerSettlement(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/execute",
		Summary:     "Settle a ready intent with its stored signature",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string                  `path:"intent_id"`
		Body     ExecuteSignatureRequest `json:"body"`
	}) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		caller, err := parseAddress("caller", input.Body.Caller)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePayer(ctx, e, "caller", caller); err != nil {
			return nil, handleError(err)
		}
		sig, err := parseSignature("signature", input.Body.Signature)
		if err != nil {
			return nil, handleError(err)
		}
		signer, err := parseAddress("signer", input.Body.Signer)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.ExecutePaymentWithSignature(ctx, engine.ExecuteRequest{
			IntentID:  input.IntentID,
			Caller:    caller,
			Signature: sig,
			Signer:    signer,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: intentResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-intent-permit",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/execute-permit",
		Summary:     "Settle a ready intent with a payer-signed permit",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string               `path:"intent_id"`
		Body     ExecutePermitRequest `json:"body"`
	}) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		caller, err := parseAddress("caller", input.Body.Caller)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePayer(ctx, e, "caller", caller); err != nil {
			return nil, handleError(err)
		}
		permit, err := input.Body.Permit.permit()
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.ExecutePaymentWithPermit(ctx, engine.PermitRequest{
			IntentID: input.IntentID,
			Caller:   caller,
			Permit:   permit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: intentResponse(p)}, nil
	})
}
