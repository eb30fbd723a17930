package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/repo"
)

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusGone,
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agreements",
		Method:      http.MethodGet,
		Path:        "/agreements",
		Summary:     "List agreements",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OfferID     string `query:"offer_id"`
		AssociateID string `query:"associate_id"`
		Status      string `query:"status" enum:"PROPOSED,ACCEPTED,ACTIVE,COMPLETED,CANCELLED"`
		Limit       int    `query:"limit"`
	}) (*output[agreementList], error) {
		items, err := e.ListAgreements(ctx, repo.AgreementFilters{
			OfferID:     input.OfferID,
			AssociateID: input.AssociateID,
			Status:      domain.AgreementStatus(input.Status),
			Limit:       normalizeLimit(e, input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(agreementList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{id}",
		Summary:     "Get agreement with its negotiation notes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.ServiceAgreement], error) {
		ag, err := e.GetAgreement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ag), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{id}/transitions",
		Summary:     "Apply an action to an agreement",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TransitionRequest
	}) (*output[domain.ServiceAgreement], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		ag, err := e.TransitionAgreement(ctx, engine.TransitionRequest{
			AgreementID:          input.ID,
			Action:               domain.AgreementAction(input.Body.Action),
			Actor:                actor,
			Reason:               input.Body.Reason,
			FinalAmountPaidCents: input.Body.FinalAmountPaidCents,
			Note:                 input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ag), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{id}/cancel",
		Summary:     "Cancel a proposed or accepted agreement",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `required:"false"`
	}) (*output[domain.ServiceAgreement], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		ag, err := e.CancelAgreement(ctx, input.ID, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ag), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-negotiation-note",
		Method:        http.MethodPost,
		Path:          "/agreements/{id}/notes",
		Summary:       "Append a negotiation note",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body NoteRequest
	}) (*output[domain.LogEntry], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		entry, err := e.AddNegotiationNote(ctx, input.ID, actor, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entry), nil
	})
}
