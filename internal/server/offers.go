package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/repo"
)

type idPath struct {
	ID string `path:"id"`
}

func registerOffers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-offer",
		Method:        http.MethodPost,
		Path:          "/offers",
		Summary:       "Post a service offer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOfferRequest
	}) (*output[domain.ServiceOffer], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if herr := requireKind(actor, domain.ActorLocation); herr != nil {
			return nil, herr
		}
		if input.Body.LocationID != "" && input.Body.LocationID != actor.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "offers can only be posted for the calling location", map[string]any{"field": "location_id"})
		}
		offer, err := e.CreateOffer(ctx, input.Body.spec(actor))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(offer), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-offers",
		Method:      http.MethodGet,
		Path:        "/offers",
		Summary:     "List offers, newest first",
		Description: "With associate_id only offers that associate is eligible for are returned; such a page can be shorter than limit even when next_cursor is set.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		LocationID     string `query:"location_id"`
		ServiceID      string `query:"service_id"`
		Status         string `query:"status" enum:"OPEN,PENDING,ACCEPTED,IN_PROGRESS,COMPLETED,EXPIRED,CANCELLED"`
		Urgency        string `query:"urgency" enum:"LOW,NORMAL,HIGH,URGENT"`
		IncludeExpired bool   `query:"include_expired"`
		AssociateID    string `query:"associate_id"`
		Limit          int    `query:"limit"`
		Cursor         string `query:"cursor"`
	}) (*output[paginatedOffers], error) {
		limit := normalizeLimit(e, input.Limit)
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "invalid cursor", map[string]any{"field": "cursor"})
		}
		page, err := e.ListOffersPage(ctx, engine.OfferQuery{
			OfferFilters: repo.OfferFilters{
				LocationID:      input.LocationID,
				ServiceID:       input.ServiceID,
				Status:          domain.OfferStatus(input.Status),
				Urgency:         domain.Urgency(input.Urgency),
				IncludeExpired:  input.IncludeExpired,
				Limit:           limit,
				CursorCreatedAt: createdAt,
				CursorID:        id,
			},
			AssociateID: input.AssociateID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOffers{Items: nonNilSlice(page.Offers)}
		if page.After != nil {
			resp.NextCursor = composeCursor(repo.CursorFor(*page.After))
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-offer",
		Method:      http.MethodGet,
		Path:        "/offers/{id}",
		Summary:     "Get offer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.ServiceOffer], error) {
		offer, err := e.GetOffer(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(offer), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-offer",
		Method:      http.MethodPatch,
		Path:        "/offers/{id}",
		Summary:     "Update an open offer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateOfferRequest
	}) (*output[domain.ServiceOffer], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		offer, err := e.UpdateOffer(ctx, input.ID, actor, input.Body.patch())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(offer), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-offer",
		Method:      http.MethodPost,
		Path:        "/offers/{id}/cancel",
		Summary:     "Cancel an offer",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `required:"false"`
	}) (*output[domain.ServiceOffer], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		offer, err := e.CancelOffer(ctx, input.ID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(offer), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "apply-for-offer",
		Method:        http.MethodPost,
		Path:          "/offers/{id}/applications",
		Summary:       "Apply for an offer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ApplyRequest
	}) (*output[domain.ServiceAgreement], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if herr := requireKind(actor, domain.ActorAssociate); herr != nil {
			return nil, herr
		}
		ag, err := e.ApplyForOffer(ctx, engine.ApplyRequest{
			OfferID:           input.ID,
			AssociateID:       actor.ID,
			AgreedAmountCents: input.Body.AgreedAmountCents,
			AgreedStartTime:   input.Body.AgreedStartTime,
			DurationHours:     input.Body.DurationHours,
			Deliverables:      input.Body.Deliverables,
			Instructions:      input.Body.Instructions,
			Note:              input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ag), nil
	})
}
