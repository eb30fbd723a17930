package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"marketline/internal/domain"
	"marketline/internal/engine"
)

func registerServices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List the service catalog",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active"`
	}) (*output[serviceList], error) {
		items, err := e.ListServices(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(serviceList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-services",
		Method:      http.MethodPut,
		Path:        "/services",
		Summary:     "Create or replace catalog services",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ServicesRequest
	}) (*output[serviceList], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if herr := requireKind(actor, domain.ActorLocation); herr != nil {
			return nil, herr
		}
		services := make([]domain.Service, 0, len(input.Body.Services))
		for _, s := range input.Body.Services {
			services = append(services, s.service())
		}
		if err := e.UpsertService(ctx, services...); err != nil {
			return nil, handleError(err)
		}
		out := make([]domain.Service, 0, len(services))
		for _, s := range services {
			stored, err := e.GetService(ctx, s.ID)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, stored)
		}
		return reply(serviceList{Items: out}), nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/associates/{id}/profile",
		Summary:     "Get an associate's eligibility profile",
	}, func(ctx context.Context, input *idPath) (*output[domain.AssociateProfile], error) {
		p, err := e.GetProfile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-profile",
		Method:      http.MethodPut,
		Path:        "/associates/{id}/profile",
		Summary:     "Set an associate's eligibility profile",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ProfileRequest
	}) (*output[domain.AssociateProfile], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if actor.Kind != domain.ActorAssociate || actor.ID != input.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "associates may only set their own profile", nil)
		}
		p, err := e.UpsertProfile(ctx, domain.AssociateProfile{
			AssociateID:     input.ID,
			ExperienceLevel: input.Body.ExperienceLevel,
			Certifications:  nonNilSlice(input.Body.Certifications),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}
