package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"marketline/internal/domain"
	"marketline/internal/engine"
)

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/agreements/{id}/execution",
		Summary:     "Get the execution record of an agreement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.ServiceExecution], error) {
		x, err := e.GetExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(x), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-execution",
		Method:      http.MethodPost,
		Path:        "/agreements/{id}/execution/actions",
		Summary:     "Record progress, time, expenses, issues or feedback",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ExecutionActionRequest
	}) (*output[domain.ServiceExecution], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		x, err := e.UpdateExecution(ctx, input.Body.params(input.ID, actor))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(x), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-progress-report",
		Method:        http.MethodPost,
		Path:          "/agreements/{id}/execution/reports",
		Summary:       "Submit a progress report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ProgressReportRequest
	}) (*output[domain.LogEntry], error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		entry, err := e.AddProgressReport(ctx, input.ID, actor, domain.ReportType(input.Body.ReportType), input.Body.Data)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-associate-executions",
		Method:      http.MethodGet,
		Path:        "/associates/{id}/executions",
		Summary:     "List an associate's executions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *idPath) (*output[executionList], error) {
		items, err := e.ListExecutions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(executionList{Items: nonNilSlice(items)}), nil
	})
}
