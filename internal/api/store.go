package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/c.mueller/offline-sync/internal/cluster"
	"github.com/c.mueller/offline-sync/internal/database"
)

// QueueReporter collects the queue depth of every device in the cluster
type QueueReporter interface {
	QueueDepths(timeout time.Duration) ([]cluster.QueueDepth, error)
}

const queueDepthTimeout = 3 * time.Second

func (s *Server) registerStoreRoutes(api huma.API) {
	// GET /store?path= - Read a value
	huma.Register(api, huma.Operation{
		OperationID: "get-value",
		Method:      http.MethodGet,
		Path:        "/store",
		Summary:     "Read a value",
		Description: "Read the value stored at a path, rebuilt as nested objects",
		Tags:        []string{"store"},
	}, s.getValue)

	// PUT /store?path= - Replace a value
	huma.Register(api, huma.Operation{
		OperationID:   "set-value",
		Method:        http.MethodPut,
		Path:          "/store",
		Summary:       "Replace a value",
		Description:   "Replace the whole subtree at a path",
		Tags:          []string{"store"},
		DefaultStatus: http.StatusNoContent,
	}, s.setValue)

	// PATCH /store?path= - Merge fields
	huma.Register(api, huma.Operation{
		OperationID:   "update-value",
		Method:        http.MethodPatch,
		Path:          "/store",
		Summary:       "Merge fields",
		Description:   "Write the named children of a path, leaving other children untouched",
		Tags:          []string{"store"},
		DefaultStatus: http.StatusNoContent,
	}, s.updateValue)

	// DELETE /store?path= - Remove a value
	huma.Register(api, huma.Operation{
		OperationID:   "delete-value",
		Method:        http.MethodDelete,
		Path:          "/store",
		Summary:       "Remove a value",
		Description:   "Remove the subtree at a path",
		Tags:          []string{"store"},
		DefaultStatus: http.StatusNoContent,
	}, s.deleteValue)

	if reporter, ok := s.cluster.(QueueReporter); ok {
		// GET /cluster/queues - Device backlog
		huma.Register(api, huma.Operation{
			OperationID: "cluster-queues",
			Method:      http.MethodGet,
			Path:        "/cluster/queues",
			Summary:     "Device backlog",
			Description: "Ask every device in the cluster for its pending count and breaker state",
			Tags:        []string{"health"},
		}, func(ctx context.Context, input *struct{}) (*QueueDepthsResponse, error) {
			depths, err := reporter.QueueDepths(queueDepthTimeout)
			if err != nil {
				return nil, huma.Error502BadGateway("Failed to query devices", err)
			}
			resp := &QueueDepthsResponse{}
			resp.Body.Devices = depths
			for _, d := range depths {
				resp.Body.TotalPending += d.Pending
			}
			return resp, nil
		})
	}
}

// Request/Response types

type PathParam struct {
	Path string `query:"path" required:"true" doc:"Slash separated path, e.g. forms/f1"`
}

type GetValueResponse struct {
	Body struct {
		Path  string `json:"path" doc:"Normalized path"`
		Value any    `json:"value" doc:"Stored value"`
	}
}

type SetValueRequest struct {
	PathParam
	Body struct {
		Value any `json:"value" doc:"New value; null removes the path"`
	}
}

type QueueDepthsResponse struct {
	Body struct {
		TotalPending int                  `json:"total_pending" doc:"Operations waiting on all responding devices"`
		Devices      []cluster.QueueDepth `json:"devices" doc:"Per device backlog"`
	}
}

type UpdateValueRequest struct {
	PathParam
	Body struct {
		Fields map[string]any `json:"fields" doc:"Children to write"`
	}
}

// Handler implementations

func (s *Server) getValue(ctx context.Context, input *PathParam) (*GetValueResponse, error) {
	value, found, err := s.db.GetPath(input.Path)
	if err != nil {
		return nil, storeError("Failed to read value", err)
	}
	if !found {
		return nil, huma.Error404NotFound("Nothing stored at " + database.NormalizePath(input.Path))
	}

	resp := &GetValueResponse{}
	resp.Body.Path = database.NormalizePath(input.Path)
	resp.Body.Value = value
	return resp, nil
}

func (s *Server) setValue(ctx context.Context, input *SetValueRequest) (*struct{}, error) {
	if err := s.db.SetPath(input.Path, input.Body.Value); err != nil {
		return nil, storeError("Failed to set value", err)
	}
	return nil, nil
}

func (s *Server) updateValue(ctx context.Context, input *UpdateValueRequest) (*struct{}, error) {
	if err := s.db.UpdatePath(input.Path, input.Body.Fields); err != nil {
		return nil, storeError("Failed to update value", err)
	}
	return nil, nil
}

func (s *Server) deleteValue(ctx context.Context, input *PathParam) (*struct{}, error) {
	if err := s.db.DeletePath(input.Path); err != nil {
		return nil, storeError("Failed to delete value", err)
	}
	return nil, nil
}

func storeError(msg string, err error) error {
	if errors.Is(err, database.ErrInvalidPath) {
		return huma.Error400BadRequest(err.Error())
	}
	return huma.Error500InternalServerError(msg, err)
}
