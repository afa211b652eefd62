package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/c.mueller/offline-sync/internal/engine"
	"github.com/c.mueller/offline-sync/internal/models"
	"github.com/c.mueller/offline-sync/internal/status"
)

// Engine is the part of the sync engine exposed over HTTP
type Engine interface {
	Enqueue(op models.Operation) (models.QueueItem, error)
	Pending() []models.QueueItem
	ProcessQueue(ctx context.Context) engine.PassResult
	RetryAll() error
	ResetCircuitBreaker()
	Breaker() models.BreakerSnapshot
	Subscribe(fn status.Subscriber) func()
	SaveForm(id string, record map[string]any) (models.QueueItem, error)
	DeleteForm(id string) (models.QueueItem, error)
	SaveSites(sites []string) (models.QueueItem, error)
	SaveTraining(records []any) (models.QueueItem, error)
}

// eventBuffer bounds how far a slow SSE client may fall behind before
// events are dropped for it.
const eventBuffer = 64

func (s *Server) registerDeviceRoutes(api huma.API) {
	// POST /queue - Enqueue an operation
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue",
		Method:        http.MethodPost,
		Path:          "/queue",
		Summary:       "Enqueue an operation",
		Description:   "Queue a granular (set, update, delete) or legacy collection write for sync",
		Tags:          []string{"queue"},
		DefaultStatus: http.StatusAccepted,
	}, s.enqueue)

	// GET /queue - List pending operations
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List pending operations",
		Description: "Get the queued operations in sync order",
		Tags:        []string{"queue"},
	}, s.listQueue)

	// POST /queue/flush - Run a sync pass now
	huma.Register(api, huma.Operation{
		OperationID: "flush-queue",
		Method:      http.MethodPost,
		Path:        "/queue/flush",
		Summary:     "Flush the queue",
		Description: "Run a sync pass now and report its outcome",
		Tags:        []string{"queue"},
	}, s.flushQueue)

	// POST /queue/retry-all - Reset attempts
	huma.Register(api, huma.Operation{
		OperationID:   "retry-all",
		Method:        http.MethodPost,
		Path:          "/queue/retry-all",
		Summary:       "Retry everything",
		Description:   "Reset every item's attempt counter and backoff, then schedule a pass",
		Tags:          []string{"queue"},
		DefaultStatus: http.StatusAccepted,
	}, s.retryAll)

	// GET /breaker - Circuit breaker state
	huma.Register(api, huma.Operation{
		OperationID: "get-breaker",
		Method:      http.MethodGet,
		Path:        "/breaker",
		Summary:     "Circuit breaker state",
		Tags:        []string{"breaker"},
	}, s.getBreaker)

	// POST /breaker/reset - Manual reset
	huma.Register(api, huma.Operation{
		OperationID: "reset-breaker",
		Method:      http.MethodPost,
		Path:        "/breaker/reset",
		Summary:     "Reset the circuit breaker",
		Description: "Close the circuit regardless of its state and schedule a pass",
		Tags:        []string{"breaker"},
	}, s.resetBreaker)

	// POST /forms/{id} - Save a form record
	huma.Register(api, huma.Operation{
		OperationID:   "save-form",
		Method:        http.MethodPost,
		Path:          "/forms/{id}",
		Summary:       "Save a form",
		Description:   "Queue a per-record update of a form",
		Tags:          []string{"forms"},
		DefaultStatus: http.StatusAccepted,
	}, s.saveForm)

	// DELETE /forms/{id} - Delete a form record
	huma.Register(api, huma.Operation{
		OperationID:   "delete-form",
		Method:        http.MethodDelete,
		Path:          "/forms/{id}",
		Summary:       "Delete a form",
		Tags:          []string{"forms"},
		DefaultStatus: http.StatusAccepted,
	}, s.deleteForm)

	// PUT /sites - Replace the sites list
	huma.Register(api, huma.Operation{
		OperationID:   "save-sites",
		Method:        http.MethodPut,
		Path:          "/sites",
		Summary:       "Replace sites",
		Description:   "Queue a full replacement of the sites list",
		Tags:          []string{"collections"},
		DefaultStatus: http.StatusAccepted,
	}, s.saveSites)

	// PUT /training - Replace the training records
	huma.Register(api, huma.Operation{
		OperationID:   "save-training",
		Method:        http.MethodPut,
		Path:          "/training",
		Summary:       "Replace training records",
		Tags:          []string{"collections"},
		DefaultStatus: http.StatusAccepted,
	}, s.saveTraining)

	// GET /events - Status event stream
	sse.Register(api, huma.Operation{
		OperationID: "status-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Status events",
		Description: "Server-sent stream of queued, synced, failed, circuit_open and circuit_reset events",
		Tags:        []string{"events"},
	}, map[string]any{
		"status": models.StatusEvent{},
	}, s.streamEvents)
}

// Request/Response types

type EnqueueRequest struct {
	Body models.EnqueueInput
}

type QueueItemResponse struct {
	Body models.QueueItemView
}

type ListQueueResponse struct {
	Body struct {
		Pending int                    `json:"pending" doc:"Number of queued operations"`
		Items   []models.QueueItemView `json:"items" doc:"Queued operations in sync order"`
	}
}

type FlushResponse struct {
	Body engine.PassResult
}

type BreakerResponse struct {
	Body models.BreakerSnapshot
}

type FormIDParam struct {
	ID string `path:"id" minLength:"1" pattern:"^[^/]+$" doc:"Form ID"`
}

type SaveFormRequest struct {
	FormIDParam
	Body map[string]any
}

type SaveSitesRequest struct {
	Body struct {
		Sites []string `json:"sites" doc:"Site names; blanks and duplicates are dropped"`
	}
}

type SaveTrainingRequest struct {
	Body struct {
		Records []any `json:"records" doc:"Training records"`
	}
}

// Handler implementations

func (s *Server) enqueue(ctx context.Context, input *EnqueueRequest) (*QueueItemResponse, error) {
	op, err := input.Body.ToOperation()
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	return queued(s.engine.Enqueue(op))
}

func (s *Server) listQueue(ctx context.Context, input *struct{}) (*ListQueueResponse, error) {
	items := s.engine.Pending()

	resp := &ListQueueResponse{}
	resp.Body.Pending = len(items)
	resp.Body.Items = make([]models.QueueItemView, len(items))
	for i, item := range items {
		resp.Body.Items[i] = models.NewQueueItemView(item)
	}
	return resp, nil
}

func (s *Server) flushQueue(ctx context.Context, input *struct{}) (*FlushResponse, error) {
	return &FlushResponse{Body: s.engine.ProcessQueue(ctx)}, nil
}

func (s *Server) retryAll(ctx context.Context, input *struct{}) (*ListQueueResponse, error) {
	if err := s.engine.RetryAll(); err != nil {
		return nil, engineError("Failed to retry queue", err)
	}
	return s.listQueue(ctx, input)
}

func (s *Server) getBreaker(ctx context.Context, input *struct{}) (*BreakerResponse, error) {
	return &BreakerResponse{Body: s.engine.Breaker()}, nil
}

func (s *Server) resetBreaker(ctx context.Context, input *struct{}) (*BreakerResponse, error) {
	s.engine.ResetCircuitBreaker()
	return &BreakerResponse{Body: s.engine.Breaker()}, nil
}

func (s *Server) saveForm(ctx context.Context, input *SaveFormRequest) (*QueueItemResponse, error) {
	return queued(s.engine.SaveForm(input.ID, input.Body))
}

func (s *Server) deleteForm(ctx context.Context, input *FormIDParam) (*QueueItemResponse, error) {
	return queued(s.engine.DeleteForm(input.ID))
}

func (s *Server) saveSites(ctx context.Context, input *SaveSitesRequest) (*QueueItemResponse, error) {
	return queued(s.engine.SaveSites(input.Body.Sites))
}

func (s *Server) saveTraining(ctx context.Context, input *SaveTrainingRequest) (*QueueItemResponse, error) {
	return queued(s.engine.SaveTraining(input.Body.Records))
}

func (s *Server) streamEvents(ctx context.Context, input *struct{}, send sse.Sender) {
	events := make(chan models.StatusEvent, eventBuffer)
	unsubscribe := s.engine.Subscribe(func(ev models.StatusEvent) {
		select {
		case events <- ev:
		default:
			// Client is too slow; drop rather than stall the engine.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := send.Data(ev); err != nil {
				return
			}
		}
	}
}

func queued(item models.QueueItem, err error) (*QueueItemResponse, error) {
	if err != nil {
		return nil, engineError("Failed to enqueue", err)
	}
	return &QueueItemResponse{Body: models.NewQueueItemView(item)}, nil
}

func engineError(msg string, err error) error {
	if errors.Is(err, engine.ErrCircuitOpen) {
		return huma.Error503ServiceUnavailable("Sync paused: " + err.Error())
	}
	return huma.Error400BadRequest(msg, err)
}
