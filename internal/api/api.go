package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/c.mueller/offline-sync/internal/database"
	"github.com/c.mueller/offline-sync/internal/models"
)

// Cluster interface for membership information
type Cluster interface {
	IsReady() bool
	LocalNode() string
	MemberCount() int
	GetMemberInfo() []models.ClusterMemberInfo
}

// Server holds the API server dependencies. A store node has db set, a
// device node has engine set.
type Server struct {
	db      *database.DB
	engine  Engine
	cluster Cluster
}

// NewStoreServer creates the API of a store node
func NewStoreServer(db *database.DB, cluster Cluster) *Server {
	return &Server{
		db:      db,
		cluster: cluster,
	}
}

// NewDeviceServer creates the API of a device node
func NewDeviceServer(engine Engine, cluster Cluster) *Server {
	return &Server{
		engine:  engine,
		cluster: cluster,
	}
}

// RegisterRoutes registers all API routes with the Huma API
func (s *Server) RegisterRoutes(api huma.API) {
	// GET /health/ready - Health check
	huma.Register(api, huma.Operation{
		OperationID: "health-ready",
		Method:      http.MethodGet,
		Path:        "/health/ready",
		Summary:     "Readiness check",
		Description: "Check if the node is ready to serve requests",
		Tags:        []string{"health"},
	}, s.healthReady)

	// GET /health/info - Cluster info
	huma.Register(api, huma.Operation{
		OperationID: "health-info",
		Method:      http.MethodGet,
		Path:        "/health/info",
		Summary:     "Node information",
		Description: "Get information about the node, its sync state and the cluster members",
		Tags:        []string{"health"},
	}, s.healthInfo)

	if s.db != nil {
		s.registerStoreRoutes(api)
	}
	if s.engine != nil {
		s.registerDeviceRoutes(api)
	}
}

type HealthReadyResponse struct {
	Body struct {
		Ready   bool   `json:"ready" doc:"Whether the node is ready to serve requests"`
		Message string `json:"message,omitempty" doc:"Optional status message"`
	}
}

func (s *Server) healthReady(ctx context.Context, input *struct{}) (*HealthReadyResponse, error) {
	resp := &HealthReadyResponse{}

	if s.cluster == nil {
		// No cluster, always ready
		resp.Body.Ready = true
		resp.Body.Message = "Running in standalone mode"
		return resp, nil
	}

	if s.cluster.IsReady() {
		resp.Body.Ready = true
		resp.Body.Message = "Node is ready"
		return resp, nil
	}

	return resp, huma.Error503ServiceUnavailable("Node is joining the cluster, not ready yet")
}

type HealthInfoResponse struct {
	Body struct {
		NodeName     string                     `json:"node_name" doc:"Name of this node"`
		Role         string                     `json:"role" doc:"store or device"`
		Ready        bool                       `json:"ready" doc:"Whether the node is ready to serve requests"`
		ClusterMode  bool                       `json:"cluster_mode" doc:"Whether clustering is enabled"`
		MemberCount  int                        `json:"member_count" doc:"Number of cluster members"`
		Members      []models.ClusterMemberInfo `json:"members,omitempty" doc:"List of cluster members"`
		StoredValues int                        `json:"stored_values,omitempty" doc:"Number of leaf values held by a store node"`
		Pending      int                        `json:"pending" doc:"Number of queued operations on a device node"`
		Breaker      models.BreakerState        `json:"breaker,omitempty" doc:"Circuit breaker state on a device node"`
	}
}

func (s *Server) healthInfo(ctx context.Context, input *struct{}) (*HealthInfoResponse, error) {
	resp := &HealthInfoResponse{}

	if s.db != nil {
		resp.Body.Role = "store"
		count, err := s.db.CountLeaves()
		if err != nil {
			count = -1 // Indicate error
		}
		resp.Body.StoredValues = count
	}
	if s.engine != nil {
		resp.Body.Role = "device"
		resp.Body.Pending = len(s.engine.Pending())
		resp.Body.Breaker = s.engine.Breaker().State
	}

	if s.cluster == nil {
		// Standalone mode
		resp.Body.NodeName = "standalone"
		resp.Body.Ready = true
		resp.Body.MemberCount = 1
		return resp, nil
	}

	// Cluster mode
	resp.Body.NodeName = s.cluster.LocalNode()
	resp.Body.Ready = s.cluster.IsReady()
	resp.Body.ClusterMode = true
	resp.Body.MemberCount = s.cluster.MemberCount()
	resp.Body.Members = s.cluster.GetMemberInfo()

	return resp, nil
}
