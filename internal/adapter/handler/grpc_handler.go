package handler

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ReconcilerService is the name reported by the gRPC health service.
const ReconcilerService = "inventory.Reconciler"

type HealthHandler struct {
	server *health.Server
}

func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{server: health.NewServer()}
	h.SetServing(false)
	return h
}

func (h *HealthHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// SetServing reports the reconciler, and the server as a whole, as serving
// or not.
func (h *HealthHandler) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(ReconcilerService, status)
	h.server.SetServingStatus("", status)
}

// Shutdown marks every service not serving and ignores later updates.
func (h *HealthHandler) Shutdown() {
	h.server.Shutdown()
}
