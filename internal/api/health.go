package signerapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aegis-sign/cardsigner/internal/infra/agentprobe"
)

// AgentHealthService 是 grpc.health.v1 中代表签名代理的服务名。
const AgentHealthService = "cardsigner.SigningAgent"

// HealthServer 将 agentprobe 的状态映射到 grpc.health.v1。
type HealthServer struct {
	srv *health.Server
}

// NewHealthServer 构造 HealthServer，初始状态为 UNKNOWN。
func NewHealthServer() *HealthServer {
	srv := health.NewServer()
	srv.SetServingStatus(AgentHealthService, healthpb.HealthCheckResponse_UNKNOWN)
	return &HealthServer{srv: srv}
}

// Register 注册到 gRPC server。
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Update 作为 agentprobe.OnChange 回调使用。
func (h *HealthServer) Update(status agentprobe.Status) {
	h.srv.SetServingStatus(AgentHealthService, toServingStatus(status))
}

// Shutdown 将所有服务标记为 NOT_SERVING。
func (h *HealthServer) Shutdown() {
	h.srv.Shutdown()
}

func toServingStatus(status agentprobe.Status) healthpb.HealthCheckResponse_ServingStatus {
	switch status {
	case agentprobe.StatusServing:
		return healthpb.HealthCheckResponse_SERVING
	case agentprobe.StatusNotServing:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}
