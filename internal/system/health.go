package system

import (
	"github.com/KevinKickass/SajModbusHub/internal/devices"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the grpc.health.v1 service name of one inverter.
func ServiceName(inverter string) string {
	return "saj.inverter." + inverter
}

func servingStatus(s hub.ConnectionState) healthpb.HealthCheckResponse_ServingStatus {
	if s.Phase == hub.Connected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// healthHook reports each inverter as SERVING while its hub is connected.
func healthHook(srv *health.Server) devices.Hook {
	return func(e *devices.Entry) func() {
		service := ServiceName(e.Config.Name)
		srv.SetServingStatus(service, servingStatus(e.Hub.State()))

		unsubscribe := e.Hub.OnStateChange(func(_, to hub.ConnectionState) {
			srv.SetServingStatus(service, servingStatus(to))
		})
		return func() {
			unsubscribe()
			srv.SetServingStatus(service, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
}
