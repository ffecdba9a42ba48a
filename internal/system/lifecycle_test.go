package system

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"
)

type flakyTransport struct {
	mu         sync.Mutex
	failures   int
	regs       map[uint16]uint16
	disconnect bool
}

func (f *flakyTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyTransport) Close() error { return nil }

func (f *flakyTransport) ReadBlock(_ context.Context, address, count uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnect {
		return nil, io.EOF
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = f.regs[address+uint16(i)]
	}
	return words, nil
}

func (f *flakyTransport) WriteBlock(context.Context, uint16, []uint16) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPPort: 0, GRPCPort: 0},
		Modbus: config.ModbusConfig{SetupRetry: 20 * time.Millisecond},
		Inverters: []config.InverterConfig{
			{Name: "roof", Host: "10.0.0.5", Port: 502, UnitID: 1, ScanInterval: 60, Transport: config.TransportTCP},
			{Name: "garage", Host: "10.0.0.6", Port: 502, UnitID: 1, ScanInterval: 60, Transport: config.TransportTCP},
		},
		Auth: config.AuthConfig{JWTSecretEnv: "SAJ_TEST_UNSET_SECRET", AccessTokenTTL: time.Hour},
	}
}

func start(t *testing.T, transports map[string]*flakyTransport) *LifecycleManager {
	t.Helper()
	factory := func(cfg config.InverterConfig, _ time.Duration, _ *zap.Logger) hub.Transport {
		return transports[cfg.Name]
	}
	lm := NewLifecycleManager(testConfig(), zaptest.NewLogger(t), WithTransportFactory(factory))
	assert.NilError(t, lm.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.Shutdown(ctx)
	})
	return lm
}

func healthy() *flakyTransport {
	return &flakyTransport{regs: map[uint16]uint16{registers.AddrRealtime: 2}}
}

func checkHealth(t *testing.T, lm *LifecycleManager, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	conn, err := grpc.NewClient(lm.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	assert.NilError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	assert.NilError(t, err)
	return resp.Status
}

func TestStartSetsUpInverters(t *testing.T) {
	lm := start(t, map[string]*flakyTransport{"roof": healthy(), "garage": healthy()})

	status := lm.GetCurrentStatus()
	assert.Equal(t, status.State, "RUNNING")
	assert.Equal(t, status.InverterCount, 2)
	assert.Equal(t, status.ConnectedInverters, 2)
	assert.Check(t, is.Len(status.PendingInverters, 0))
	assert.Check(t, !status.HistoryEnabled)

	assert.Equal(t, checkHealth(t, lm, ""), healthpb.HealthCheckResponse_SERVING)
	assert.Equal(t, checkHealth(t, lm, ServiceName("roof")), healthpb.HealthCheckResponse_SERVING)
}

func TestFailedSetupIsRetried(t *testing.T) {
	garage := healthy()
	garage.failures = 3
	lm := start(t, map[string]*flakyTransport{"roof": healthy(), "garage": garage})

	status := lm.GetCurrentStatus()
	assert.Equal(t, status.State, "DEGRADED")
	assert.DeepEqual(t, status.PendingInverters, []string{"garage"})
	_, ok := lm.Registry().GetByName("garage")
	assert.Check(t, !ok)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s := lm.GetCurrentStatus(); s.State != "RUNNING" {
			return poll.Continue("state %s, pending %v", s.State, s.PendingInverters)
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	_, ok = lm.Registry().GetByName("garage")
	assert.Check(t, ok)
}

func TestHealthFollowsConnectionState(t *testing.T) {
	roof := healthy()
	lm := start(t, map[string]*flakyTransport{"roof": roof, "garage": healthy()})

	e, ok := lm.Registry().GetByName("roof")
	assert.Assert(t, ok)

	roof.mu.Lock()
	roof.disconnect = true
	roof.mu.Unlock()
	assert.Assert(t, e.Hub.Refresh(context.Background()) != nil)

	assert.Equal(t, checkHealth(t, lm, ServiceName("roof")), healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Equal(t, checkHealth(t, lm, ServiceName("garage")), healthpb.HealthCheckResponse_SERVING)
}

func TestRESTServesRegistry(t *testing.T) {
	lm := start(t, map[string]*flakyTransport{"roof": healthy(), "garage": healthy()})

	w := httptest.NewRecorder()
	lm.restServer.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/inverters/garage/snapshot", nil))
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Check(t, is.Contains(w.Body.String(), `"mpvstatus":"Running"`))
}

func TestShutdown(t *testing.T) {
	lm := start(t, map[string]*flakyTransport{"roof": healthy(), "garage": healthy()})

	assert.NilError(t, lm.Shutdown(context.Background()))
	assert.NilError(t, lm.Shutdown(context.Background()))

	status := lm.GetCurrentStatus()
	assert.Equal(t, status.State, "STOPPED")
	assert.Equal(t, status.InverterCount, 0)
}

func TestValidateTransition(t *testing.T) {
	assert.NilError(t, ValidateTransition(StateInitializing, StateDegraded))
	assert.NilError(t, ValidateTransition(StateDegraded, StateRunning))
	assert.NilError(t, ValidateTransition(StateRunning, StateStopping))
	assert.ErrorContains(t, ValidateTransition(StateStopped, StateRunning), "invalid state transition")
	assert.ErrorContains(t, ValidateTransition(SystemState(42), StateRunning), "invalid current state")
}
