package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/api/websocket"
	"github.com/KevinKickass/SajModbusHub/internal/auth"
	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/devices"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/interfaces"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"github.com/KevinKickass/SajModbusHub/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type memTransport struct {
	mu       sync.Mutex
	regs     map[uint16]uint16
	writes   int
	writeErr error
}

func (m *memTransport) Connect(context.Context) error { return nil }
func (m *memTransport) Close() error                  { return nil }

func (m *memTransport) ReadBlock(_ context.Context, address, count uint16) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	words := make([]uint16, count)
	for i := range words {
		words[i] = m.regs[address+uint16(i)]
	}
	return words, nil
}

func (m *memTransport) WriteBlock(_ context.Context, address uint16, words []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	for i, w := range words {
		m.regs[address+uint16(i)] = w
	}
	return nil
}

type fakeLifecycle struct {
	cfg      *config.Config
	registry *devices.Registry
}

func (f *fakeLifecycle) Config() *config.Config      { return f.cfg }
func (f *fakeLifecycle) Registry() *devices.Registry { return f.registry }
func (f *fakeLifecycle) History() *storage.History   { return nil }
func (f *fakeLifecycle) Shutdown(context.Context) error {
	return nil
}

func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "running", InverterCount: len(f.registry.List())}
}

type fixture struct {
	handler   http.Handler
	transport *memTransport
	entry     *devices.Entry
	token     string
	viewer    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	transport := &memTransport{regs: map[uint16]uint16{registers.AddrRealtime: 2}}

	promReg := prometheus.NewRegistry()
	registry := devices.NewRegistry(config.ModbusConfig{}, registers.SAJH2(),
		func(config.InverterConfig, time.Duration, *zap.Logger) hub.Transport { return transport },
		hub.NewMetrics(promReg), logger)
	t.Cleanup(func() { registry.StopAll(context.Background()) })

	entry, err := registry.Setup(context.Background(), config.InverterConfig{
		Name: "Roof", Host: "10.0.0.5", Port: 502, UnitID: 1, ScanInterval: 60, Transport: config.TransportTCP,
	})
	assert.NilError(t, err)

	jwt := auth.NewJWTHandler("secret", time.Hour)
	token, err := jwt.GenerateAccessToken("test", auth.RoleOperator)
	assert.NilError(t, err)
	viewer, err := jwt.GenerateAccessToken("viewer", auth.RoleViewer)
	assert.NilError(t, err)

	cfg := &config.Config{}
	lm := &fakeLifecycle{cfg: cfg, registry: registry}
	srv := NewServer(cfg, lm, logger, websocket.NewHub(logger, nil), jwt, promReg)

	return &fixture{handler: srv.Handler(), transport: transport, entry: entry, token: token, viewer: viewer}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NilError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	assert.NilError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode(t, w)["error"].(map[string]any)["code"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, decode(t, w)["status"], "ok")

	w = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Check(t, is.Contains(w.Body.String(), `saj_poll_cycles_total{inverter="Roof",result="ok"} 1`))
}

func TestListAndGetInverter(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/inverters", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	body := decode(t, w)
	assert.Equal(t, body["count"], 1.0)
	first := body["inverters"].([]any)[0].(map[string]any)
	assert.Equal(t, first["name"], "Roof")
	assert.Equal(t, first["state"], "connected")

	for _, ref := range []string{f.entry.ID.String(), "roof"} {
		w = f.do(t, http.MethodGet, "/api/v1/inverters/"+ref, "", nil)
		assert.Equal(t, w.Code, http.StatusOK, ref)
		assert.Equal(t, decode(t, w)["model"], registers.ModelH2)
	}

	w = f.do(t, http.MethodGet, "/api/v1/inverters/garage", "", nil)
	assert.Equal(t, w.Code, http.StatusNotFound)
	assert.Equal(t, errorCode(t, w), "INVERTER_404")
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/inverters/roof/snapshot", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	body := decode(t, w)
	assert.Equal(t, body["generation"], 1.0)
	assert.Equal(t, body["values"].(map[string]any)["mpvstatus"], "Running")
}

func TestRegistersEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/inverters/roof/registers?writable=true", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	body := decode(t, w)
	assert.Equal(t, int(body["count"].(float64)), len(registers.SAJH2().Writable()))
	for _, r := range body["registers"].([]any) {
		assert.Equal(t, r.(map[string]any)["writable"], true)
	}
}

func TestHistoryDisabled(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/inverters/roof/history", "", nil)
	assert.Equal(t, w.Code, http.StatusNotFound)
	assert.Equal(t, errorCode(t, w), "HISTORY_404")
}

func TestWriteRequiresToken(t *testing.T) {
	f := newFixture(t)
	req := writeRequest{Register: "power_limit", Value: 50}

	w := f.do(t, http.MethodPost, "/api/v1/inverters/roof/write", "", req)
	assert.Equal(t, w.Code, http.StatusUnauthorized)

	w = f.do(t, http.MethodPost, "/api/v1/inverters/roof/write", f.viewer, req)
	assert.Equal(t, w.Code, http.StatusForbidden)

	assert.Equal(t, f.transport.writes, 0)
}

func TestWriteRegister(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/inverters/roof/write", f.token,
		writeRequest{Register: "power_limit", Value: 50})
	assert.Equal(t, w.Code, http.StatusOK)
	body := decode(t, w)
	assert.Equal(t, body["value"], 50.0)
	assert.Equal(t, body["generation"], 1.0)
	assert.Equal(t, f.transport.regs[0x3639], uint16(500))

	w = f.do(t, http.MethodPost, "/api/v1/inverters/roof/write", f.token,
		writeRequest{Register: "charging_enabled", Value: false})
	assert.Equal(t, w.Code, http.StatusOK)
}

func TestWriteErrorMapping(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		req    any
		status int
		code   string
	}{
		{"unknown register", writeRequest{Register: "nope", Value: 1}, http.StatusNotFound, "WRITE_404"},
		{"read-only", writeRequest{Register: "serial_number", Value: "X"}, http.StatusConflict, "WRITE_409"},
		{"out of range", writeRequest{Register: "power_limit", Value: 500}, http.StatusBadRequest, "WRITE_400"},
		{"bad time", writeRequest{Register: "charge_start_time", Value: "25:99"}, http.StatusBadRequest, "WRITE_400"},
		{"missing value", map[string]any{"register": "power_limit"}, http.StatusBadRequest, "WRITE_400"},
		{"missing register", map[string]any{"value": 1}, http.StatusBadRequest, "WRITE_400"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/inverters/roof/write", f.token, tc.req)
			assert.Equal(t, w.Code, tc.status)
			assert.Equal(t, errorCode(t, w), tc.code)
		})
	}
	assert.Equal(t, f.transport.writes, 0)
}

func TestWriteTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.transport.mu.Lock()
	f.transport.writeErr = errors.New("link down")
	f.transport.mu.Unlock()

	w := f.do(t, http.MethodPost, "/api/v1/inverters/roof/write", f.token,
		writeRequest{Register: "power_limit", Value: 50})
	assert.Equal(t, w.Code, http.StatusBadGateway)
	assert.Equal(t, errorCode(t, w), "WRITE_502")
}

func TestWriteStatus(t *testing.T) {
	code, _ := writeStatus(&hub.WriteError{Register: "x", Kind: hub.ErrShuttingDown})
	assert.Equal(t, code, "WRITE_503")

	code, _ = writeStatus(errors.New("other"))
	assert.Equal(t, code, "WRITE_500")
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/inverters/roof/refresh", f.token, nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, decode(t, w)["generation"], 2.0)

	assert.NilError(t, f.entry.Hub.Stop(context.Background()))
	w = f.do(t, http.MethodPost, "/api/v1/inverters/roof/refresh", f.token, nil)
	assert.Equal(t, w.Code, http.StatusServiceUnavailable)
	assert.Equal(t, errorCode(t, w), "REFRESH_503")
	assert.Equal(t, decode(t, w)["error"].(map[string]any)["inverter"], "Roof")
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/system/status", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, decode(t, w)["inverter_count"], 1.0)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodOptions, "/api/v1/inverters/roof/write", "", nil)
	assert.Equal(t, w.Code, http.StatusNoContent)
	assert.Equal(t, w.Header().Get("Access-Control-Allow-Origin"), "*")
}
