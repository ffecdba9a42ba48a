package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/api/rest"
	"github.com/KevinKickass/SajModbusHub/internal/api/websocket"
	"github.com/KevinKickass/SajModbusHub/internal/auth"
	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/devices"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/integration/hass"
	"github.com/KevinKickass/SajModbusHub/internal/interfaces"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"github.com/KevinKickass/SajModbusHub/internal/storage"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type Option func(*LifecycleManager)

// WithTransportFactory replaces the Modbus transport, used by tests.
func WithTransportFactory(f devices.TransportFactory) Option {
	return func(lm *LifecycleManager) { lm.transportFactory = f }
}

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	transportFactory devices.TransportFactory
	promRegistry     *prometheus.Registry
	registry         *devices.Registry
	jwt              *auth.JWTHandler
	wsHub            *websocket.Hub
	health           *health.Server

	db      *storage.PostgresClient
	history *storage.History

	bridge     *hass.Bridge
	mqttClient mqtt.Client

	restServer   *rest.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener

	background context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState
	pending      map[string]config.InverterConfig

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, opts ...Option) *LifecycleManager {
	lm := &LifecycleManager{
		config:           cfg,
		logger:           logger,
		transportFactory: devices.ModbusTransport,
		promRegistry:     prometheus.NewRegistry(),
		health:           health.NewServer(),
		currentState:     StateInitializing,
		pending:          make(map[string]config.InverterConfig),
	}
	for _, opt := range opts {
		opt(lm)
	}

	lm.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	lm.registry = devices.NewRegistry(cfg.Modbus, registers.SAJH2(), lm.transportFactory,
		hub.NewMetrics(lm.promRegistry), logger)
	lm.jwt = auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL)
	lm.wsHub = websocket.NewHub(logger, lm.jwt)

	return lm
}

// Start brings up storage, MQTT, the inverters and both servers. An
// inverter whose setup fails does not fail Start; it is retried every
// setup_retry until it succeeds or the system shuts down.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting SAJ Modbus hub", zap.Int("inverters", len(lm.config.Inverters)))

	if !lm.config.Auth.IsProductionReady() {
		lm.logger.Warn("JWT secret not configured, using development secret")
	}

	lm.background, lm.cancel = context.WithCancel(context.Background())

	if err := lm.startHistory(ctx); err != nil {
		lm.setError(err)
		return err
	}

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		lm.wsHub.Run(lm.background)
	}()

	lm.registry.OnSetup(lm.wsHub.Watch)
	lm.registry.OnSetup(healthHook(lm.health))
	if lm.history != nil {
		lm.registry.OnSetup(func(e *devices.Entry) func() {
			return e.Hub.Subscribe(lm.history.Listener(e.Config.Name))
		})
	}

	lm.startMQTT()

	for _, inv := range lm.config.Inverters {
		lm.setupInverter(ctx, inv)
	}
	if lm.pendingCount() > 0 {
		lm.wg.Add(1)
		go func() {
			defer lm.wg.Done()
			lm.retryPending(lm.background)
		}()
	}

	if err := lm.startGRPCServer(); err != nil {
		err = fmt.Errorf("failed to start gRPC: %w", err)
		lm.setError(err)
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		err = fmt.Errorf("failed to start REST API: %w", err)
		lm.setError(err)
		return err
	}

	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lm.refreshState()

	lm.logger.Info("System started",
		zap.Stringer("state", lm.state()),
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("mqtt", lm.bridge != nil),
		zap.Bool("history", lm.history != nil))

	return nil
}

func (lm *LifecycleManager) startHistory(ctx context.Context) error {
	if !lm.config.Database.Enabled {
		return nil
	}

	db, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	history := storage.NewHistory(db.Pool(), lm.config.Database.Retention, lm.logger)
	if err := history.EnsureSchema(ctx); err != nil {
		db.Close()
		return err
	}

	lm.db, lm.history = db, history
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		_ = history.Run(lm.background)
	}()

	lm.logger.Info("Database connected, snapshot history enabled",
		zap.Duration("retention", lm.config.Database.Retention))
	return nil
}

func (lm *LifecycleManager) startMQTT() {
	if !lm.config.MQTT.Enabled {
		return
	}
	lm.bridge = hass.NewBridge(lm.config.MQTT, lm.logger)

	client, err := hass.Connect(lm.config.MQTT, lm.bridge, lm.logger)
	if err != nil {
		// kein harter Fehler, paho versucht es weiter
		lm.logger.Warn("MQTT broker not reachable", zap.String("broker", lm.config.MQTT.Broker), zap.Error(err))
	}
	lm.mqttClient = client
	lm.registry.OnSetup(lm.bridge.Attach)

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		lm.bridge.Run(lm.background)
	}()
}

func (lm *LifecycleManager) setupInverter(ctx context.Context, inv config.InverterConfig) bool {
	_, err := lm.registry.Setup(ctx, inv)
	if err != nil {
		lm.logger.Warn("Inverter setup failed, will retry",
			zap.String("inverter", inv.Name),
			zap.Duration("retry_in", lm.config.Modbus.SetupRetry),
			zap.Error(err))

		lm.stateMu.Lock()
		lm.pending[inv.Name] = inv
		lm.stateMu.Unlock()
		return false
	}

	lm.stateMu.Lock()
	delete(lm.pending, inv.Name)
	lm.stateMu.Unlock()
	return true
}

func (lm *LifecycleManager) retryPending(ctx context.Context) {
	interval := lm.config.Modbus.SetupRetry
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lm.stateMu.RLock()
		pending := make([]config.InverterConfig, 0, len(lm.pending))
		for _, inv := range lm.pending {
			pending = append(pending, inv)
		}
		lm.stateMu.RUnlock()

		for _, inv := range pending {
			if lm.setupInverter(ctx, inv) {
				lm.logger.Info("Inverter set up after retry", zap.String("inverter", inv.Name))
			}
		}
		lm.refreshState()

		if lm.pendingCount() == 0 {
			return
		}
	}
}

func (lm *LifecycleManager) pendingCount() int {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return len(lm.pending)
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.grpcListener = lis
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)
	reflection.Register(lm.grpcServer)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.jwt, lm.promRegistry)
	return lm.restServer.Start()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		lm.shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})
	return lm.shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	lm.health.Shutdown()

	if lm.restServer != nil {
		if err := lm.restServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
	}

	if lm.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			lm.grpcServer.Stop()
		}
	}

	// Hubs stoppen, Beobachter (MQTT, WebSocket, Health) werden abgehängt
	lm.registry.StopAll(ctx)

	if lm.bridge != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := lm.bridge.Flush(flushCtx); err != nil {
			lm.logger.Warn("MQTT messages not sent before shutdown", zap.Error(err))
		}
		cancel()
		lm.bridge.Offline()
	}
	if lm.mqttClient != nil {
		lm.mqttClient.Disconnect(250)
	}

	if lm.cancel != nil {
		lm.cancel()
	}
	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err()))
	}

	if lm.db != nil {
		lm.db.Close()
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) state() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Debug("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

// refreshState switches between Running and Degraded.
func (lm *LifecycleManager) refreshState() {
	if lm.pendingCount() > 0 {
		lm.setState(StateDegraded)
	} else {
		lm.setState(StateRunning)
	}
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	entries := lm.registry.List()
	connected := 0
	for _, e := range entries {
		if e.Hub.State().Phase == hub.Connected {
			connected++
		}
	}

	lm.stateMu.RLock()
	pending := make([]string, 0, len(lm.pending))
	for name := range lm.pending {
		pending = append(pending, name)
	}
	state := lm.currentState
	lm.stateMu.RUnlock()
	slices.Sort(pending)

	return interfaces.SystemStatus{
		State:              state.String(),
		InverterCount:      len(entries),
		ConnectedInverters: connected,
		PendingInverters:   pending,
		MQTTConnected:      lm.mqttClient != nil && lm.mqttClient.IsConnected(),
		HistoryEnabled:     lm.history != nil,
	}
}

func (lm *LifecycleManager) Config() *config.Config { return lm.config }

func (lm *LifecycleManager) Registry() *devices.Registry { return lm.registry }

func (lm *LifecycleManager) History() *storage.History { return lm.history }

func (lm *LifecycleManager) JWT() *auth.JWTHandler { return lm.jwt }

// GRPCAddr returns the bound gRPC address, useful with port 0.
func (lm *LifecycleManager) GRPCAddr() net.Addr {
	if lm.grpcListener == nil {
		return nil
	}
	return lm.grpcListener.Addr()
}
