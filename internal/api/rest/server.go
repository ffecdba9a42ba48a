package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/api/websocket"
	"github.com/KevinKickass/SajModbusHub/internal/auth"
	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/interfaces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router   *gin.Engine
	lm       interfaces.LifecycleManager
	logger   *zap.Logger
	server   *http.Server
	wsHub    *websocket.Hub
	jwt      *auth.JWTHandler
	gatherer prometheus.Gatherer
	started  time.Time
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, jwt *auth.JWTHandler, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		lm:       lm,
		logger:   logger.Named("rest"),
		wsHub:    wsHub,
		jwt:      jwt,
		gatherer: gatherer,
		started:  time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener synchronously so a busy port is reported to
// the caller, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Starting REST API server", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/system/status", s.getSystemStatus)

		// ==================== INVERTERS ====================
		inverters := v1.Group("/inverters")
		{
			inverters.GET("", s.listInverters)
			inverters.GET("/:id", s.getInverter)
			inverters.GET("/:id/snapshot", s.getSnapshot)
			inverters.GET("/:id/registers", s.getRegisters)
			inverters.GET("/:id/history", s.getHistory)

			// Schreibzugriff nur mit Token
			protected := inverters.Group("")
			protected.Use(auth.Middleware(s.jwt), auth.RequirePermission(auth.PermWrite))
			{
				protected.POST("/:id/write", s.writeRegister)
				protected.POST("/:id/refresh", s.refreshInverter)
			}
		}

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}
