package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/auth"
	"github.com/KevinKickass/SajModbusHub/internal/devices"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 60
	maxHistoryLimit     = 1000
	refreshTimeout      = 30 * time.Second
)

func fail(c *gin.Context, resp types.ErrorResponse) {
	c.JSON(resp.Status(), resp)
}

// entry resolves :id (uuid or name) or writes a 404.
func (s *Server) entry(c *gin.Context) (*devices.Entry, bool) {
	ref := c.Param("id")
	e, ok := s.lm.Registry().Lookup(ref)
	if !ok {
		fail(c, types.NewErrorResponse("INVERTER_404", "Inverter not found", ref))
		return nil, false
	}
	return e, true
}

// GET /api/v1/inverters
func (s *Server) listInverters(c *gin.Context) {
	entries := s.lm.Registry().List()

	inverters := make([]types.InverterInfo, 0, len(entries))
	for _, e := range entries {
		inverters = append(inverters, e.Info())
	}

	c.JSON(http.StatusOK, gin.H{
		"inverters": inverters,
		"count":     len(inverters),
	})
}

// GET /api/v1/inverters/:id
func (s *Server) getInverter(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	opts := e.Hub.Options()
	c.JSON(http.StatusOK, gin.H{
		"inverter":      e.Info(),
		"connection":    e.Hub.State(),
		"model":         e.Hub.Registers().Model,
		"scan_interval": opts.ScanInterval.String(),
		"loaded_at":     e.LoadedAt,
	})
}

// GET /api/v1/inverters/:id/snapshot
func (s *Server) getSnapshot(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	snap := e.Hub.Snapshot()
	if snap == nil {
		fail(c, types.NewErrorResponse("SNAPSHOT_503", "No data available yet", e.Hub.State().String()).For(e.Config.Name))
		return
	}
	c.JSON(http.StatusOK, snap)
}

type registerView struct {
	types.RegisterSpec
	Writable bool `json:"writable"`
}

// GET /api/v1/inverters/:id/registers[?writable=true]
func (s *Server) getRegisters(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}

	specs := e.Hub.Registers().Registers()
	if w, _ := strconv.ParseBool(c.Query("writable")); w {
		specs = e.Hub.Registers().Writable()
	}

	out := make([]registerView, 0, len(specs))
	for _, spec := range specs {
		out = append(out, registerView{RegisterSpec: spec, Writable: spec.Writable()})
	}
	c.JSON(http.StatusOK, gin.H{
		"registers": out,
		"count":     len(out),
	})
}

// GET /api/v1/inverters/:id/history?limit=n
func (s *Server) getHistory(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	history := s.lm.History()
	if history == nil {
		fail(c, types.NewErrorResponse("HISTORY_404", "History is disabled", nil))
		return
	}

	limit := defaultHistoryLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			fail(c, types.NewErrorResponse("HISTORY_400", "Invalid limit", q))
			return
		}
		limit = n
	}

	records, err := history.Recent(c.Request.Context(), e.Config.Name, limit)
	if err != nil {
		s.logger.Error("History query failed", zap.String("inverter", e.Config.Name), zap.Error(err))
		fail(c, types.NewErrorResponse("HISTORY_500", "Failed to load history", nil).For(e.Config.Name))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"inverter": e.Config.Name,
		"records":  records,
		"count":    len(records),
	})
}

type writeRequest struct {
	Register string `json:"register" binding:"required"`
	Value    any    `json:"value"`
}

// POST /api/v1/inverters/:id/write
func (s *Server) writeRegister(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}

	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, types.NewErrorResponse("WRITE_400", "Invalid request body", err.Error()))
		return
	}
	if req.Value == nil {
		fail(c, types.NewErrorResponse("WRITE_400", "Invalid request body", "value is required"))
		return
	}

	err := e.Hub.Write(c.Request.Context(), req.Register, req.Value)
	if err != nil {
		code, msg := writeStatus(err)
		fail(c, types.NewErrorResponse(code, msg, err.Error()).For(e.Config.Name))
		return
	}

	s.logger.Info("Register written via API",
		zap.String("inverter", e.Config.Name),
		zap.String("register", req.Register),
		zap.Any("value", req.Value),
		zap.String("subject", auth.Subject(c)))

	value, _ := e.Hub.Value(req.Register)
	c.JSON(http.StatusOK, gin.H{
		"register":   req.Register,
		"value":      value,
		"generation": e.Hub.Snapshot().Generation,
	})
}

// writeStatus maps a hub write failure to an error code.
func writeStatus(err error) (code, message string) {
	switch {
	case errors.Is(err, hub.ErrUnknownRegister):
		return "WRITE_404", "Unknown register"
	case errors.Is(err, hub.ErrNotWritable):
		return "WRITE_409", "Register is read-only"
	case errors.Is(err, hub.ErrOutOfRange), errors.Is(err, hub.ErrInvalidValue):
		return "WRITE_400", "Invalid value"
	case errors.Is(err, hub.ErrShuttingDown):
		return "WRITE_503", "Inverter is shutting down"
	case errors.Is(err, hub.ErrIo):
		return "WRITE_502", "Inverter did not accept the write"
	}
	return "WRITE_500", "Write failed"
}

// POST /api/v1/inverters/:id/refresh
func (s *Server) refreshInverter(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), refreshTimeout)
	defer cancel()

	err := e.Hub.Refresh(ctx)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, e.Hub.Snapshot())
	case errors.Is(err, hub.ErrCycleInFlight):
		fail(c, types.NewErrorResponse("REFRESH_409", "A poll cycle is already running", nil).For(e.Config.Name))
	case errors.Is(err, hub.ErrShuttingDown), errors.Is(err, hub.ErrReconnectPending):
		fail(c, types.NewErrorResponse("REFRESH_503", "Inverter unavailable", err.Error()).For(e.Config.Name))
	default:
		fail(c, types.NewErrorResponse("REFRESH_502", "Poll cycle failed", err.Error()).For(e.Config.Name))
	}
}
