// Package devices keeps the set of configured inverters. Each entry owns
// one running hub; callers hold the entry id instead of looking hubs up
// in a global table.
package devices

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/modbus"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"github.com/KevinKickass/SajModbusHub/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrDuplicateName = errors.New("inverter name already registered")

type Entry struct {
	ID       uuid.UUID
	Config   config.InverterConfig
	Hub      *hub.Hub
	LoadedAt time.Time
}

func (e *Entry) Info() types.InverterInfo {
	info := types.InverterInfo{
		ID:        e.ID,
		Name:      e.Config.Name,
		UnitID:    uint8(e.Config.UnitID),
		Transport: e.Config.Transport,
		State:     e.Hub.State().String(),
	}
	if e.Config.Transport == config.TransportTCP {
		info.Host, info.Port = e.Config.Host, e.Config.Port
	} else {
		info.Host = e.Config.Serial.Device
	}
	if snap := e.Hub.Snapshot(); snap != nil {
		info.Generation = snap.Generation
	}
	return info
}

// TransportFactory builds the device link for one inverter.
type TransportFactory func(cfg config.InverterConfig, timeout time.Duration, logger *zap.Logger) hub.Transport

// ModbusTransport is the production factory.
func ModbusTransport(cfg config.InverterConfig, timeout time.Duration, logger *zap.Logger) hub.Transport {
	return modbus.NewClient(modbus.Config{
		Mode:     modbus.Mode(cfg.Transport),
		Address:  fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		UnitID:   uint8(cfg.UnitID),
		Timeout:  timeout,
		Device:   cfg.Serial.Device,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		Parity:   cfg.Serial.Parity,
		StopBits: cfg.Serial.StopBits,
	}, logger)
}

// Hook is run for every entry after setup. The returned function, if any,
// is called when the entry is unloaded.
type Hook func(*Entry) (detach func())

type Registry struct {
	modbusCfg    config.ModbusConfig
	regs         *registers.Map
	newTransport TransportFactory
	metrics      *hub.Metrics
	logger       *zap.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
	hooks   []Hook
	detach  map[uuid.UUID][]func()
}

func NewRegistry(modbusCfg config.ModbusConfig, regs *registers.Map, factory TransportFactory, metrics *hub.Metrics, logger *zap.Logger) *Registry {
	if factory == nil {
		factory = ModbusTransport
	}
	return &Registry{
		modbusCfg:    modbusCfg,
		regs:         regs,
		newTransport: factory,
		metrics:      metrics,
		logger:       logger,
		entries:      make(map[uuid.UUID]*Entry),
		detach:       make(map[uuid.UUID][]func()),
	}
}

// OnSetup registers h for entries set up later and runs it for the
// entries that already exist.
func (r *Registry) OnSetup(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	existing := r.sortedLocked()
	r.mu.Unlock()

	for _, e := range existing {
		r.attach(e, h)
	}
}

func (r *Registry) attach(e *Entry, h Hook) {
	d := h(e)
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok {
		// Entry wurde zwischenzeitlich entladen
		d()
		return
	}
	r.detach[e.ID] = append(r.detach[e.ID], d)
}

func (r *Registry) hubOptions(cfg config.InverterConfig) hub.Options {
	m := r.modbusCfg
	return hub.Options{
		Name:           cfg.Name,
		ScanInterval:   cfg.Interval(),
		Timeout:        m.DefaultTimeout,
		ReconnectAfter: m.ReconnectAfter,
		BackoffFloor:   m.BackoffFloor,
		BackoffCeiling: m.BackoffCeiling,
		StopTimeout:    m.StopTimeout,
		BlockPause:     m.BlockPause,
	}
}

// Setup validates cfg, builds the hub and runs its first cycle. The
// entry is registered and started only when that cycle succeeded.
func (r *Registry) Setup(ctx context.Context, cfg config.InverterConfig) (*Entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inverter config: %w", err)
	}
	if _, exists := r.GetByName(cfg.Name); exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}

	logger := r.logger.With(zap.String("inverter", cfg.Name))
	transport := r.newTransport(cfg, r.modbusCfg.DefaultTimeout, logger)

	h, err := hub.Setup(ctx, r.hubOptions(cfg), r.regs, transport, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:       uuid.New(),
		Config:   cfg,
		Hub:      h,
		LoadedAt: time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.byNameLocked(cfg.Name); exists {
		r.mu.Unlock()
		_ = h.Stop(ctx)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}
	r.entries[entry.ID] = entry
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()

	for _, hook := range hooks {
		r.attach(entry, hook)
	}
	h.Start()

	r.logger.Info("Inverter loaded",
		zap.String("id", entry.ID.String()),
		zap.String("name", cfg.Name),
		zap.String("address", cfg.Address()),
		zap.Uint64("generation", h.Snapshot().Generation))

	return entry, nil
}

// Unload stops the entry's hub and detaches its observers. It reports
// false for an unknown id.
func (r *Registry) Unload(ctx context.Context, id uuid.UUID) bool {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	detach := r.detach[id]
	delete(r.detach, id)
	r.mu.Unlock()

	for _, d := range detach {
		d()
	}
	if err := entry.Hub.Stop(ctx); err != nil {
		r.logger.Warn("Hub stop incomplete",
			zap.String("name", entry.Config.Name),
			zap.Error(err))
	}
	r.metrics.Forget(entry.Config.Name)

	r.logger.Info("Inverter unloaded", zap.String("name", entry.Config.Name))
	return true
}

func (r *Registry) Get(id uuid.UUID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[id]
	return entry, exists
}

// GetByName matches case-insensitively.
func (r *Registry) GetByName(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byNameLocked(name)
}

func (r *Registry) byNameLocked(name string) (*Entry, bool) {
	for _, e := range r.entries {
		if strings.EqualFold(e.Config.Name, name) {
			return e, true
		}
	}
	return nil, false
}

// Lookup resolves an entry by uuid or by name.
func (r *Registry) Lookup(ref string) (*Entry, bool) {
	if id, err := uuid.Parse(ref); err == nil {
		return r.Get(id)
	}
	return r.GetByName(ref)
}

// List returns all entries ordered by name.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []*Entry {
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *Entry) int {
		return strings.Compare(a.Config.Name, b.Config.Name)
	})
	return entries
}

// StopAll unloads every entry.
func (r *Registry) StopAll(ctx context.Context) {
	for _, e := range r.List() {
		r.Unload(ctx, e.ID)
	}
}
