// Package hub is the polling coordinator of one inverter. It owns the
// transport, runs poll cycles, publishes snapshots and serializes writes
// against the same connection.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Transport is the half-duplex link to the device.
type Transport interface {
	Connect(ctx context.Context) error
	ReadBlock(ctx context.Context, address, count uint16) ([]uint16, error)
	WriteBlock(ctx context.Context, address uint16, words []uint16) error
	Close() error
}

type Options struct {
	Name           string
	ScanInterval   time.Duration
	Timeout        time.Duration // per exchange
	ReconnectAfter int
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	StopTimeout    time.Duration
	BlockPause     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ScanInterval <= 0 {
		o.ScanInterval = 60 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 7 * time.Second
	}
	if o.ReconnectAfter <= 0 {
		o.ReconnectAfter = 3
	}
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = 2 * time.Second
	}
	if o.BackoffCeiling < o.BackoffFloor {
		o.BackoffCeiling = max(10*time.Second, o.BackoffFloor)
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	return o
}

type Hub struct {
	opts      Options
	regs      *registers.Map
	transport Transport
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	lock     *semaphore.Weighted // ein Frame zur Zeit
	snapshot atomic.Pointer[Snapshot]
	inFlight atomic.Bool
	obs      *observers

	// cycle-owned, guarded by inFlight
	static map[string]map[string]any

	stateMu     sync.Mutex
	state       ConnectionState
	failures    int
	needConnect bool
	backoff     backoff

	life     context.Context
	cancel   context.CancelFunc
	runMu    sync.Mutex
	closing  atomic.Bool
	cycles   sync.WaitGroup
	started  atomic.Bool
	stopCh   chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New builds a hub without touching the device. Use Setup to get a hub
// that has published its first snapshot.
func New(opts Options, regs *registers.Map, transport Transport, logger *zap.Logger, metrics *Metrics) *Hub {
	opts = opts.withDefaults()
	life, cancel := context.WithCancel(context.Background())

	return &Hub{
		opts:        opts,
		regs:        regs,
		transport:   transport,
		logger:      logger.Named("hub").With(zap.String("inverter", opts.Name)),
		metrics:     metrics,
		now:         time.Now,
		lock:        semaphore.NewWeighted(1),
		obs:         newObservers(),
		static:      make(map[string]map[string]any),
		needConnect: true,
		backoff:     backoff{floor: opts.BackoffFloor, ceiling: opts.BackoffCeiling},
		life:        life,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
}

// Setup builds a hub and runs one synchronous cycle. On failure the
// transport is closed and no hub is returned.
func Setup(ctx context.Context, opts Options, regs *registers.Map, transport Transport, logger *zap.Logger, metrics *Metrics) (*Hub, error) {
	h := New(opts, regs, transport, logger, metrics)
	if err := h.Refresh(ctx); err != nil {
		h.cancel()
		if cerr := transport.Close(); cerr != nil {
			h.logger.Debug("Closing transport after failed setup", zap.Error(cerr))
		}
		return nil, fmt.Errorf("setup %s: %w", h.opts.Name, err)
	}
	return h, nil
}

func (h *Hub) Name() string { return h.opts.Name }

func (h *Hub) Registers() *registers.Map { return h.regs }

func (h *Hub) Options() Options { return h.opts }

// Snapshot returns the published generation, nil before the first cycle.
func (h *Hub) Snapshot() *Snapshot { return h.snapshot.Load() }

// Value reads one register from the published snapshot. ok is false when
// the value is unavailable.
func (h *Hub) Value(name string) (any, bool) {
	return h.snapshot.Load().Value(name)
}

func (h *Hub) State() ConnectionState {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

// Subscribe registers l for snapshot notifications.
func (h *Hub) Subscribe(l Listener) (unsubscribe func()) {
	return h.obs.add(l)
}

func (h *Hub) OnStateChange(l StateListener) (unsubscribe func()) {
	return h.obs.addState(l)
}

// Start runs the poll loop in the background. Calling it again has no effect.
func (h *Hub) Start() {
	if h.closing.Load() || !h.started.CompareAndSwap(false, true) {
		return
	}
	go h.loop()

	h.logger.Info("Hub started", zap.Duration("interval", h.opts.ScanInterval))
}

func (h *Hub) loop() {
	defer close(h.loopDone)

	ticker := time.NewTicker(h.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			err := h.Refresh(h.life)
			switch {
			case err == nil:
			case errors.Is(err, ErrCycleInFlight), errors.Is(err, ErrReconnectPending):
				h.logger.Debug("Scheduled cycle skipped", zap.Error(err))
			case errors.Is(err, ErrShuttingDown):
				return
			default:
				h.logger.Warn("Poll cycle failed", zap.Error(err), zap.Stringer("state", h.State()))
			}

			// Tick, der während des Zyklus auflief, verwerfen
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// Refresh runs one poll cycle now. It fails with ErrCycleInFlight when a
// cycle is already running.
func (h *Hub) Refresh(ctx context.Context) error {
	h.runMu.Lock()
	if h.closing.Load() {
		h.runMu.Unlock()
		return ErrShuttingDown
	}
	if !h.inFlight.CompareAndSwap(false, true) {
		h.runMu.Unlock()
		return ErrCycleInFlight
	}
	h.cycles.Add(1)
	h.runMu.Unlock()

	defer func() {
		h.inFlight.Store(false)
		h.cycles.Done()
	}()

	ctx, cancel := h.bind(ctx)
	defer cancel()

	start := h.now()
	err := h.cycle(ctx)
	h.metrics.cycle(h.opts.Name, cycleResult(err), h.now().Sub(start))
	return err
}

func cycleResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReconnectPending):
		return "skipped"
	default:
		return "error"
	}
}

// Stop ends the loop and waits for an in-flight cycle up to StopTimeout.
// A cycle still running after that is abandoned. The transport is closed
// and all observers are dropped either way.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { h.stopErr = h.stop(ctx) })
	return h.stopErr
}

func (h *Hub) stop(ctx context.Context) error {
	h.runMu.Lock()
	h.closing.Store(true)
	h.runMu.Unlock()
	close(h.stopCh)

	done := make(chan struct{})
	go func() {
		h.cycles.Wait()
		if h.started.Load() {
			<-h.loopDone
		}
		close(done)
	}()

	timer := time.NewTimer(h.opts.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrCycleAbandoned
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrCycleAbandoned, ctx.Err())
	}
	h.cancel()

	if err != nil {
		h.logger.Warn("Stop did not wait for in-flight cycle", zap.Error(err))
	}
	if cerr := h.transport.Close(); cerr != nil {
		h.logger.Warn("Closing transport failed", zap.Error(cerr))
	}

	h.updateState(func() {
		h.needConnect = true
		h.state = ConnectionState{Phase: Disconnected}
	})

	h.obs.clear()
	h.logger.Info("Hub stopped")
	return err
}

// bind cancels ctx when the hub is torn down.
func (h *Hub) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(h.life, func() { cancel(ErrShuttingDown) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// exchange runs fn under the transport lock with the per-exchange timeout.
func (h *Hub) exchange(ctx context.Context, fn func(context.Context) error) error {
	if err := h.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.lock.Release(1)

	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()
	return fn(ctx)
}
