package hub

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/codec"
	"github.com/KevinKickass/SajModbusHub/internal/modbus"
	"github.com/KevinKickass/SajModbusHub/internal/types"
	"go.uber.org/zap"
)

// cycle reads all blocks in map order into a staged copy and publishes it
// only if every block succeeded.
func (h *Hub) cycle(ctx context.Context) error {
	if err := h.ensureConnected(ctx); err != nil {
		return err
	}

	staged := make(map[string]any)
	read := 0
	for _, block := range h.regs.Blocks {
		if cached, ok := h.static[block.Name]; ok {
			maps.Copy(staged, cached)
			continue
		}

		if read > 0 && h.opts.BlockPause > 0 {
			if err := sleep(ctx, h.opts.BlockPause); err != nil {
				return err
			}
		}
		read++

		words, err := h.readBlock(ctx, block)
		if err != nil {
			h.exchangeFailed(ctx, err)
			return fmt.Errorf("read block %s: %w", block.Name, err)
		}
		h.recordSuccess()

		values, err := codec.Decode(block, words)
		if err != nil {
			h.logger.DPanic("Register map does not match device response",
				zap.String("block", block.Name), zap.Error(err))
			return fmt.Errorf("decode block %s: %w", block.Name, err)
		}
		if block.Static {
			h.static[block.Name] = values
		}
		maps.Copy(staged, values)
	}

	if h.regs.Derive != nil {
		h.regs.Derive(staged)
	}
	h.publish(staged)
	return nil
}

func (h *Hub) readBlock(ctx context.Context, block types.RegisterBlock) ([]uint16, error) {
	var words []uint16
	err := h.exchange(ctx, func(ctx context.Context) error {
		var err error
		words, err = h.transport.ReadBlock(ctx, block.Address, block.Count)
		return err
	})
	return words, err
}

// ensureConnected (re)opens the transport when a reconnect is due and the
// backoff window has passed.
func (h *Hub) ensureConnected(ctx context.Context) error {
	var (
		need bool
		wait time.Duration
	)
	h.updateState(func() {
		need = h.needConnect
		if !need {
			return
		}
		if wait = h.backoff.wait(h.now()); wait > 0 {
			return
		}
		// claimed; a concurrent Write queues on the lock behind this attempt
		h.needConnect = false
		h.backoff.attempt(h.now())
		if h.state.Phase == Disconnected {
			h.state = ConnectionState{Phase: Connecting}
		}
	})
	if !need {
		return nil
	}
	if wait > 0 {
		return fmt.Errorf("%w: next attempt in %s", ErrReconnectPending, wait)
	}

	h.metrics.reconnect(h.opts.Name)
	h.logger.Info("Connecting to inverter")

	err := h.exchange(ctx, func(ctx context.Context) error {
		if err := h.transport.Close(); err != nil {
			h.logger.Debug("Closing stale transport", zap.Error(err))
		}
		return h.transport.Connect(ctx)
	})
	if err != nil {
		h.updateState(func() { h.needConnect = true })
		h.exchangeFailed(ctx, err)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// exchangeFailed counts err as a connection failure unless ctx ended
// first. A transport that dropped its connection is reopened before the
// next exchange in either case.
func (h *Hub) exchangeFailed(ctx context.Context, err error) {
	if ctx.Err() == nil {
		h.recordFailure(err)
		return
	}
	if modbus.DropsConnection(err) {
		h.updateState(func() { h.needConnect = true })
	}
}

func (h *Hub) recordFailure(err error) {
	h.updateState(func() {
		h.failures++
		if modbus.DropsConnection(err) || h.failures >= h.opts.ReconnectAfter {
			h.needConnect = true
		}
		h.state = failing(h.failures)
	})
}

func (h *Hub) recordSuccess() {
	h.updateState(func() {
		h.failures = 0
		h.backoff.reset()
		h.state = ConnectionState{Phase: Connected}
	})
}

// updateState runs fn under stateMu and reports a resulting transition
// to the state listeners after unlocking.
func (h *Hub) updateState(fn func()) {
	h.stateMu.Lock()
	old := h.state
	fn()
	s := h.state
	h.stateMu.Unlock()

	if old == s {
		return
	}
	h.metrics.connection(h.opts.Name, s)
	h.logger.Debug("Connection state changed",
		zap.Stringer("from", old), zap.Stringer("to", s))
	h.obs.notifyState(old, s)
}

// publish stores staged as the next generation and notifies once.
func (h *Hub) publish(staged map[string]any) *Snapshot {
	var next *Snapshot
	for {
		prev := h.snapshot.Load()
		var gen uint64 = 1
		if prev != nil {
			gen = prev.Generation + 1
		}
		next = &Snapshot{values: staged, Generation: gen, Timestamp: h.now()}
		if h.snapshot.CompareAndSwap(prev, next) {
			break
		}
	}

	h.metrics.published(h.opts.Name, next.Generation)
	h.logger.Debug("Snapshot published",
		zap.Uint64("generation", next.Generation),
		zap.Int("values", len(staged)))
	h.obs.notify(next)
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
