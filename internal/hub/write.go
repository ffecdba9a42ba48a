package hub

import (
	"context"

	"github.com/KevinKickass/SajModbusHub/internal/codec"
	"go.uber.org/zap"
)

// Write encodes value for the named register and sends it under the
// transport lock. On success the published snapshot is updated in place
// (same generation) until the next poll overwrites it.
func (h *Hub) Write(ctx context.Context, name string, value any) (err error) {
	defer func() { h.metrics.write(h.opts.Name, err) }()

	if h.closing.Load() {
		return &WriteError{Register: name, Kind: ErrShuttingDown}
	}

	spec, ok := h.regs.Lookup(name)
	if !ok {
		return &WriteError{Register: name, Kind: ErrUnknownRegister}
	}
	words, err := codec.Encode(spec, value)
	if err != nil {
		return &WriteError{Register: name, Kind: encodeKind(err), Err: err}
	}

	ctx, cancel := h.bind(ctx)
	defer cancel()

	if err := h.ensureConnected(ctx); err != nil {
		if h.closing.Load() {
			return &WriteError{Register: name, Kind: ErrShuttingDown, Err: err}
		}
		h.logger.Warn("Register write failed", zap.String("register", name), zap.Error(err))
		return &WriteError{Register: name, Kind: ErrIo, Err: err}
	}

	err = h.exchange(ctx, func(ctx context.Context) error {
		return h.transport.WriteBlock(ctx, spec.Address, words)
	})
	if err != nil {
		if h.closing.Load() {
			return &WriteError{Register: name, Kind: ErrShuttingDown, Err: err}
		}
		h.exchangeFailed(ctx, err)
		h.logger.Warn("Register write failed", zap.String("register", name), zap.Error(err))
		return &WriteError{Register: name, Kind: ErrIo, Err: err}
	}
	h.recordSuccess()

	decoded, err := codec.DecodeValue(spec, words)
	if err != nil {
		h.logger.DPanic("Encoded value does not decode", zap.String("register", name), zap.Error(err))
		return nil
	}

	h.logger.Info("Register written",
		zap.String("register", name),
		zap.Any("value", decoded),
		zap.Uint16s("words", words))

	h.applyOptimistic(name, decoded)
	return nil
}

func (h *Hub) applyOptimistic(name string, value any) {
	for {
		prev := h.snapshot.Load()
		if prev == nil {
			return
		}
		next := prev.with(name, value)
		if h.snapshot.CompareAndSwap(prev, next) {
			h.obs.notify(next)
			return
		}
	}
}
