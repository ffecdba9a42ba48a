package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeTCP Mode = "tcp"
	ModeRTU Mode = "rtu"
)

type Config struct {
	Mode    Mode
	Address string // host:port (tcp)
	UnitID  uint8
	Timeout time.Duration

	// rtu
	Device   string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
}

func (c Config) target() string {
	if c.Mode == ModeRTU {
		return c.Device
	}
	return c.Address
}

type handler interface {
	gomodbus.ClientHandler
	Connect() error
	Close() error
}

// Client is a Modbus master for one inverter. Every exchange is bounded by
// Config.Timeout. A timed-out or abandoned exchange drops the connection so
// that a late response can never be read as the answer to the next request.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	handler   handler
	client    gomodbus.Client
	connected bool
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Mode == "" {
		cfg.Mode = ModeTCP
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 7 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("target", cfg.target())),
	}
}

func (c *Client) newHandler() handler {
	frameLog := c.frameLogger()

	if c.cfg.Mode == ModeRTU {
		h := gomodbus.NewRTUClientHandler(c.cfg.Device)
		h.BaudRate = c.cfg.BaudRate
		h.DataBits = c.cfg.DataBits
		h.Parity = c.cfg.Parity
		h.StopBits = c.cfg.StopBits
		h.SlaveId = c.cfg.UnitID
		h.Timeout = c.cfg.Timeout
		h.Logger = frameLog
		return h
	}

	h := gomodbus.NewTCPClientHandler(c.cfg.Address)
	h.SlaveId = c.cfg.UnitID
	h.Timeout = c.cfg.Timeout
	h.Logger = frameLog
	return h
}

func (c *Client) frameLogger() *log.Logger {
	if !c.logger.Core().Enabled(zap.DebugLevel) {
		return nil
	}
	l, err := zap.NewStdLogAt(c.logger.Named("frames"), zap.DebugLevel)
	if err != nil {
		return nil
	}
	return l
}

// Connect opens the connection. No-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return classifyConn(c.cfg.target(), err)
	}

	h := c.newHandler()
	errCh := make(chan error, 1)
	go func() { errCh <- h.Connect() }()

	select {
	case err := <-errCh:
		if err != nil {
			return classifyConn(c.cfg.target(), err)
		}
	case <-ctx.Done():
		go func() {
			if <-errCh == nil {
				_ = h.Close()
			}
		}()
		return classifyConn(c.cfg.target(), ctx.Err())
	}

	c.handler = h
	c.client = gomodbus.NewClient(h)
	c.connected = true

	c.logger.Info("Modbus connected",
		zap.String("mode", string(c.cfg.Mode)),
		zap.Uint8("unit_id", c.cfg.UnitID))

	return nil
}

// Close drops the connection. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	h := c.handler
	wasConnected := c.connected
	c.handler, c.client, c.connected = nil, nil, false
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	if wasConnected {
		c.logger.Info("Modbus connection closed")
	}
	return h.Close()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ReadBlock liest count Holding Register ab address.
func (c *Client) ReadBlock(ctx context.Context, address, count uint16) ([]uint16, error) {
	data, err := c.exchange(ctx, "read", address, func(cl gomodbus.Client) ([]byte, error) {
		return cl.ReadHoldingRegisters(address, count)
	})
	if err != nil {
		return nil, err
	}

	if len(data) != 2*int(count) {
		return nil, &IoError{Kind: IoMalformed, Op: "read", Address: address,
			Err: fmt.Errorf("expected %d bytes, got %d", 2*int(count), len(data))}
	}

	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return words, nil
}

// WriteBlock schreibt words ab address (Funktionscode 0x10).
func (c *Client) WriteBlock(ctx context.Context, address uint16, words []uint16) error {
	data := make([]byte, 2*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(data[2*i:], w)
	}

	_, err := c.exchange(ctx, "write", address, func(cl gomodbus.Client) ([]byte, error) {
		return cl.WriteMultipleRegisters(address, uint16(len(words)), data)
	})
	return err
}

type exchangeResult struct {
	data []byte
	err  error
}

func (c *Client) exchange(ctx context.Context, op string, address uint16, fn func(gomodbus.Client) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	h, cl, ok := c.handler, c.client, c.connected
	c.mu.Unlock()

	if !ok {
		return nil, classifyIo(op, address, ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyIo(op, address, err)
	}

	ch := make(chan exchangeResult, 1)
	go func() {
		data, err := fn(cl)
		ch <- exchangeResult{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			ioErr := classifyIo(op, address, r.err)
			if ioErr.Kind != IoMalformed {
				c.drop(h, ioErr)
			}
			return nil, ioErr
		}
		return r.data, nil
	case <-ctx.Done():
		ioErr := classifyIo(op, address, ctx.Err())
		c.drop(h, ioErr)
		return nil, ioErr
	}
}

// drop discards h if it is still the active handler. Closing waits for an
// exchange still running on h, so it happens in the background.
func (c *Client) drop(h handler, cause *IoError) {
	c.mu.Lock()
	if c.handler != h {
		c.mu.Unlock()
		return
	}
	c.handler, c.client, c.connected = nil, nil, false
	c.mu.Unlock()

	c.logger.Warn("Modbus connection dropped",
		zap.String("op", cause.Op),
		zap.Stringer("kind", cause.Kind),
		zap.Error(cause.Err))

	go func() { _ = h.Close() }()
}
