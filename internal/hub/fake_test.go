package hub

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/modbus"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"github.com/KevinKickass/SajModbusHub/internal/types"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
)

const (
	addrInfo     = 0x8F00
	addrRealtime = 0x4004
	addrSettings = 0x3639
)

// testMap has three blocks: static identification, realtime values and
// one writable setting with scale 1/10.
func testMap(t *testing.T) *registers.Map {
	t.Helper()
	lo, hi := 0.0, 110.0
	m, err := registers.NewMap("test", []types.RegisterBlock{
		{
			Name: "info", Address: addrInfo, Count: 4, Static: true,
			Registers: []types.RegisterSpec{
				{Name: "serial_number", Address: addrInfo, WordCount: 4, DataType: types.DataTypeASCII, Access: types.AccessTypeReadOnly},
			},
		},
		{
			Name: "realtime", Address: addrRealtime, Count: 3,
			Registers: []types.RegisterSpec{
				{Name: "a", Address: addrRealtime, WordCount: 1, DataType: types.DataTypeUint, Access: types.AccessTypeReadOnly},
				{Name: "b", Address: addrRealtime + 2, WordCount: 1, DataType: types.DataTypeUint, Access: types.AccessTypeReadOnly},
			},
		},
		{
			Name: "settings", Address: addrSettings, Count: 1,
			Registers: []types.RegisterSpec{
				{Name: "power_limit", Address: addrSettings, WordCount: 1, DataType: types.DataTypeUint,
					Scale: types.Per(10), Unit: "%", Access: types.AccessTypeReadWrite, Min: &lo, Max: &hi},
			},
		},
	}, nil)
	assert.NilError(t, err)
	return m
}

type writeCall struct {
	address uint16
	words   []uint16
}

// fakeTransport serves registers from memory and records every call. It
// fails the test when two calls overlap. Like modbus.Client it forgets its
// connection after a timeout or disconnect.
type fakeTransport struct {
	t *testing.T

	mu         sync.Mutex
	regs       map[uint16]uint16
	readErr    map[uint16]error // by block address
	writeErr   error
	connectErr error
	shortRead  bool
	delay      time.Duration
	gate       chan struct{} // blocks ReadBlock until closed or ctx done
	entered    chan uint16
	onRead     func(address uint16)
	onWrite    func()

	connected bool
	connects  []time.Time
	closes    int
	reads     []uint16
	writes    []writeCall

	active    atomic.Int32
	maxActive atomic.Int32
	clock     func() time.Time
}

func newFakeTransport(t *testing.T) *fakeTransport {
	f := &fakeTransport{
		t:       t,
		regs:    make(map[uint16]uint16),
		readErr: make(map[uint16]error),
		clock:   time.Now,
	}
	f.set(addrInfo, 'H'<<8|'2', '-'<<8|'A', 0, 0)
	f.set(addrRealtime, 7, 0, 9)
	f.set(addrSettings, 1000)
	return f
}

func (f *fakeTransport) set(address uint16, words ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range words {
		f.regs[address+uint16(i)] = w
	}
}

func (f *fakeTransport) enter() func() {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if n > 1 {
		f.t.Errorf("concurrent transport access: %d calls active", n)
	}
	return func() { f.active.Add(-1) }
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, f.clock())
	f.connected = f.connectErr == nil
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return nil
}

// fail returns err and drops the connection when the real client would.
func (f *fakeTransport) fail(err error) error {
	if modbus.DropsConnection(err) {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
	}
	return err
}

func (f *fakeTransport) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func notConnected(op string, address uint16) error {
	return &modbus.IoError{Kind: modbus.IoDisconnected, Op: op, Address: address, Err: modbus.ErrNotConnected}
}

func (f *fakeTransport) ReadBlock(ctx context.Context, address, count uint16) ([]uint16, error) {
	defer f.enter()()

	f.mu.Lock()
	f.reads = append(f.reads, address)
	gate, entered, delay, onRead, connected := f.gate, f.entered, f.delay, f.onRead, f.connected
	f.mu.Unlock()

	if !connected {
		return nil, notConnected("read", address)
	}

	if onRead != nil {
		onRead(address)
	}
	if entered != nil {
		entered <- address
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, f.fail(&modbus.IoError{Kind: modbus.IoTimeout, Op: "read", Address: address, Err: ctx.Err()})
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr[address]; err != nil {
		if modbus.DropsConnection(err) {
			f.connected = false
		}
		return nil, err
	}
	if f.shortRead {
		count--
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = f.regs[address+uint16(i)]
	}
	return words, nil
}

func (f *fakeTransport) WriteBlock(ctx context.Context, address uint16, words []uint16) error {
	defer f.enter()()

	f.mu.Lock()
	delay, connected, onWrite := f.delay, f.connected, f.onWrite
	f.mu.Unlock()
	if !connected {
		return notConnected("write", address)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if onWrite != nil {
		onWrite()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{address, append([]uint16(nil), words...)})
	if f.writeErr != nil {
		if modbus.DropsConnection(f.writeErr) {
			f.connected = false
		}
		return f.writeErr
	}
	for i, w := range words {
		f.regs[address+uint16(i)] = w
	}
	return nil
}

func (f *fakeTransport) readCount(address uint16) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.reads {
		if a == address {
			n++
		}
	}
	return n
}

func (f *fakeTransport) calls() (connects, reads, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects), len(f.reads), len(f.writes)
}

func timeoutErr(address uint16) error {
	return &modbus.IoError{Kind: modbus.IoTimeout, Op: "read", Address: address, Err: context.DeadlineExceeded}
}

func disconnectErr(address uint16) error {
	return &modbus.IoError{Kind: modbus.IoDisconnected, Op: "read", Address: address, Err: io.EOF}
}

func malformedErr(address uint16) error {
	return &modbus.IoError{Kind: modbus.IoMalformed, Op: "read", Address: address, Err: errors.New("exception 2")}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestHub(t *testing.T, tr *fakeTransport, opts Options) *Hub {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "test"
	}
	h := New(opts, testMap(t), tr, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return h
}

// setupHub returns a hub that has published generation 1.
func setupHub(t *testing.T, tr *fakeTransport, opts Options) *Hub {
	t.Helper()
	h := newTestHub(t, tr, opts)
	assert.NilError(t, h.Refresh(context.Background()))
	assert.Equal(t, h.Snapshot().Generation, uint64(1))
	return h
}
