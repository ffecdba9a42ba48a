package devices

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/modbus/modbustest"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func testModbusConfig() config.ModbusConfig {
	return config.ModbusConfig{
		DefaultTimeout: time.Second,
		ReconnectAfter: 3,
		BackoffFloor:   2 * time.Second,
		BackoffCeiling: 10 * time.Second,
		StopTimeout:    time.Second,
	}
}

func inverterAt(t *testing.T, name, addr string) config.InverterConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	assert.NilError(t, err)
	p, err := strconv.Atoi(port)
	assert.NilError(t, err)
	return config.InverterConfig{
		Name: name, Host: host, Port: p, UnitID: 1, ScanInterval: 3600, Transport: config.TransportTCP,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testModbusConfig(), registers.SAJH2(), nil, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { r.StopAll(context.Background()) })
	return r
}

func TestSetupAgainstModbusSlave(t *testing.T) {
	srv := modbustest.NewServer(t)
	// mpvmode Running, serial_number "HSR1"
	srv.SetRegisters(registers.AddrRealtime, 2)
	srv.SetRegisters(registers.AddrInverterInfo+3, 'H'<<8|'S', 'R'<<8|'1')
	r := newTestRegistry(t)

	entry, err := r.Setup(context.Background(), inverterAt(t, "Roof", srv.Addr()))
	assert.NilError(t, err)

	info := entry.Info()
	assert.Equal(t, info.Name, "Roof")
	assert.Equal(t, info.Generation, uint64(1))
	assert.Equal(t, info.State, "connected")

	v, ok := entry.Hub.Value(registers.KeyDeviceStatus)
	assert.Assert(t, ok)
	assert.Equal(t, v, "Running")
	v, _ = entry.Hub.Value("serial_number")
	assert.Equal(t, v, "HSR1")

	got, ok := r.Lookup(entry.ID.String())
	assert.Assert(t, ok)
	assert.Equal(t, got, entry)
	got, ok = r.Lookup("roof")
	assert.Assert(t, ok)
	assert.Equal(t, got, entry)
}

func TestWriteReachesDevice(t *testing.T) {
	srv := modbustest.NewServer(t)
	r := newTestRegistry(t)

	entry, err := r.Setup(context.Background(), inverterAt(t, "Roof", srv.Addr()))
	assert.NilError(t, err)

	assert.NilError(t, entry.Hub.Write(context.Background(), "power_limit", 50))
	assert.DeepEqual(t, srv.Registers(0x3639, 1), []uint16{500})

	assert.NilError(t, entry.Hub.Write(context.Background(), "charge_start_time", "06:30"))
	assert.DeepEqual(t, srv.Registers(0x3606, 1), []uint16{6<<8 | 30})
}

func TestSetupFailureIsNotRegistered(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	r := newTestRegistry(t)
	entry, err := r.Setup(context.Background(), inverterAt(t, "Gone", addr))
	assert.Check(t, entry == nil)
	assert.ErrorContains(t, err, "setup Gone")
	assert.Check(t, is.Len(r.List(), 0))
}

func TestSetupRejectsDuplicateName(t *testing.T) {
	srv := modbustest.NewServer(t)
	r := newTestRegistry(t)

	_, err := r.Setup(context.Background(), inverterAt(t, "Roof", srv.Addr()))
	assert.NilError(t, err)

	_, err = r.Setup(context.Background(), inverterAt(t, "ROOF", srv.Addr()))
	assert.Assert(t, errors.Is(err, ErrDuplicateName))
}

func TestUnloadRunsDetachAndStopsHub(t *testing.T) {
	srv := modbustest.NewServer(t)
	r := newTestRegistry(t)

	var attached, detached []string
	r.OnSetup(func(e *Entry) func() {
		attached = append(attached, e.Config.Name)
		return func() { detached = append(detached, e.Config.Name) }
	})

	entry, err := r.Setup(context.Background(), inverterAt(t, "Roof", srv.Addr()))
	assert.NilError(t, err)
	assert.DeepEqual(t, attached, []string{"Roof"})

	assert.Check(t, r.Unload(context.Background(), entry.ID))
	assert.DeepEqual(t, detached, []string{"Roof"})
	assert.Equal(t, entry.Hub.State(), hub.ConnectionState{Phase: hub.Disconnected})

	err = entry.Hub.Write(context.Background(), "power_limit", 10)
	assert.ErrorIs(t, err, hub.ErrShuttingDown)

	assert.Check(t, !r.Unload(context.Background(), entry.ID), "second unload")
	_, ok := r.Get(entry.ID)
	assert.Check(t, !ok)
}

func TestOnSetupAttachesExistingEntries(t *testing.T) {
	srv := modbustest.NewServer(t)
	r := newTestRegistry(t)

	_, err := r.Setup(context.Background(), inverterAt(t, "B", srv.Addr()))
	assert.NilError(t, err)
	_, err = r.Setup(context.Background(), inverterAt(t, "A", srv.Addr()))
	assert.NilError(t, err)

	var names []string
	r.OnSetup(func(e *Entry) func() {
		names = append(names, e.Config.Name)
		return nil
	})
	assert.DeepEqual(t, names, []string{"A", "B"})
}
