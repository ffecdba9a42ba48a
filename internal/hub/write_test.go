package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestWriteScaledRegister(t *testing.T) {
	tr := newFakeTransport(t)
	h := setupHub(t, tr, Options{})

	var notified []*Snapshot
	h.Subscribe(func(s *Snapshot) { notified = append(notified, s) })

	assert.NilError(t, h.Write(context.Background(), "power_limit", 50))

	tr.mu.Lock()
	writes := tr.writes
	tr.mu.Unlock()
	assert.Equal(t, len(writes), 1)
	assert.Equal(t, writes[0].address, uint16(addrSettings))
	assert.DeepEqual(t, writes[0].words, []uint16{500})

	v, ok := h.Value("power_limit")
	assert.Assert(t, ok)
	assert.Equal(t, v, 50.0)
	assert.Equal(t, h.Snapshot().Generation, uint64(1), "optimistic update keeps the generation")
	assert.Equal(t, len(notified), 1)

	// nächster Poll überschreibt mit dem Gerätewert
	assert.NilError(t, h.Refresh(context.Background()))
	v, _ = h.Value("power_limit")
	assert.Equal(t, v, 50.0)
}

func TestWriteNotWritableNeverTouchesTransport(t *testing.T) {
	tr := newFakeTransport(t)
	h := setupHub(t, tr, Options{})
	connects, reads, _ := tr.calls()

	err := h.Write(context.Background(), "serial_number", "X")

	var werr *WriteError
	assert.Assert(t, errors.As(err, &werr))
	assert.Equal(t, werr.Register, "serial_number")
	assert.ErrorIs(t, err, ErrNotWritable)

	c, r, w := tr.calls()
	assert.Equal(t, c, connects)
	assert.Equal(t, r, reads)
	assert.Equal(t, w, 0)
}

func TestWriteRejectedValues(t *testing.T) {
	h := setupHub(t, newFakeTransport(t), Options{})

	cases := []struct {
		name     string
		register string
		value    any
		kind     error
	}{
		{"unknown", "does_not_exist", 1, ErrUnknownRegister},
		{"above max", "power_limit", 111, ErrOutOfRange},
		{"negative", "power_limit", -1, ErrOutOfRange},
		{"wrong type", "power_limit", []int{1}, ErrInvalidValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.Write(context.Background(), tc.register, tc.value)
			assert.ErrorIs(t, err, tc.kind)
		})
	}

	v, _ := h.Value("power_limit")
	assert.Equal(t, v, 100.0)
}

func TestWriteTransportFailure(t *testing.T) {
	tr := newFakeTransport(t)
	h := setupHub(t, tr, Options{})

	tr.mu.Lock()
	tr.writeErr = timeoutErr(addrSettings)
	tr.mu.Unlock()

	err := h.Write(context.Background(), "power_limit", 20)
	assert.ErrorIs(t, err, ErrIo)
	assert.Equal(t, h.State(), failing(1))

	v, _ := h.Value("power_limit")
	assert.Equal(t, v, 100.0, "failed write leaves snapshot alone")
}

func TestWriteAfterStop(t *testing.T) {
	tr := newFakeTransport(t)
	h := setupHub(t, tr, Options{})
	assert.NilError(t, h.Stop(context.Background()))

	err := h.Write(context.Background(), "power_limit", 20)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.ErrorIs(t, h.Refresh(context.Background()), ErrShuttingDown)

	_, _, writes := tr.calls()
	assert.Equal(t, writes, 0)
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	tr := newFakeTransport(t)
	h := setupHub(t, tr, Options{StopTimeout: 2 * time.Second})

	tr.mu.Lock()
	tr.gate = make(chan struct{})
	tr.entered = make(chan uint16, 16)
	tr.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Refresh(context.Background()) }()
	<-tr.entered

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(tr.gate)
	}()

	assert.NilError(t, h.Stop(context.Background()))
	assert.NilError(t, <-errCh)
	assert.Equal(t, h.Snapshot().Generation, uint64(2))
	assert.Equal(t, h.State(), ConnectionState{Phase: Disconnected})
}

func TestStopAbandonsHungCycle(t *testing.T) {
	tr := newFakeTransport(t)
	h := setupHub(t, tr, Options{StopTimeout: 50 * time.Millisecond})
	h.Subscribe(func(*Snapshot) {})

	tr.mu.Lock()
	tr.gate = make(chan struct{}) // never opened
	tr.entered = make(chan uint16, 16)
	tr.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Refresh(context.Background()) }()
	<-tr.entered
	closes := tr.closes

	start := time.Now()
	err := h.Stop(context.Background())
	assert.ErrorIs(t, err, ErrCycleAbandoned)
	assert.Check(t, time.Since(start) < time.Second)

	// abgebrochener Zyklus kehrt zurück, ohne zu publizieren
	assert.Check(t, <-errCh != nil)
	assert.Equal(t, h.Snapshot().Generation, uint64(1))
	assert.Check(t, tr.closes > closes)
	assert.Equal(t, h.obs.count(), 0)
	assert.Equal(t, h.State(), ConnectionState{Phase: Disconnected})
}

func TestStopIsIdempotent(t *testing.T) {
	h := setupHub(t, newFakeTransport(t), Options{ScanInterval: time.Hour})
	h.Start()

	assert.NilError(t, h.Stop(context.Background()))
	assert.NilError(t, h.Stop(context.Background()))
	h.Start()
}
