// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package unit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/derv"
)

// rig is one unit on segment 1 of a simulated bus, seen from the hub side
type rig struct {
	sim   *bus.Sim
	port  *bus.SimPort
	hub   *bus.Queue
	resp  *Responder
	store *MemStore
	write func([]byte)
}

func newRig(t *testing.T, addr uint16, sensor Sensor) *rig {
	t.Helper()
	sim := bus.NewSim()
	mux, err := bus.NewMultiplexer(sim.Segments(), nil)
	require.NoError(t, err)
	require.NoError(t, mux.Select(1))

	port, err := sim.Attach(1)
	require.NoError(t, err)

	store := &MemStore{}
	resp, err := New(port, Options{Address: addr, Sensor: sensor, Store: store, DE: port.DE()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- resp.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		sim.Close()
		<-done
	})

	hubPort := sim.HubPort()
	return &rig{
		sim:   sim,
		port:  port,
		hub:   bus.NewQueue(hubPort, 0),
		resp:  resp,
		store: store,
		write: func(b []byte) {
			_, err := hubPort.Write(b)
			require.NoError(t, err)
		},
	}
}

// reply waits for one reply from addr, or returns nil on timeout
func (r *rig) reply(addr uint16, timeout time.Duration) *derv.UnitReply {
	dec := derv.NewReplyDecoder(addr)
	deadline := time.After(timeout)
	for {
		select {
		case b, ok := <-r.hub.Bytes():
			if !ok {
				return nil
			}
			if rep, _ := dec.DecodeByte(b); rep != nil {
				return rep
			}
		case <-deadline:
			return nil
		}
	}
}

func calBank() *Bank {
	b := NewBank()
	b.AddFeature(Feature{Code: derv.CodeTempHum, Size: 4, Value: []byte{1, 2, 3, 4}})
	b.SetCalibrationSize(3, 8)
	return b
}

func TestResponder_AnswersOwnAddress(t *testing.T) {
	r := newRig(t, 0x1234, calBank())
	r.write(derv.EncodeUnitQuery(0x1234, derv.CodeTempHum))

	rep := r.reply(0x1234, time.Second)
	require.NotNil(t, rep)
	assert.True(t, rep.CRCValid)
	assert.Equal(t, []byte{1, 2, 3, 4}, rep.Data)
	assert.False(t, r.port.DE().Level(), "DE must be released after the frame")
	assert.Equal(t, []bool{true, false}, r.port.DE().Transitions())
}

func TestResponder_IgnoresOtherAddresses(t *testing.T) {
	r := newRig(t, 0x1234, calBank())
	for _, addr := range []uint16{0x1235, 0x3412, 0x0000} {
		r.write(derv.EncodeUnitQuery(addr, derv.CodeTempHum))
	}
	assert.Nil(t, r.reply(0x1234, 100*time.Millisecond))
	assert.Empty(t, r.port.DE().Transitions())
}

func TestResponder_UnsupportedCode(t *testing.T) {
	r := newRig(t, 7, calBank())
	r.write(derv.EncodeUnitQuery(7, derv.CodeWind))
	rep := r.reply(7, time.Second)
	require.NotNil(t, rep)
	assert.Equal(t, 0, rep.Size())
	assert.Equal(t, uint8(derv.CodeWind), rep.Code)
}

func TestResponder_UnitVersion(t *testing.T) {
	r := newRig(t, 7, calBank())
	r.write(derv.EncodeUnitQuery(7, derv.CodeUnitVersion))
	rep := r.reply(7, time.Second)
	require.NotNil(t, rep)
	assert.Equal(t, []byte{byte(derv.UnitVersion), 0}, rep.Data)
}

func TestResponder_ChangeAddressBroadcastOnly(t *testing.T) {
	r := newRig(t, 0x1234, calBank())

	// addressed directly: an ordinary unsupported query, the address stays
	r.write([]byte{'D', 'E', 'R', 'V', 0x34, 0x12, derv.CodeChangeAddress, 0x99, 0x00})
	rep := r.reply(0x1234, time.Second)
	require.NotNil(t, rep)
	assert.Equal(t, 0, rep.Size())
	assert.Equal(t, uint16(0x1234), r.resp.Address())

	r.write(derv.EncodeChangeAddress(0x0099))
	require.Eventually(t, func() bool { return r.resp.Address() == 0x0099 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, r.store.Saves())

	state, ok, err := r.store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0099), state.Address)

	r.write(derv.EncodeUnitQuery(0x1234, derv.CodeTempHum))
	assert.Nil(t, r.reply(0x1234, 100*time.Millisecond))
	r.write(derv.EncodeUnitQuery(0x0099, derv.CodeTempHum))
	require.NotNil(t, r.reply(0x0099, time.Second))
}

func TestResponder_CalibrationRoundTrip(t *testing.T) {
	r := newRig(t, 5, calBank())
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	r.write(derv.EncodeQuery(derv.NewCalSet(3, 1, 5, payload), 5))
	rep := r.reply(5, time.Second)
	require.NotNil(t, rep)
	assert.Equal(t, payload, rep.Data, "set reply reads the calibration back")

	for i := 0; i < 2; i++ {
		r.write(derv.EncodeQuery(derv.NewCalRead(3, 8, 1, 5), 5))
		rep = r.reply(5, time.Second)
		require.NotNil(t, rep)
		assert.Equal(t, uint8(derv.CodeCalRead), rep.Code)
		assert.Equal(t, payload, rep.Data)
	}

	state, _, err := r.store.Load()
	require.NoError(t, err)
	assert.Equal(t, payload, state.Calibration[3])
}

func TestResponder_CalibrationUnsupported(t *testing.T) {
	r := newRig(t, 5, calBank())
	r.write(derv.EncodeQuery(derv.NewCalRead(9, 4, 1, 5), 5))
	rep := r.reply(5, time.Second)
	require.NotNil(t, rep)
	assert.Equal(t, 0, rep.Size())
}

func TestNew_RestoresState(t *testing.T) {
	store := &MemStore{}
	require.NoError(t, store.Save(State{Address: 42, Calibration: map[uint8][]byte{3: {8, 7, 6, 5, 4, 3, 2, 1}, 9: {1}}}))

	bank := calBank()
	resp, err := New(nil, Options{Address: 1, Sensor: bank, Store: store})
	require.NoError(t, err)
	assert.Equal(t, uint16(42), resp.Address())
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, bank.CalibrationGet(3))
}

func TestResponder_Watchdog(t *testing.T) {
	sim := bus.NewSim()
	defer sim.Close()
	port, err := sim.Attach(1)
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	resp, err := New(port, Options{Address: 1, Watchdog: 40 * time.Millisecond, OnWatchdog: func() { fired <- struct{}{} }})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, resp.Run(ctx), context.DeadlineExceeded)

	select {
	case <-fired:
		t.Fatal("watchdog should be serviced by an idle loop")
	default:
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.cbor")
	fs := NewFileStore(path)

	_, ok, err := fs.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	want := State{Address: 0x1234, Calibration: map[uint8][]byte{8: {1, 2, 3, 4}}}
	require.NoError(t, fs.Save(want))

	got, ok, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestBank_Modes(t *testing.T) {
	b := NewBank()
	b.AddFeature(Feature{Code: 1, Size: 2, Mode: ModeCounter, Value: []byte{0xFF, 0x00}})
	b.AddFeature(Feature{Code: 2, Size: 12, Mode: ModeRandom})
	b.AddFeature(Feature{Code: 3, Value: []byte{9}})

	assert.Equal(t, []byte{0xFF, 0x00}, b.Read(1))
	assert.Equal(t, []byte{0x00, 0x01}, b.Read(1))
	assert.Len(t, b.Read(2), derv.MaxDataSize)
	assert.Equal(t, []byte{9}, b.Read(3))
	assert.Empty(t, b.Read(4))

	_, err := ParseFeatureMode("sine")
	assert.Error(t, err)
}

func TestBank_Calibration(t *testing.T) {
	b := NewBank()
	b.SetCalibrationSize(8, 4)
	assert.Equal(t, 4, b.CalibrationSize(8))
	assert.Equal(t, 0, b.CalibrationSize(9))
	assert.Error(t, b.CalibrationSet(8, []byte{1}))
	assert.Error(t, b.CalibrationSet(9, []byte{1}))
	require.NoError(t, b.CalibrationSet(8, []byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, b.CalibrationGet(8))
}

func TestDefaultBank(t *testing.T) {
	b := DefaultBank()
	for code, size := range map[uint8]int{
		derv.CodeTempHum: 4, derv.CodeWind: 2, derv.CodeTach: 2,
		derv.CodeThermocouple: 4, derv.CodePressure: 2, derv.CodePressureWide: 4,
		derv.CodeMultiTempReset: 1, derv.CodeMultiTempCh1: 2, derv.CodeMultiTempROM1: 8,
	} {
		assert.Len(t, b.Read(code), size, "code %d", code)
	}
	assert.Equal(t, 4, b.CalibrationSize(derv.CodePressureWide))
}
