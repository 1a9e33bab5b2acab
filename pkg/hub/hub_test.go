// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/derv"
	"github.com/Thermoquad/derv/pkg/unit"
	"github.com/Thermoquad/derv/pkg/watchdog"
)

const testUnitTimeout = 150 * time.Millisecond

// bench is a hub on a simulated bus with a controller link
type bench struct {
	t      *testing.T
	sim    *bus.Sim
	engine *Engine
	ctrl   net.Conn
	ctx    context.Context
}

func newBench(t *testing.T) *bench {
	t.Helper()
	sim := bus.NewSim()
	mux, err := bus.NewMultiplexer(sim.Segments(), nil)
	require.NoError(t, err)
	engine := NewEngine(sim.HubPort(), mux, EngineOptions{UnitTimeout: testUnitTimeout})
	h := New(engine, Options{IdleTimeout: 50 * time.Millisecond})

	hubSide, ctrlSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Serve(ctx, hubSide)
	}()
	t.Cleanup(func() {
		cancel()
		ctrlSide.Close()
		hubSide.Close()
		sim.Close()
		engine.Close()
		<-done
	})
	return &bench{t: t, sim: sim, engine: engine, ctrl: ctrlSide, ctx: ctx}
}

// addUnit runs a responder with a fixed temp/hum reading derived from addr
func (b *bench) addUnit(segment uint8, addr uint16) {
	b.t.Helper()
	port, err := b.sim.Attach(segment)
	require.NoError(b.t, err)
	bank := unit.NewBank()
	bank.AddFeature(unit.Feature{Code: derv.CodeTempHum, Size: 4, Value: []byte{byte(addr), 0xA0, byte(addr), 0xB0}})
	bank.AddFeature(unit.Feature{Code: derv.CodeWind, Size: 2, Value: []byte{byte(addr), 0x01}})
	bank.SetCalibrationSize(3, 8)
	resp, err := unit.New(port, unit.Options{Address: addr, Sensor: bank, DE: port.DE()})
	require.NoError(b.t, err)
	go resp.Run(b.ctx)
}

// addFake runs a scripted unit that answers every query for addr with frames
func (b *bench) addFake(segment uint8, addr uint16, frames func(q *derv.Query) [][]byte) {
	b.t.Helper()
	port, err := b.sim.Attach(segment)
	require.NoError(b.t, err)
	q := bus.NewQueue(port, 0)
	dec := derv.NewQueryDecoder(addr, func(uint8) int { return 0 })
	go func() {
		for c := range q.Bytes() {
			query := dec.DecodeByte(c)
			if query == nil {
				continue
			}
			port.DE().Set(true)
			for _, f := range frames(query) {
				port.Write(f)
			}
			port.DE().Set(false)
		}
	}()
}

func (b *bench) send(data []byte) {
	b.t.Helper()
	_, err := b.ctrl.Write(data)
	require.NoError(b.t, err)
}

func (b *bench) command(c *derv.Command) {
	b.t.Helper()
	data, err := derv.EncodeCommand(c)
	require.NoError(b.t, err)
	b.send(data)
}

// reply reads one reply frame, or returns nil when none arrives in time
func (b *bench) reply(timeout time.Duration) *derv.Reply {
	b.t.Helper()
	a := derv.NewReplyAssembler()
	buf := make([]byte, 1)
	require.NoError(b.t, b.ctrl.SetReadDeadline(time.Now().Add(timeout)))
	defer b.ctrl.SetReadDeadline(time.Time{})
	for {
		if _, err := b.ctrl.Read(buf); err != nil {
			return nil
		}
		frame, err := a.DecodeByte(buf[0])
		require.NoError(b.t, err)
		if frame != nil {
			r, err := derv.DecodeReply(frame)
			require.NoError(b.t, err)
			return r
		}
	}
}

func magic(rest ...byte) []byte {
	return append([]byte{'D', 'E', 'R', 'V'}, rest...)
}

func requireSingleError(t *testing.T, r *derv.Reply, kind derv.ErrorKind) {
	t.Helper()
	require.NotNil(t, r, "expected a reply")
	assert.Equal(t, uint16(derv.SingleErrorSize), r.Length)
	assert.Equal(t, derv.ReplyCode(0), r.Code, "no data block")
	require.Len(t, r.Errors, 1)
	assert.Equal(t, kind, r.Errors[0].Kind)
}

// ============================================================
// Addressing
// ============================================================

func TestHub_BadAddrCountNoBusTraffic(t *testing.T) {
	for _, n := range []byte{0, 33} {
		b := newBench(t)
		b.addUnit(1, 1)
		b.send(magic(derv.CodeTempHum, 1, n))
		requireSingleError(t, b.reply(time.Second), derv.ErrKindBadAddrCount)
		assert.Equal(t, 0, b.sim.HubWrites(), "n=%d", n)
	}
}

func TestHub_MiddleAddressTimesOut(t *testing.T) {
	b := newBench(t)
	b.addUnit(2, 10)
	b.addUnit(2, 30)

	b.command(derv.NewSensorRead(derv.CodeTempHum, 2, 10, 20, 30))
	r := b.reply(2 * time.Second)
	require.NotNil(t, r)

	assert.Equal(t, derv.ReplyReadings, r.Code)
	assert.Equal(t, uint8(derv.CodeTempHum), r.EchoCode)
	assert.Equal(t, uint8(3), r.Count)
	assert.Equal(t, []byte{10, 0xA0, 10, 0xB0}, r.Slot(0))
	assert.Equal(t, []byte{0, 0, 0, 0}, r.Slot(1))
	assert.Equal(t, []byte{30, 0xA0, 30, 0xB0}, r.Slot(2))
	assert.Equal(t, []derv.ErrorEntry{{Kind: derv.ErrKindUnitTimeout, Index: 2}}, r.Errors)
	assert.Equal(t, 3, b.sim.HubWrites())
}

func TestHub_AddressOrderPreserved(t *testing.T) {
	b := newBench(t)
	for _, a := range []uint16{5, 4, 3} {
		b.addUnit(1, a)
	}
	b.command(derv.NewSensorRead(derv.CodeWind, 1, 3, 5, 4))
	r := b.reply(2 * time.Second)
	require.NotNil(t, r)
	assert.Empty(t, r.Errors)
	assert.Equal(t, []byte{3, 1, 5, 1, 4, 1}, r.Data)
}

func TestHub_OtherSegmentNotReached(t *testing.T) {
	b := newBench(t)
	b.addUnit(3, 1)
	b.command(derv.NewSensorRead(derv.CodeWind, 1, 1))
	r := b.reply(2 * time.Second)
	require.NotNil(t, r)
	assert.Equal(t, []derv.ErrorEntry{{Kind: derv.ErrKindUnitTimeout, Index: 1}}, r.Errors)
}

func TestHub_InvalidPort(t *testing.T) {
	b := newBench(t)
	start := time.Now()
	b.command(derv.NewSensorRead(derv.CodeWind, 7, 1, 2))
	r := b.reply(time.Second)
	require.NotNil(t, r)
	assert.Less(t, time.Since(start), testUnitTimeout)
	assert.Len(t, r.Errors, 2)
	assert.Equal(t, 0, b.sim.HubWrites())
}

// ============================================================
// Single-shot commands
// ============================================================

func TestHub_PingIdempotent(t *testing.T) {
	b := newBench(t)
	for i := 0; i < 2; i++ {
		b.command(derv.NewPing(1000))
		r := b.reply(time.Second)
		require.NotNil(t, r)
		assert.Equal(t, derv.ReplyPong, r.Code)
		assert.Equal(t, uint16(1001), r.Value)
		assert.Empty(t, r.Errors)
	}
}

func TestHub_Version(t *testing.T) {
	b := newBench(t)
	b.command(derv.NewVersion())
	r := b.reply(time.Second)
	require.NotNil(t, r)
	assert.Equal(t, derv.ReplyVersion, r.Code)
	assert.Equal(t, uint16(derv.HubVersion), r.Value)
}

func TestHub_BadCommandCode(t *testing.T) {
	b := newBench(t)
	b.send(magic(99))
	requireSingleError(t, b.reply(time.Second), derv.ErrKindBadCmdCode)

	// parses as a sensor read but has no fixed size
	b.send(magic(derv.CodePressureWide, 1, 1, 5, 0))
	requireSingleError(t, b.reply(time.Second), derv.ErrKindBadCmdCode)
	assert.Equal(t, 0, b.sim.HubWrites())
}

func TestHub_IdleTimeout(t *testing.T) {
	b := newBench(t)
	b.send(magic(derv.CodeTempHum, 1))
	requireSingleError(t, b.reply(time.Second), derv.ErrKindBadAddrCount)

	// no timer runs outside a frame
	b.send([]byte{'D', 'E'})
	assert.Nil(t, b.reply(150*time.Millisecond))
}

func TestHub_CalSizeTooLargeDropped(t *testing.T) {
	b := newBench(t)
	b.send(magic(derv.CodeCalSet, 3, 9))
	assert.Nil(t, b.reply(30*time.Millisecond))

	b.command(derv.NewPing(1))
	r := b.reply(time.Second)
	require.NotNil(t, r)
	assert.Equal(t, uint16(2), r.Value)
}

// ============================================================
// Reply classification
// ============================================================

func TestHub_Classification(t *testing.T) {
	tests := []struct {
		name   string
		frames func(q *derv.Query) [][]byte
		kind   derv.ErrorKind
	}{
		{
			name: "bad crc",
			frames: func(q *derv.Query) [][]byte {
				f := derv.MustEncodeReply(q.Address, q.Code, []byte{1, 2})
				f[len(f)-1] ^= 0x55
				return [][]byte{f}
			},
			kind: derv.ErrKindBadCRC,
		},
		{
			name: "missing feature",
			frames: func(q *derv.Query) [][]byte {
				return [][]byte{derv.MustEncodeReply(q.Address, q.Code, nil)}
			},
			kind: derv.ErrKindMissingFeature,
		},
		{
			name: "wrong size",
			frames: func(q *derv.Query) [][]byte {
				return [][]byte{derv.MustEncodeReply(q.Address, q.Code, []byte{1, 2, 3})}
			},
			kind: derv.ErrKindBadUnitRxSize,
		},
		{
			name: "oversized header",
			frames: func(q *derv.Query) [][]byte {
				return [][]byte{magic(byte(q.Address), byte(q.Address>>8), q.Code, 9)}
			},
			kind: derv.ErrKindBadUnitRxSize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t)
			b.addFake(1, 8, tt.frames)
			b.command(derv.NewSensorRead(derv.CodeWind, 1, 8))
			r := b.reply(time.Second)
			require.NotNil(t, r)
			assert.Equal(t, []derv.ErrorEntry{{Kind: tt.kind, Index: 1}}, r.Errors)
			assert.Equal(t, []byte{0, 0}, r.Data)
		})
	}
}

func TestHub_ForeignReplyIgnored(t *testing.T) {
	b := newBench(t)
	b.addFake(1, 8, func(q *derv.Query) [][]byte {
		return [][]byte{
			derv.MustEncodeReply(9, q.Code, []byte{0xEE, 0xEE}),
			derv.MustEncodeReply(8, q.Code, []byte{0x12, 0x34}),
		}
	})
	b.command(derv.NewSensorRead(derv.CodeWind, 1, 8))
	r := b.reply(time.Second)
	require.NotNil(t, r)
	assert.Empty(t, r.Errors)
	assert.Equal(t, []byte{0x12, 0x34}, r.Data)
}

func TestHub_StaleBytesFlushed(t *testing.T) {
	b := newBench(t)
	calls := 0
	b.addFake(1, 8, func(q *derv.Query) [][]byte {
		calls++
		if calls == 1 {
			// a late duplicate rides behind the real reply in one burst
			burst := append(derv.MustEncodeReply(8, q.Code, []byte{0x01, 0x00}),
				derv.MustEncodeReply(8, q.Code, []byte{0xEE, 0xEE})...)
			return [][]byte{burst}
		}
		return [][]byte{derv.MustEncodeReply(8, q.Code, []byte{0x02, 0x00})}
	})

	b.command(derv.NewSensorRead(derv.CodeWind, 1, 8))
	r := b.reply(time.Second)
	require.NotNil(t, r)
	assert.Equal(t, []byte{0x01, 0x00}, r.Data)

	b.command(derv.NewSensorRead(derv.CodeWind, 1, 8))
	r = b.reply(time.Second)
	require.NotNil(t, r)
	assert.Empty(t, r.Errors)
	assert.Equal(t, []byte{0x02, 0x00}, r.Data)
}

// ============================================================
// Generic and calibration commands
// ============================================================

func TestHub_GenericReadUnitVersion(t *testing.T) {
	b := newBench(t)
	b.addUnit(4, 2)
	b.command(derv.NewGenericRead(derv.CodeUnitVersion, 2, 4, 2))
	r := b.reply(time.Second)
	require.NotNil(t, r)
	assert.Empty(t, r.Errors)
	assert.Equal(t, uint8(derv.CodeUnitVersion), r.EchoCode)
	assert.Equal(t, []byte{byte(derv.UnitVersion), 0}, r.Data)
}

func TestHub_CalibrationRoundTrip(t *testing.T) {
	b := newBench(t)
	b.addUnit(1, 5)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	b.command(derv.NewCalSet(3, 1, 5, payload))
	r := b.reply(time.Second)
	require.NotNil(t, r)
	assert.Empty(t, r.Errors)
	assert.Equal(t, uint8(derv.CodeCalSet), r.EchoCode)
	assert.Equal(t, payload, r.Data)

	b.command(derv.NewCalRead(3, 8, 1, 5))
	r = b.reply(time.Second)
	require.NotNil(t, r)
	assert.Empty(t, r.Errors)
	assert.Equal(t, payload, r.Data)
}

func TestHub_CalibrationSizeMismatch(t *testing.T) {
	b := newBench(t)
	b.addUnit(1, 5)
	b.command(derv.NewCalRead(3, 4, 1, 5))
	r := b.reply(time.Second)
	require.NotNil(t, r)
	assert.Equal(t, []derv.ErrorEntry{{Kind: derv.ErrKindBadUnitRxSize, Index: 1}}, r.Errors)
}

// ============================================================
// Engine
// ============================================================

func TestEngine_WatchdogKickPerAddress(t *testing.T) {
	sim := bus.NewSim()
	defer sim.Close()
	mux, err := bus.NewMultiplexer(sim.Segments(), nil)
	require.NoError(t, err)
	wd := watchdog.New(time.Hour, nil)
	defer wd.Stop()

	e := NewEngine(sim.HubPort(), mux, EngineOptions{UnitTimeout: 10 * time.Millisecond, Watchdog: wd})
	defer e.Close()

	frame := e.Execute(context.Background(), derv.NewSensorRead(derv.CodeWind, 1, 1, 2, 3))
	r, err := derv.DecodeReply(frame)
	require.NoError(t, err)
	assert.Len(t, r.Errors, 3)
	assert.Equal(t, uint64(3), wd.Kicks())
	assert.Equal(t, uint8(0), mux.Selected(), "bus is released after the command")
}

func TestEngine_DirectBadAddrCount(t *testing.T) {
	sim := bus.NewSim()
	defer sim.Close()
	mux, err := bus.NewMultiplexer(sim.Segments(), nil)
	require.NoError(t, err)
	e := NewEngine(sim.HubPort(), mux, EngineOptions{})
	defer e.Close()

	frame := e.Execute(context.Background(), derv.NewSensorRead(derv.CodeWind, 1))
	assert.Equal(t, derv.EncodeSingleError(derv.ErrKindBadAddrCount), frame)
	assert.Equal(t, 0, sim.HubWrites())
}

func TestOutcome_ErrorKind(t *testing.T) {
	assert.Equal(t, derv.ErrKindUnitTimeout, OutcomeTimeout.ErrorKind())
	assert.Equal(t, derv.ErrKindBadCRC, OutcomeBadCRC.ErrorKind())
	assert.Equal(t, derv.ErrKindMissingFeature, OutcomeMissingFeature.ErrorKind())
	assert.Equal(t, derv.ErrKindBadUnitRxSize, OutcomeBadSize.ErrorKind())
	assert.Equal(t, "ok", OutcomeOK.String())
}

// ============================================================
// Liveness
// ============================================================

func TestHub_KeepAliveWithoutController(t *testing.T) {
	sim := bus.NewSim()
	defer sim.Close()
	mux, err := bus.NewMultiplexer(sim.Segments(), nil)
	require.NoError(t, err)
	engine := NewEngine(sim.HubPort(), mux, EngineOptions{UnitTimeout: testUnitTimeout})
	defer engine.Close()

	wd := watchdog.New(300*time.Millisecond, nil)
	defer wd.Stop()
	h := New(engine, Options{Watchdog: wd, KickInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.KeepAlive(ctx)

	// a controller comes and goes, then the hub idles again
	hubSide, ctrlSide := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx, hubSide) }()
	time.Sleep(400 * time.Millisecond)
	ctrlSide.Close()
	<-served
	hubSide.Close()

	time.Sleep(time.Second)
	assert.False(t, wd.Expired(), "watchdog must be serviced with no controller connected")
	assert.Greater(t, wd.Kicks(), uint64(10))

	cancel()
	assert.Equal(t, int32(0), h.serving.Load())
}

func TestHub_KeepAliveQuietWhileServing(t *testing.T) {
	sim := bus.NewSim()
	defer sim.Close()
	mux, err := bus.NewMultiplexer(sim.Segments(), nil)
	require.NoError(t, err)
	engine := NewEngine(sim.HubPort(), mux, EngineOptions{UnitTimeout: testUnitTimeout})
	defer engine.Close()

	wd := watchdog.New(time.Hour, nil)
	defer wd.Stop()
	h := New(engine, Options{Watchdog: wd, KickInterval: 10 * time.Millisecond})
	h.serving.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.KeepAlive(ctx), context.DeadlineExceeded)
	assert.Equal(t, uint64(0), wd.Kicks())
}
