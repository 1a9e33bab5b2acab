// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package unit implements the firmware of an addressable sensor unit on a
// DERV RS-485 segment.
package unit

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/derv/internal/metrics"
	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/derv"
	"github.com/Thermoquad/derv/pkg/watchdog"
)

// Options configures a Responder
type Options struct {
	// Address is used when the store holds no address yet
	Address uint16
	Sensor  Sensor
	Store   Store
	// DE is the transmit-enable line; nil for transceivers that switch themselves
	DE bus.Line

	Watchdog   time.Duration
	OnWatchdog func()

	Logger  *zap.Logger
	Metrics *metrics.AppMetrics
}

// Responder answers hub queries addressed to this unit
type Responder struct {
	port    io.ReadWriter
	sensor  Sensor
	store   Store
	de      bus.Line
	decoder *derv.QueryDecoder
	logger  *zap.Logger
	metrics *metrics.AppMetrics

	wdTimeout time.Duration
	onWD      func()

	mu    sync.Mutex
	state State
}

// New creates a responder on port, restoring address and calibration from the store
func New(port io.ReadWriter, opts Options) (*Responder, error) {
	if opts.Sensor == nil {
		opts.Sensor = NewBank()
	}
	if opts.Store == nil {
		opts.Store = &MemStore{}
	}
	if opts.DE == nil {
		opts.DE = bus.NopLine{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &Responder{
		port:      port,
		sensor:    opts.Sensor,
		store:     opts.Store,
		de:        opts.DE,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		wdTimeout: opts.Watchdog,
		onWD:      opts.OnWatchdog,
	}

	state, ok, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	if !ok {
		state = State{Address: opts.Address}
	}
	for inner, data := range state.Calibration {
		if err := r.sensor.CalibrationSet(inner, data); err != nil {
			r.logger.Warn("stored calibration rejected", zap.Uint8("inner", inner), zap.Error(err))
			delete(state.Calibration, inner)
		}
	}
	r.state = state
	r.decoder = derv.NewQueryDecoder(state.Address, r.calSize)

	if err := r.de.Set(false); err != nil {
		return nil, fmt.Errorf("failed to release transmit enable: %w", err)
	}
	return r, nil
}

func (r *Responder) calSize(inner uint8) int {
	return r.sensor.CalibrationSize(inner)
}

// Address returns the working address
func (r *Responder) Address() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Address
}

// Run is the unit main cycle. It returns when ctx is done or the port fails.
func (r *Responder) Run(ctx context.Context) error {
	q := bus.NewQueue(r.port, 0)
	defer q.Stop()

	var wd *watchdog.Watchdog
	if r.wdTimeout > 0 {
		wd = watchdog.New(r.wdTimeout, r.watchdogExpired)
		defer wd.Stop()
	}

	// the watchdog is serviced from the loop itself, never from a side goroutine
	tick := time.NewTicker(watchdogTick(r.wdTimeout))
	defer tick.Stop()

	r.logger.Info("unit started", zap.Uint16("addr", r.Address()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick.C:
			wd.Kick()

		case b, ok := <-q.Bytes():
			if !ok {
				if err := q.Err(); err != nil && err != io.EOF {
					return err
				}
				return nil
			}
			if query := r.decoder.DecodeByte(b); query != nil {
				if err := r.Handle(query); err != nil {
					r.logger.Warn("failed to answer query", zap.Uint8("code", query.Code), zap.Error(err))
				}
			}
			wd.Kick()
		}
	}
}

func watchdogTick(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return time.Hour
	}
	return timeout / 4
}

func (r *Responder) watchdogExpired() {
	r.logger.Error("unit watchdog expired")
	if r.onWD != nil {
		r.onWD()
	}
}

// Handle acts on one decoded query. Change-address is applied silently;
// every other query is answered with exactly one reply frame.
func (r *Responder) Handle(q *derv.Query) error {
	if q.IsChangeAddress() {
		return r.changeAddress(q.NewAddress)
	}

	data, err := r.dispatch(q)
	if err != nil {
		r.logger.Warn("query failed", zap.Uint8("code", q.Code), zap.Error(err))
		data = nil
	}
	return r.transmit(q.Code, data)
}

func (r *Responder) dispatch(q *derv.Query) ([]byte, error) {
	switch q.Code {
	case derv.CodeUnitVersion:
		return []byte{byte(derv.UnitVersion), 0}, nil

	case derv.CodeCalRead:
		if r.sensor.CalibrationSize(q.Inner) == 0 {
			return nil, nil
		}
		return r.sensor.CalibrationGet(q.Inner), nil

	case derv.CodeCalSet:
		if r.sensor.CalibrationSize(q.Inner) == 0 {
			return nil, nil
		}
		if err := r.sensor.CalibrationSet(q.Inner, q.Payload); err != nil {
			return nil, err
		}
		if err := r.saveCalibration(q.Inner, q.Payload); err != nil {
			return nil, err
		}
		// the reply carries the calibration read back
		return r.sensor.CalibrationGet(q.Inner), nil

	default:
		return r.sensor.Read(q.Code), nil
	}
}

func (r *Responder) saveCalibration(inner uint8, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.state.clone()
	if next.Calibration == nil {
		next.Calibration = make(map[uint8][]byte)
	}
	next.Calibration[inner] = append([]byte(nil), data...)
	if err := r.store.Save(next); err != nil {
		return fmt.Errorf("failed to persist calibration: %w", err)
	}
	r.state = next
	return nil
}

func (r *Responder) changeAddress(addr uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.state.clone()
	next.Address = addr
	if err := r.store.Save(next); err != nil {
		return fmt.Errorf("failed to persist address: %w", err)
	}
	old := r.state.Address
	r.state = next
	r.decoder.SetAddress(addr)
	r.logger.Info("unit address changed", zap.Uint16("from", old), zap.Uint16("to", addr))
	return nil
}

// transmit sends one reply frame inside a transmit-enable window that covers
// the whole frame and nothing more.
func (r *Responder) transmit(code uint8, data []byte) error {
	if len(data) > derv.MaxDataSize {
		data = data[:derv.MaxDataSize]
	}
	frame := derv.MustEncodeReply(r.Address(), code, data)

	if err := r.de.Set(true); err != nil {
		return fmt.Errorf("failed to assert transmit enable: %w", err)
	}
	_, werr := r.port.Write(frame)
	if werr == nil {
		werr = bus.Drain(r.port)
	}
	if err := r.de.Set(false); err != nil {
		return fmt.Errorf("failed to release transmit enable: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("failed to send reply: %w", werr)
	}

	if r.metrics != nil {
		r.metrics.UnitRepliesTotal.WithLabelValues(strconv.Itoa(int(code))).Inc()
	}
	r.logger.Debug("reply sent", zap.Uint8("code", code), zap.Int("size", len(data)))
	return nil
}
