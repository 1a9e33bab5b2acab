// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hub

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/derv/internal/metrics"
	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/derv"
	"github.com/Thermoquad/derv/pkg/watchdog"
)

// DefaultUnitTimeout bounds the wait for one unit reply
const DefaultUnitTimeout = 4 * time.Second

// EngineOptions configures an Engine
type EngineOptions struct {
	UnitTimeout time.Duration
	Watchdog    *watchdog.Watchdog
	Logger      *zap.Logger
	Metrics     *metrics.AppMetrics
}

// Engine serves controller commands by querying units one address at a time
type Engine struct {
	port    io.Writer
	rx      *bus.Queue
	mux     *bus.Multiplexer
	timeout time.Duration
	wd      *watchdog.Watchdog
	logger  *zap.Logger
	metrics *metrics.AppMetrics
}

// Outcome of one unit query
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeBadCRC
	OutcomeMissingFeature
	OutcomeBadSize
)

// String returns the metric label of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeBadCRC:
		return "bad_crc"
	case OutcomeMissingFeature:
		return "missing_feature"
	case OutcomeBadSize:
		return "bad_size"
	default:
		return "unknown"
	}
}

// ErrorKind maps a failed outcome to the reply error kind
func (o Outcome) ErrorKind() derv.ErrorKind {
	switch o {
	case OutcomeBadCRC:
		return derv.ErrKindBadCRC
	case OutcomeMissingFeature:
		return derv.ErrKindMissingFeature
	case OutcomeBadSize:
		return derv.ErrKindBadUnitRxSize
	default:
		return derv.ErrKindUnitTimeout
	}
}

// NewEngine creates an engine on the unit bus port. It owns all reads from port.
func NewEngine(port io.ReadWriter, mux *bus.Multiplexer, opts EngineOptions) *Engine {
	if opts.UnitTimeout <= 0 {
		opts.UnitTimeout = DefaultUnitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		port:    port,
		rx:      bus.NewQueue(port, 0),
		mux:     mux,
		timeout: opts.UnitTimeout,
		wd:      opts.Watchdog,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Close stops the bus reader
func (e *Engine) Close() {
	e.rx.Stop()
}

// Execute serves c and returns the reply frame for the controller.
// Exactly one reply is produced for every command.
func (e *Engine) Execute(ctx context.Context, c *derv.Command) []byte {
	switch c.Kind {
	case derv.KindPing:
		return derv.EncodePong(c.Ping)
	case derv.KindVersion:
		return derv.EncodeVersion()
	}

	size, ok := c.DataSize()
	if !ok || !c.PollsUnits() {
		return derv.EncodeSingleError(derv.ErrKindBadCmdCode)
	}
	n := len(c.Addresses)
	if n == 0 || n > derv.MaxAddressCount {
		return derv.EncodeSingleError(derv.ErrKindBadAddrCount)
	}

	var errs []derv.ErrorEntry
	data := make([]byte, n*int(size))

	selectErr := e.mux.Select(c.Port)
	if selectErr != nil {
		e.logger.Warn("bus select failed", zap.Uint8("port", c.Port), zap.Error(selectErr))
	}

	for i, addr := range c.Addresses {
		e.wd.Kick()
		if e.metrics != nil {
			e.metrics.WatchdogKicks.Inc()
		}

		outcome := OutcomeTimeout
		var payload []byte
		if selectErr == nil {
			outcome, payload = e.queryUnit(ctx, c, addr, size)
		}
		if outcome != OutcomeOK {
			// slot stays zero-filled
			errs = append(errs, derv.ErrorEntry{Kind: outcome.ErrorKind(), Index: uint8(i + 1)})
			continue
		}
		copy(data[i*int(size):], payload)
	}

	if err := e.mux.DeselectAll(); err != nil {
		e.logger.Warn("bus deselect failed", zap.Error(err))
	}
	return derv.EncodeReadings(errs, c.EchoCode(), uint8(n), data)
}

// queryUnit performs one flush, transmit and bounded wait
func (e *Engine) queryUnit(ctx context.Context, c *derv.Command, addr uint16, size uint8) (Outcome, []byte) {
	start := time.Now()
	outcome, payload := e.exchange(ctx, c, addr, size)

	if e.metrics != nil {
		e.metrics.UnitQueriesTotal.WithLabelValues(outcome.String()).Inc()
		e.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("unit query",
		zap.Uint16("addr", addr),
		zap.Uint8("code", c.QueryCode()),
		zap.Stringer("outcome", outcome),
		zap.Duration("elapsed", time.Since(start)))
	return outcome, payload
}

func (e *Engine) exchange(ctx context.Context, c *derv.Command, addr uint16, size uint8) (Outcome, []byte) {
	if n := e.rx.Flush(); n > 0 {
		e.logger.Debug("flushed stale bus bytes", zap.Int("count", n))
	}
	if _, err := e.port.Write(derv.EncodeQuery(c, addr)); err != nil {
		e.logger.Warn("unit query write failed", zap.Uint16("addr", addr), zap.Error(err))
		return OutcomeTimeout, nil
	}

	dec := derv.NewReplyDecoder(addr)
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return OutcomeTimeout, nil
		case <-timer.C:
			return OutcomeTimeout, nil
		case b, ok := <-e.rx.Bytes():
			if !ok {
				return OutcomeTimeout, nil
			}
			rep, err := dec.DecodeByte(b)
			if errors.Is(err, derv.ErrReplySizeTooLarge) {
				return OutcomeBadSize, nil
			}
			if rep != nil {
				return classify(rep, size)
			}
		}
	}
}

func classify(rep *derv.UnitReply, size uint8) (Outcome, []byte) {
	switch {
	case !rep.CRCValid:
		return OutcomeBadCRC, nil
	case rep.Size() == 0:
		return OutcomeMissingFeature, nil
	case rep.Size() != int(size):
		return OutcomeBadSize, nil
	default:
		return OutcomeOK, rep.Data
	}
}
