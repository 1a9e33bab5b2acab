// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hub implements the sensor hub: it takes commands from a controller,
// fans them out to units on six RS-485 segments and aggregates the replies.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Thermoquad/derv/internal/metrics"
	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/derv"
	"github.com/Thermoquad/derv/pkg/watchdog"
)

// DefaultIdleTimeout aborts a controller frame that stalls after its preamble
const DefaultIdleTimeout = 250 * time.Millisecond

// DefaultKickInterval is how often the hub services its watchdog
const DefaultKickInterval = time.Second

// Options configures a Hub
type Options struct {
	IdleTimeout  time.Duration
	KickInterval time.Duration
	Watchdog    *watchdog.Watchdog
	Logger      *zap.Logger
	Metrics     *metrics.AppMetrics
}

// Hub is the controller-facing loop
type Hub struct {
	engine  *Engine
	idle    time.Duration
	kick    time.Duration
	wd      *watchdog.Watchdog
	logger  *zap.Logger
	metrics *metrics.AppMetrics

	// controller links currently in Serve
	serving atomic.Int32
}

// New creates a hub serving commands through engine
func New(engine *Engine, opts Options) *Hub {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.KickInterval <= 0 {
		opts.KickInterval = DefaultKickInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		engine:  engine,
		idle:    opts.IdleTimeout,
		kick:    opts.KickInterval,
		wd:      opts.Watchdog,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Serve reads commands from ctrl and writes one reply per command until ctx
// is done or ctrl fails. Only one command is ever in flight.
func (h *Hub) Serve(ctx context.Context, ctrl io.ReadWriter) error {
	h.serving.Add(1)
	defer h.serving.Add(-1)

	q := bus.NewQueue(ctrl, 0)
	defer q.Stop()
	dec := derv.NewCommandDecoder()

	idle := time.NewTimer(h.idle)
	idle.Stop()
	defer idle.Stop()

	tick := time.NewTicker(h.kick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick.C:
			h.wd.Kick()

		case <-idle.C:
			h.logger.Debug("controller frame timed out")
			h.abort("timeout")
			dec.Reset()
			if err := h.reply(ctrl, derv.EncodeSingleError(derv.ErrKindBadAddrCount)); err != nil {
				return err
			}

		case b, ok := <-q.Bytes():
			if !ok {
				if err := q.Err(); err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("controller link: %w", err)
				}
				return nil
			}
			if h.metrics != nil {
				h.metrics.ControllerBytes.Inc()
			}

			cmd, err := dec.DecodeByte(b)
			idle.Stop()
			if err != nil {
				if rerr := h.handleParseError(ctrl, err); rerr != nil {
					return rerr
				}
			} else if cmd != nil {
				if err := h.serveCommand(ctx, ctrl, cmd); err != nil {
					return err
				}
			}
			if dec.InFrame() {
				idle.Reset(h.idle)
			}
		}
	}
}

// KeepAlive services the watchdog while no controller link is being served
// and returns when ctx is done. While Serve runs only its own loop kicks.
func (h *Hub) KeepAlive(ctx context.Context) error {
	tick := time.NewTicker(h.kick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if h.serving.Load() == 0 {
				h.wd.Kick()
			}
		}
	}
}

func (h *Hub) handleParseError(ctrl io.Writer, err error) error {
	h.logger.Debug("controller frame aborted", zap.Error(err))
	switch {
	case errors.Is(err, derv.ErrBadAddrCount):
		h.abort("addr_count")
		return h.reply(ctrl, derv.EncodeSingleError(derv.ErrKindBadAddrCount))
	case errors.Is(err, derv.ErrBadCommandCode):
		h.abort("cmd_code")
		return h.reply(ctrl, derv.EncodeSingleError(derv.ErrKindBadCmdCode))
	default:
		// oversized calibration block: dropped without a reply
		h.abort("size")
		return nil
	}
}

func (h *Hub) serveCommand(ctx context.Context, ctrl io.Writer, cmd *derv.Command) error {
	id := uuid.New()
	start := time.Now()
	logger := h.logger.With(zap.String("cmd_id", id.String()))
	logger.Debug("command received", zap.String("cmd", derv.FormatCommand(cmd)))

	if h.metrics != nil {
		h.metrics.CommandsTotal.WithLabelValues(cmd.Kind.String()).Inc()
	}

	frame := h.engine.Execute(ctx, cmd)
	logger.Info("command served",
		zap.Stringer("kind", cmd.Kind),
		zap.Uint8("code", cmd.Code),
		zap.Int("addresses", len(cmd.Addresses)),
		zap.Int("reply_len", len(frame)),
		zap.Duration("elapsed", time.Since(start)))
	return h.reply(ctrl, frame)
}

func (h *Hub) reply(ctrl io.Writer, frame []byte) error {
	if _, err := ctrl.Write(frame); err != nil {
		return fmt.Errorf("controller link: %w", err)
	}
	return nil
}

func (h *Hub) abort(reason string) {
	if h.metrics != nil {
		h.metrics.ParseAbortsTotal.WithLabelValues(reason).Inc()
	}
}
