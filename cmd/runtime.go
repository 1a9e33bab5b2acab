// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/derv/internal/config"
	"github.com/Thermoquad/derv/internal/metrics"
	"github.com/Thermoquad/derv/pkg/bus"
)

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startMetrics registers the application metrics and, when enabled, serves
// them in g
func startMetrics(ctx context.Context, g *errgroup.Group) *metrics.AppMetrics {
	reg := metrics.NewRegistry()
	m := metrics.NewAppMetrics(reg)
	if cfg.Metrics.Enable {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Path, reg, logger)
		})
	}
	return m
}

// lineSet owns the direction lines opened for a transceiver
type lineSet struct {
	closers []func() error
}

func (s *lineSet) Close() {
	for _, c := range s.closers {
		_ = c()
	}
}

func (s *lineSet) gpio(pin int) (bus.Line, error) {
	l, err := bus.OpenSysfsLine(pin)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, l.Close)
	return l, nil
}

func (s *lineSet) modem(conn Connection, lc config.LinesConfig) (bus.Line, error) {
	sc, ok := conn.(*SerialConnection)
	if !ok {
		return nil, fmt.Errorf("modem lines need the bugst serial driver")
	}
	sig, err := bus.ParseModemSignal(lc.Signal)
	if err != nil {
		return nil, err
	}
	return bus.NewModemLine(sc.Port(), sig, lc.Invert), nil
}

// hubSegments builds the six transceivers of a hub.
//
// gpio: RE and DE of every segment on sysfs pins.
// modem: a single segment whose DE follows the bus port's modem signal, for
// one USB adapter standing in for segment 1.
// none: adapters that switch direction themselves.
func hubSegments(lc config.LinesConfig, busConn Connection) ([]bus.Segment, *lineSet, error) {
	set := &lineSet{}
	switch lc.Driver {
	case "gpio":
		segs := make([]bus.Segment, bus.SegmentCount)
		for i := range segs {
			re, err := set.gpio(lc.RE[i])
			if err != nil {
				set.Close()
				return nil, nil, err
			}
			de, err := set.gpio(lc.DE[i])
			if err != nil {
				set.Close()
				return nil, nil, err
			}
			segs[i] = bus.Segment{RE: re, DE: de}
		}
		return segs, set, nil

	case "modem":
		de, err := set.modem(busConn, lc)
		if err != nil {
			return nil, nil, err
		}
		return []bus.Segment{{DE: de}}, set, nil

	default:
		return nil, set, nil
	}
}

// unitDE returns the transmit-enable line of a unit
func unitDE(lc config.LinesConfig, conn Connection) (bus.Line, *lineSet, error) {
	set := &lineSet{}
	switch lc.Driver {
	case "gpio":
		if len(lc.DE) == 0 {
			return nil, nil, fmt.Errorf("gpio unit line needs a DE pin")
		}
		de, err := set.gpio(lc.DE[0])
		return de, set, err
	case "modem":
		de, err := set.modem(conn, lc)
		return de, set, err
	default:
		return nil, set, nil
	}
}

// fatalWatchdog ends the process like a hardware watchdog reset
func fatalWatchdog(component string) func() {
	return func() {
		logger.Fatal("watchdog expired, restarting", zap.String("component", component))
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
