// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/derv/internal/config"
	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/hub"
	"github.com/Thermoquad/derv/pkg/watchdog"
)

var hubDiagnostic bool

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the sensor hub",
	Long: `Run the hub firmware: read controller commands, query units on the six
RS-485 segments and return one aggregated reply per command.

The controller link is the hub.controller.serial port, or a WebSocket
listener when hub.controller.listen is set. The unit bus is hub.bus; its
direction lines are driven according to hub.lines.driver (none, gpio, modem).

The global --port/--baud/--serial-driver flags override hub.bus.`,
	RunE: runHub,
}

func init() {
	rootCmd.AddCommand(hubCmd)
	hubCmd.Flags().BoolVar(&hubDiagnostic, "diagnostic", false, "Diagnostic mode (1s controller timeout)")
}

func runHub(cmd *cobra.Command, args []string) error {
	hc := cfg.Hub
	if hubDiagnostic {
		hc.Diagnostic = true
	}

	busConn, err := OpenSerial(serialOverride(hc.Bus))
	if err != nil {
		return err
	}
	defer busConn.Close()

	segments, lines, err := hubSegments(hc.Lines, busConn)
	if err != nil {
		return err
	}
	defer lines.Close()

	mux, err := bus.NewMultiplexer(segments, logger.Named("mux"))
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	m := startMetrics(ctx, g)

	wd := watchdog.New(hc.Watchdog, fatalWatchdog("hub"))
	defer wd.Stop()

	engine := hub.NewEngine(busConn, mux, hub.EngineOptions{
		UnitTimeout: hc.UnitTimeout,
		Watchdog:    wd,
		Logger:      logger.Named("engine"),
		Metrics:     m,
	})
	defer engine.Close()

	h := hub.New(engine, hub.Options{
		IdleTimeout: hc.IdleTimeout(),
		Watchdog:    wd,
		Logger:      logger.Named("hub"),
		Metrics:     m,
	})

	logger.Info("hub started",
		zap.String("bus", hc.Bus.Port),
		zap.String("lines", hc.Lines.Driver),
		zap.Duration("unit_timeout", hc.UnitTimeout),
		zap.Duration("controller_timeout", hc.IdleTimeout()))

	ctrl, err := startController(ctx, g, h, hc.Controller, stop)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	return ignoreCanceled(g.Wait())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// startController runs the watchdog keepalive and the controller link in g.
// The keepalive lives as long as the process, so the deadline is serviced
// while the listener waits for a controller.
func startController(ctx context.Context, g *errgroup.Group, h *hub.Hub, cc config.ControllerConfig, stop func()) (io.Closer, error) {
	if cc.Listen == "" {
		ctrl, err := OpenSerial(cc.Serial)
		if err != nil {
			return nil, fmt.Errorf("controller link: %w", err)
		}
		g.Go(func() error { return h.KeepAlive(ctx) })
		g.Go(func() error {
			defer stop()
			return h.Serve(ctx, ctrl)
		})
		return ctrl, nil
	}

	l := &controllerListener{
		addr:     cc.Listen,
		path:     cc.Path,
		username: cc.Username,
		password: cc.Password,
		logger:   logger.Named("listener"),
		serve: func(ctx context.Context, conn Connection) error {
			return h.Serve(ctx, conn)
		},
	}
	g.Go(func() error { return h.KeepAlive(ctx) })
	g.Go(func() error { return l.Run(ctx) })
	return nopCloser{}, nil
}
