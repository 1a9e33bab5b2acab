// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/derv/internal/config"
	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/hub"
	"github.com/Thermoquad/derv/pkg/unit"
)

var simListen string

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a hub and simulated units on an in-memory bus",
	Long: `Run a complete network in one process for bench testing controller software.

The hub firmware runs against an in-memory model of the six segments with
the units listed in sim.units attached (three units on segment 1 and one on
segment 2 when none are configured). Controllers connect over WebSocket:

  derv sim --listen :8765
  derv query read --url ws://localhost:8765/ws --code 1 --segment 1 --addr 1,2,3`,
	RunE: runSim,
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringVar(&simListen, "listen", "", "WebSocket listen address (default sim.listen)")
}

var defaultSimUnits = []config.SimUnitConfig{
	{Segment: 1, Address: 1},
	{Segment: 1, Address: 2},
	{Segment: 1, Address: 3},
	{Segment: 2, Address: 10},
}

func runSim(cmd *cobra.Command, args []string) error {
	sc := cfg.Sim
	if simListen != "" {
		sc.Listen = simListen
	}
	units := sc.Units
	if len(units) == 0 {
		units = defaultSimUnits
	}

	ctx, stop := signalContext()
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	m := startMetrics(ctx, g)

	medium := bus.NewSim()
	defer medium.Close()

	for _, uc := range units {
		bank, err := bankFromConfig(uc.Features, uc.Calibration)
		if err != nil {
			return err
		}
		port, err := medium.Attach(uc.Segment)
		if err != nil {
			return err
		}
		r, err := unit.New(port, unit.Options{
			Address: uc.Address,
			Sensor:  bank,
			DE:      port.DE(),
			Logger:  logger.Named("unit").With(zap.Uint16("addr", uc.Address)),
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return r.Run(ctx) })
		logger.Info("simulated unit attached", zap.Uint8("segment", uc.Segment), zap.Uint16("addr", uc.Address))
	}

	mux, err := bus.NewMultiplexer(medium.Segments(), logger.Named("mux"))
	if err != nil {
		return err
	}
	engine := hub.NewEngine(medium.HubPort(), mux, hub.EngineOptions{
		UnitTimeout: cfg.Hub.UnitTimeout,
		Logger:      logger.Named("engine"),
		Metrics:     m,
	})
	defer engine.Close()

	h := hub.New(engine, hub.Options{
		IdleTimeout: cfg.Hub.IdleTimeout(),
		Logger:      logger.Named("hub"),
		Metrics:     m,
	})

	l := &controllerListener{
		addr:   sc.Listen,
		path:   sc.Path,
		logger: logger.Named("listener"),
		serve: func(ctx context.Context, conn Connection) error {
			return h.Serve(ctx, conn)
		},
	}
	g.Go(func() error { return l.Run(ctx) })

	go func() {
		// unblock the unit readers once the listener is gone
		<-ctx.Done()
		medium.Close()
	}()
	return ignoreCanceled(g.Wait())
}
