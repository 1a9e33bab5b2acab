// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/derv/internal/config"
	"github.com/Thermoquad/derv/pkg/unit"
)

var unitAddress int

var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Run a sensor unit on a serial port",
	Long: `Run the unit firmware on a serial port attached to a DERV segment.

Readings come from a simulated sensor bank built from unit.features (every
known reading when none are configured). Address and calibration survive
restarts in the unit.store file. The transmit-enable line follows
unit.lines.driver (modem drives RTS or DTR).

The global --port/--baud/--serial-driver flags override unit.serial.`,
	RunE: runUnit,
}

func init() {
	rootCmd.AddCommand(unitCmd)
	unitCmd.Flags().IntVar(&unitAddress, "address", -1, "Address to use when the store holds none")
}

// bankFromConfig builds a sensor bank from feature and calibration settings
func bankFromConfig(features []config.FeatureConfig, cals []config.CalibrationConfig) (*unit.Bank, error) {
	if len(features) == 0 {
		b := unit.DefaultBank()
		for _, c := range cals {
			b.SetCalibrationSize(c.Inner, c.Size)
		}
		return b, nil
	}

	b := unit.NewBank()
	for _, f := range features {
		mode, err := unit.ParseFeatureMode(f.Mode)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", f.Code, err)
		}
		value := make([]byte, len(f.Values))
		for i, v := range f.Values {
			if v < 0 || v > 0xFF {
				return nil, fmt.Errorf("feature %d: value %d is not a byte", f.Code, v)
			}
			value[i] = byte(v)
		}
		b.AddFeature(unit.Feature{Code: f.Code, Size: f.Size, Mode: mode, Value: value})
	}
	for _, c := range cals {
		b.SetCalibrationSize(c.Inner, c.Size)
	}
	return b, nil
}

func runUnit(cmd *cobra.Command, args []string) error {
	uc := cfg.Unit
	if unitAddress >= 0 {
		uc.Address = uint16(unitAddress)
	}

	bank, err := bankFromConfig(uc.Features, uc.Calibration)
	if err != nil {
		return err
	}

	conn, err := OpenSerial(serialOverride(uc.Serial))
	if err != nil {
		return err
	}
	defer conn.Close()

	de, lines, err := unitDE(uc.Lines, conn)
	if err != nil {
		return err
	}
	defer lines.Close()

	ctx, stop := signalContext()
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	m := startMetrics(ctx, g)

	r, err := unit.New(conn, unit.Options{
		Address:    uc.Address,
		Sensor:     bank,
		Store:      unit.NewFileStore(uc.Store),
		DE:         de,
		Watchdog:   uc.Watchdog,
		OnWatchdog: fatalWatchdog("unit"),
		Logger:     logger.Named("unit"),
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	logger.Info("unit ready", zap.Uint16("addr", r.Address()), zap.String("store", uc.Store))
	g.Go(func() error {
		defer stop()
		return r.Run(ctx)
	})
	return ignoreCanceled(g.Wait())
}
