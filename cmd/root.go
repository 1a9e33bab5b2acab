// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/derv/internal/config"
	"github.com/Thermoquad/derv/internal/logging"
)

var (
	configPath string
	logLevel   string

	// Serial connection flags
	portName     string
	baudRate     int
	serialDriver string

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Loaded by PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "derv",
	Short: "DERV sensor network hub, unit and controller tools",
	Long: `derv - Hub, Unit and controller tooling for the DERV RS-485 sensor network.

The hub and unit commands run the network firmware on a host with serial
adapters. The remaining commands talk to a hub as the controller would, or
listen on a unit bus.

Connection modes (controller tools):
  Serial:    --port /dev/ttyUSB0 [--baud 115200] [--serial-driver bugst|tarm]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the DERV_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Settings not given as flags come from derv.yaml (or --config) and DERV_*
environment variables.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./derv.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only, default from config)")
	rootCmd.PersistentFlags().StringVar(&serialDriver, "serial-driver", "", "Serial backend: bugst or tarm")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
}

func loadRuntime(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, err = logging.InitLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	return nil
}

// serialOverride applies the connection flags on top of a configured port
func serialOverride(sc config.SerialConfig) config.SerialConfig {
	if portName != "" {
		sc.Port = portName
	}
	if baudRate > 0 {
		sc.Baud = baudRate
	}
	if serialDriver != "" {
		sc.Driver = serialDriver
	}
	return sc
}

// Execute runs the root command
func Execute() error {
	defer func() {
		if logger != nil {
			_ = logger.Sync()
		}
	}()
	return rootCmd.Execute()
}
