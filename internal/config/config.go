// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DERV_HUB_UNITTIMEOUT
const EnvPrefix = "DERV"

// HubKickInterval is how often the hub loop services its watchdog
const HubKickInterval = time.Second

// DiagnosticControllerTimeout replaces the controller idle timeout in diagnostic mode
const DiagnosticControllerTimeout = time.Second

type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Addr   string `mapstructure:"addr"`
	Path   string `mapstructure:"path"`
}

// SerialConfig names a serial device. Driver is "bugst" or "tarm".
type SerialConfig struct {
	Port   string `mapstructure:"port"`
	Baud   int    `mapstructure:"baud"`
	Driver string `mapstructure:"driver"`
}

// LinesConfig selects how transceiver direction lines are driven.
// Driver is "none", "gpio" or "modem".
type LinesConfig struct {
	Driver string `mapstructure:"driver"`
	RE     []int  `mapstructure:"re"`
	DE     []int  `mapstructure:"de"`
	Signal string `mapstructure:"signal"`
	Invert bool   `mapstructure:"invert"`
}

// ControllerConfig is the hub's upstream link: a serial port, or a
// WebSocket listener when Listen is set.
type ControllerConfig struct {
	Serial   SerialConfig `mapstructure:"serial"`
	Listen   string       `mapstructure:"listen"`
	Path     string       `mapstructure:"path"`
	Username string       `mapstructure:"username"`
	Password string       `mapstructure:"password"`
}

type HubConfig struct {
	Controller        ControllerConfig `mapstructure:"controller"`
	Bus               SerialConfig     `mapstructure:"bus"`
	Lines             LinesConfig      `mapstructure:"lines"`
	ControllerTimeout time.Duration    `mapstructure:"controllerTimeout"`
	UnitTimeout       time.Duration    `mapstructure:"unitTimeout"`
	Watchdog          time.Duration    `mapstructure:"watchdog"`
	Diagnostic        bool             `mapstructure:"diagnostic"`
}

// IdleTimeout returns the controller idle timeout in effect
func (h HubConfig) IdleTimeout() time.Duration {
	if h.Diagnostic {
		return DiagnosticControllerTimeout
	}
	return h.ControllerTimeout
}

// FeatureConfig describes one simulated reading. Mode is "fixed",
// "counter" or "random"; Values seeds the reading bytes.
type FeatureConfig struct {
	Code   uint8  `mapstructure:"code"`
	Size   int    `mapstructure:"size"`
	Mode   string `mapstructure:"mode"`
	Values []int  `mapstructure:"values"`
}

type CalibrationConfig struct {
	Inner uint8 `mapstructure:"inner"`
	Size  int   `mapstructure:"size"`
}

type UnitConfig struct {
	Serial      SerialConfig        `mapstructure:"serial"`
	Store       string              `mapstructure:"store"`
	Address     uint16              `mapstructure:"address"`
	Lines       LinesConfig         `mapstructure:"lines"`
	Features    []FeatureConfig     `mapstructure:"features"`
	Calibration []CalibrationConfig `mapstructure:"calibration"`
	Watchdog    time.Duration       `mapstructure:"watchdog"`
}

type SimUnitConfig struct {
	Segment     uint8               `mapstructure:"segment"`
	Address     uint16              `mapstructure:"address"`
	Features    []FeatureConfig     `mapstructure:"features"`
	Calibration []CalibrationConfig `mapstructure:"calibration"`
}

type SimConfig struct {
	Listen string          `mapstructure:"listen"`
	Path   string          `mapstructure:"path"`
	Units  []SimUnitConfig `mapstructure:"units"`
}

// ClientConfig is the controller side link used by query, ping, scan and monitor
type ClientConfig struct {
	Serial        SerialConfig  `mapstructure:"serial"`
	URL           string        `mapstructure:"url"`
	Username      string        `mapstructure:"username"`
	SkipSSLVerify bool          `mapstructure:"skipSSLVerify"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"maxLen"`
}

type SinkConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Hub     HubConfig     `mapstructure:"hub"`
	Unit    UnitConfig    `mapstructure:"unit"`
	Sim     SimConfig     `mapstructure:"sim"`
	Client  ClientConfig  `mapstructure:"client"`
	Sink    SinkConfig    `mapstructure:"sink"`
}

// Load reads configuration from path (or DERV_CONFIG, or ./derv.yaml when
// present), applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("derv")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot work
func (c *Config) Validate() error {
	for _, s := range []SerialConfig{c.Hub.Controller.Serial, c.Hub.Bus, c.Unit.Serial, c.Client.Serial} {
		switch s.Driver {
		case "", "bugst", "tarm":
		default:
			return fmt.Errorf("unknown serial driver %q (use bugst or tarm)", s.Driver)
		}
	}
	for _, l := range []LinesConfig{c.Hub.Lines, c.Unit.Lines} {
		switch l.Driver {
		case "", "none", "gpio", "modem":
		default:
			return fmt.Errorf("unknown line driver %q (use none, gpio or modem)", l.Driver)
		}
	}
	if c.Hub.Lines.Driver == "gpio" && (len(c.Hub.Lines.RE) != 6 || len(c.Hub.Lines.DE) != 6) {
		return fmt.Errorf("gpio lines need 6 RE and 6 DE pins, got %d and %d", len(c.Hub.Lines.RE), len(c.Hub.Lines.DE))
	}
	if c.Hub.UnitTimeout <= 0 || c.Hub.ControllerTimeout <= 0 {
		return fmt.Errorf("hub timeouts must be positive")
	}
	// one unit wait or one idle kick interval must fit inside the deadline
	floor := max(c.Hub.UnitTimeout, HubKickInterval)
	if c.Hub.Watchdog <= floor {
		return fmt.Errorf("hub.watchdog %s must exceed %s (hub.unitTimeout or the %s kick interval)",
			c.Hub.Watchdog, floor, HubKickInterval)
	}
	for _, u := range c.Sim.Units {
		if u.Segment < 1 || u.Segment > 6 {
			return fmt.Errorf("sim unit %d: segment %d outside 1-6", u.Address, u.Segment)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 10)
	v.SetDefault("logging.file.maxBackups", 5)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.addr", ":9108")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("hub.controller.serial.baud", 115200)
	v.SetDefault("hub.controller.serial.driver", "bugst")
	v.SetDefault("hub.controller.path", "/ws")
	v.SetDefault("hub.bus.baud", 9600)
	v.SetDefault("hub.bus.driver", "bugst")
	v.SetDefault("hub.lines.driver", "none")
	v.SetDefault("hub.lines.signal", "rts")
	v.SetDefault("hub.controllerTimeout", "250ms")
	v.SetDefault("hub.unitTimeout", "4s")
	v.SetDefault("hub.watchdog", "8s")
	v.SetDefault("hub.diagnostic", false)

	v.SetDefault("unit.serial.baud", 9600)
	v.SetDefault("unit.serial.driver", "bugst")
	v.SetDefault("unit.store", "unit.cbor")
	v.SetDefault("unit.address", 1)
	v.SetDefault("unit.lines.driver", "modem")
	v.SetDefault("unit.lines.signal", "rts")
	v.SetDefault("unit.watchdog", "2s")

	v.SetDefault("sim.listen", ":8765")
	v.SetDefault("sim.path", "/ws")

	v.SetDefault("client.serial.baud", 115200)
	v.SetDefault("client.serial.driver", "bugst")
	v.SetDefault("client.timeout", "5s")

	v.SetDefault("sink.redis.addr", "")
	v.SetDefault("sink.redis.stream", "derv:readings")
	v.SetDefault("sink.redis.maxLen", 100000)
}
