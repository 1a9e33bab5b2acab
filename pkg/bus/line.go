// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.bug.st/serial"
)

// Line is one direction-control output of a bus transceiver
type Line interface {
	Set(high bool) error
}

// NopLine ignores every level change. Used when the transceiver handles
// direction in hardware.
type NopLine struct{}

// Set implements Line
func (NopLine) Set(bool) error { return nil }

// MemLine records its level in memory
type MemLine struct {
	mu      sync.Mutex
	level   bool
	history []bool
}

// NewMemLine creates a line at the given initial level
func NewMemLine(initial bool) *MemLine {
	return &MemLine{level: initial}
}

// Set implements Line
func (l *MemLine) Set(high bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level != high {
		l.history = append(l.history, high)
	}
	l.level = high
	return nil
}

// Level returns the current level
func (l *MemLine) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Transitions returns every level change in order
func (l *MemLine) Transitions() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.history...)
}

// ModemSignal selects which modem-control output drives a line
type ModemSignal int

const (
	SignalRTS ModemSignal = iota
	SignalDTR
)

// ParseModemSignal accepts "rts" or "dtr"
func ParseModemSignal(s string) (ModemSignal, error) {
	switch s {
	case "rts", "RTS", "":
		return SignalRTS, nil
	case "dtr", "DTR":
		return SignalDTR, nil
	}
	return 0, fmt.Errorf("unknown modem signal %q (use rts or dtr)", s)
}

// ModemLine drives a transceiver pin from the RTS or DTR output of a serial
// port, the usual wiring of USB RS-485 adapters.
type ModemLine struct {
	port   serial.Port
	signal ModemSignal
	invert bool
}

// NewModemLine creates a line on port. With invert set a high level drives
// the signal low.
func NewModemLine(port serial.Port, signal ModemSignal, invert bool) *ModemLine {
	return &ModemLine{port: port, signal: signal, invert: invert}
}

// Set implements Line
func (l *ModemLine) Set(high bool) error {
	v := high != l.invert
	if l.signal == SignalDTR {
		return l.port.SetDTR(v)
	}
	return l.port.SetRTS(v)
}

// SysfsRoot is the Linux GPIO class directory
var SysfsRoot = "/sys/class/gpio"

// SysfsLine drives a GPIO through the Linux sysfs interface
type SysfsLine struct {
	mu   sync.Mutex
	file *os.File
}

// OpenSysfsLine exports pin if needed, configures it as an output and opens
// its value file.
func OpenSysfsLine(pin int) (*SysfsLine, error) {
	dir := filepath.Join(SysfsRoot, "gpio"+strconv.Itoa(pin))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(SysfsRoot, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, fmt.Errorf("failed to export gpio %d: %w", pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("out"), 0o200); err != nil {
		return nil, fmt.Errorf("failed to set gpio %d direction: %w", pin, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "value"), os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open gpio %d: %w", pin, err)
	}
	return &SysfsLine{file: f}, nil
}

// Set implements Line
func (l *SysfsLine) Set(high bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := []byte("0")
	if high {
		v = []byte("1")
	}
	_, err := l.file.WriteAt(v, 0)
	return err
}

// Close releases the value file
func (l *SysfsLine) Close() error {
	return l.file.Close()
}
