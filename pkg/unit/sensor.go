// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package unit

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/Thermoquad/derv/pkg/derv"
)

// Sensor is the measurement and calibration collaborator of a unit.
// An empty Read result means the code is not supported.
type Sensor interface {
	Read(code uint8) []byte
	CalibrationSize(inner uint8) int
	CalibrationGet(inner uint8) []byte
	CalibrationSet(inner uint8, data []byte) error
}

// FeatureMode selects how a simulated reading evolves
type FeatureMode int

const (
	ModeFixed FeatureMode = iota
	ModeCounter
	ModeRandom
)

// ParseFeatureMode accepts "fixed", "counter" or "random"
func ParseFeatureMode(s string) (FeatureMode, error) {
	switch s {
	case "", "fixed":
		return ModeFixed, nil
	case "counter":
		return ModeCounter, nil
	case "random":
		return ModeRandom, nil
	}
	return 0, fmt.Errorf("unknown feature mode %q", s)
}

// Feature is one simulated reading
type Feature struct {
	Code  uint8
	Size  int
	Mode  FeatureMode
	Value []byte
}

// Bank is a simulated sensor board. It serves a configurable set of
// readings and calibration blocks.
type Bank struct {
	mu       sync.Mutex
	features map[uint8]*Feature
	calSize  map[uint8]int
	cal      map[uint8][]byte
	rng      *rand.Rand
}

// NewBank creates an empty bank
func NewBank() *Bank {
	return &Bank{
		features: make(map[uint8]*Feature),
		calSize:  make(map[uint8]int),
		cal:      make(map[uint8][]byte),
		rng:      rand.New(rand.NewSource(1)),
	}
}

// DefaultBank creates a bank serving every reading the unit firmware knows,
// with pressure-wide calibration.
func DefaultBank() *Bank {
	b := NewBank()
	b.AddFeature(Feature{Code: derv.CodeTempHum, Size: 4, Mode: ModeFixed, Value: u16s(6500, 1200)})
	b.AddFeature(Feature{Code: derv.CodeWind, Size: 2, Mode: ModeCounter})
	b.AddFeature(Feature{Code: derv.CodeTach, Size: 2, Mode: ModeFixed, Value: u16s(1450)})
	b.AddFeature(Feature{Code: derv.CodeThermocouple, Size: 4, Mode: ModeFixed, Value: u16s(412, 0)})
	b.AddFeature(Feature{Code: derv.CodePressure, Size: 2, Mode: ModeRandom})
	b.AddFeature(Feature{Code: derv.CodePressureWide, Size: 4, Mode: ModeRandom})
	b.AddFeature(Feature{Code: derv.CodeMultiTempReset, Size: 1, Mode: ModeFixed, Value: []byte{1}})
	for ch := uint8(derv.CodeMultiTempCh1); ch <= derv.CodeMultiTempCh4; ch++ {
		b.AddFeature(Feature{Code: ch, Size: 2, Mode: ModeRandom})
	}
	for ch := uint8(derv.CodeMultiTempROM1); ch <= derv.CodeMultiTempROM4; ch++ {
		rom := []byte{0x28, ch, 0, 0, 0, 0, 0}
		b.AddFeature(Feature{Code: ch, Size: 8, Mode: ModeFixed, Value: append(rom, derv.CalculateCRC(rom))})
	}
	b.SetCalibrationSize(derv.CodePressureWide, 4)
	return b
}

func u16s(vals ...uint16) []byte {
	out := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint16(out, v)
	}
	return out
}

// AddFeature registers or replaces a reading. Size is clamped to 1..8 and
// Value is padded or cut to Size.
func (b *Bank) AddFeature(f Feature) {
	if f.Size <= 0 {
		f.Size = len(f.Value)
	}
	if f.Size > derv.MaxDataSize {
		f.Size = derv.MaxDataSize
	}
	if f.Size == 0 {
		return
	}
	v := make([]byte, f.Size)
	copy(v, f.Value)
	f.Value = v

	b.mu.Lock()
	defer b.mu.Unlock()
	b.features[f.Code] = &f
}

// SetCalibrationSize declares a calibration block for inner; 0 removes it
func (b *Bank) SetCalibrationSize(inner uint8, size int) {
	if size > derv.MaxDataSize {
		size = derv.MaxDataSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if size <= 0 {
		delete(b.calSize, inner)
		delete(b.cal, inner)
		return
	}
	b.calSize[inner] = size
	b.cal[inner] = make([]byte, size)
}

// Read implements Sensor
func (b *Bank) Read(code uint8) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.features[code]
	if !ok {
		return nil
	}
	switch f.Mode {
	case ModeCounter:
		out := append([]byte(nil), f.Value...)
		incrementLE(f.Value)
		return out
	case ModeRandom:
		out := make([]byte, f.Size)
		b.rng.Read(out)
		return out
	default:
		return append([]byte(nil), f.Value...)
	}
}

func incrementLE(v []byte) {
	for i := range v {
		v[i]++
		if v[i] != 0 {
			return
		}
	}
}

// CalibrationSize implements Sensor
func (b *Bank) CalibrationSize(inner uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calSize[inner]
}

// CalibrationGet implements Sensor
func (b *Bank) CalibrationGet(inner uint8) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.cal[inner]...)
}

// CalibrationSet implements Sensor
func (b *Bank) CalibrationSet(inner uint8, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, ok := b.calSize[inner]
	if !ok {
		return fmt.Errorf("no calibration for code %d", inner)
	}
	if len(data) != size {
		return fmt.Errorf("calibration for code %d is %d bytes, got %d", inner, size, len(data))
	}
	b.cal[inner] = append([]byte(nil), data...)
	return nil
}
