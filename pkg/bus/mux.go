// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SegmentCount is the number of RS-485 segments on a hub
const SegmentCount = 6

// ErrNoSegment is returned by Select for a port outside 1..SegmentCount
var ErrNoSegment = errors.New("no such bus segment")

// Segment is the direction-control pair of one transceiver.
// RE is active-low, DE is active-high.
type Segment struct {
	RE Line
	DE Line
}

func (s Segment) enable() error {
	if err := s.RE.Set(false); err != nil {
		return err
	}
	return s.DE.Set(true)
}

func (s Segment) disable() error {
	if err := s.DE.Set(false); err != nil {
		return err
	}
	return s.RE.Set(true)
}

// Multiplexer owns the six transceivers of a hub. At most one segment is
// enabled at a time and switching always passes through all-disabled.
type Multiplexer struct {
	mu       sync.Mutex
	segments [SegmentCount]Segment
	selected uint8
	logger   *zap.Logger
}

// NewMultiplexer creates a multiplexer and leaves every segment disabled.
// Missing segments or lines are filled with NopLine.
func NewMultiplexer(segments []Segment, logger *zap.Logger) (*Multiplexer, error) {
	if len(segments) > SegmentCount {
		return nil, fmt.Errorf("%d segments given, hub has %d", len(segments), SegmentCount)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Multiplexer{logger: logger}
	for i := range m.segments {
		if i < len(segments) {
			m.segments[i] = segments[i]
		}
		if m.segments[i].RE == nil {
			m.segments[i].RE = NopLine{}
		}
		if m.segments[i].DE == nil {
			m.segments[i].DE = NopLine{}
		}
	}
	return m, m.DeselectAll()
}

// Select disables every segment and then enables port (1-based)
func (m *Multiplexer) Select(port uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.deselectAll(); err != nil {
		return err
	}
	if port < 1 || int(port) > SegmentCount {
		return fmt.Errorf("%w: %d", ErrNoSegment, port)
	}
	if err := m.segments[port-1].enable(); err != nil {
		return fmt.Errorf("failed to enable segment %d: %w", port, err)
	}
	m.selected = port
	m.logger.Debug("bus segment selected", zap.Uint8("port", port))
	return nil
}

// DeselectAll returns every segment to the disabled state
func (m *Multiplexer) DeselectAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deselectAll()
}

func (m *Multiplexer) deselectAll() error {
	var errs []error
	for i, s := range m.segments {
		if err := s.disable(); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", i+1, err))
		}
	}
	m.selected = 0
	return errors.Join(errs...)
}

// Selected returns the enabled port, or 0 when none is
func (m *Multiplexer) Selected() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}
