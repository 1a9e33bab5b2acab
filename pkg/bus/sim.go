// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrSimClosed is returned when writing to a closed medium
var ErrSimClosed = errors.New("simulated bus closed")

// stream is an unbounded in-memory byte pipe whose writes never block
type stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newStream() *stream {
	s := &stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, p...)
	s.cond.Broadcast()
}

func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Sim is an in-memory model of a hub and its six half-duplex segments.
//
// Hub bytes reach the units of every segment whose DE line the hub drives
// high. Unit bytes reach the hub only while the unit asserts its own DE and
// the hub listens on that segment (RE low). Everything else is lost, as on a
// real bus.
type Sim struct {
	mu        sync.Mutex
	re        [SegmentCount]*MemLine
	de        [SegmentCount]*MemLine
	units     [SegmentCount][]*SimPort
	hubRx     *stream
	hubWrites int
	dropped   int
	closed    bool
}

// NewSim creates a medium with every hub transceiver disabled
func NewSim() *Sim {
	s := &Sim{hubRx: newStream()}
	for i := range s.re {
		s.re[i] = NewMemLine(true)
		s.de[i] = NewMemLine(false)
	}
	return s
}

// Segments returns the hub direction lines, for a Multiplexer
func (s *Sim) Segments() []Segment {
	out := make([]Segment, SegmentCount)
	for i := range out {
		out[i] = Segment{RE: s.re[i], DE: s.de[i]}
	}
	return out
}

// HubLines returns the RE and DE lines of one hub segment (1-based)
func (s *Sim) HubLines(port uint8) (re, de *MemLine) {
	return s.re[port-1], s.de[port-1]
}

// HubPort returns the hub side UART of the medium
func (s *Sim) HubPort() io.ReadWriteCloser {
	return &simHubPort{sim: s}
}

// Attach connects a new unit transceiver to segment port (1-based)
func (s *Sim) Attach(port uint8) (*SimPort, error) {
	if port < 1 || int(port) > SegmentCount {
		return nil, fmt.Errorf("%w: %d", ErrNoSegment, port)
	}
	p := &SimPort{sim: s, segment: int(port) - 1, rx: newStream(), de: NewMemLine(false)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[p.segment] = append(s.units[p.segment], p)
	return p, nil
}

// HubWrites returns the number of writes the hub made to the bus
func (s *Sim) HubWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hubWrites
}

// Dropped returns the number of unit writes lost because DE was not asserted
// or the hub was not listening on the segment
func (s *Sim) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close ends every stream of the medium
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hubRx.close()
	for _, seg := range s.units {
		for _, u := range seg {
			u.rx.close()
		}
	}
	return nil
}

func (s *Sim) fromHub(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSimClosed
	}
	s.hubWrites++
	for i := range s.de {
		if !s.de[i].Level() {
			continue
		}
		for _, u := range s.units[i] {
			u.rx.write(p)
		}
	}
	return nil
}

func (s *Sim) fromUnit(u *SimPort, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSimClosed
	}
	if !u.de.Level() || s.re[u.segment].Level() {
		s.dropped++
		return nil
	}
	s.hubRx.write(p)
	return nil
}

type simHubPort struct {
	sim *Sim
}

func (h *simHubPort) Read(p []byte) (int, error) {
	return h.sim.hubRx.Read(p)
}

func (h *simHubPort) Write(p []byte) (int, error) {
	if err := h.sim.fromHub(append([]byte(nil), p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (h *simHubPort) Close() error {
	return h.sim.Close()
}

// SimPort is the UART and transmit-enable line of one simulated unit
type SimPort struct {
	sim     *Sim
	segment int
	rx      *stream
	de      *MemLine
}

// Read implements io.Reader
func (p *SimPort) Read(b []byte) (int, error) {
	return p.rx.Read(b)
}

// Write implements io.Writer. Bytes are lost unless DE is asserted.
func (p *SimPort) Write(b []byte) (int, error) {
	if err := p.sim.fromUnit(p, append([]byte(nil), b...)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Drain returns once written bytes have left the transmitter
func (p *SimPort) Drain() error {
	return nil
}

// DE returns the unit transmit-enable line
func (p *SimPort) DE() *MemLine {
	return p.de
}

// Close detaches the port from the medium
func (p *SimPort) Close() error {
	p.sim.mu.Lock()
	defer p.sim.mu.Unlock()
	seg := p.sim.units[p.segment]
	for i, u := range seg {
		if u == p {
			p.sim.units[p.segment] = append(seg[:i], seg[i+1:]...)
			break
		}
	}
	p.rx.close()
	return nil
}
