// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import "fmt"

// commandBody parses the bytes that follow the command code for one grammar
type commandBody interface {
	feed(c *Command, b byte) (done bool, err error)
}

// CommandDecoder is the hub-side parser for controller commands.
//
// Once the preamble is matched the first byte fixes the command kind for the
// rest of the frame; the remaining bytes go to exactly one body parser.
type CommandDecoder struct {
	hunter MagicHunter
	cmd    *Command
	body   commandBody
}

// NewCommandDecoder creates a controller command decoder
func NewCommandDecoder() *CommandDecoder {
	return &CommandDecoder{}
}

// Reset discards any partial frame
func (d *CommandDecoder) Reset() {
	d.hunter.Reset()
	d.cmd = nil
	d.body = nil
}

// InFrame reports whether the preamble has been matched and a frame is in progress
func (d *CommandDecoder) InFrame() bool {
	return d.hunter.Synced()
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed command, or nil if the command is incomplete.
// Returns an error when the frame is aborted; the decoder is reset either way.
func (d *CommandDecoder) DecodeByte(b byte) (*Command, error) {
	if !d.hunter.Synced() {
		d.hunter.Feed(b)
		return nil, nil
	}

	if d.cmd == nil {
		return d.startCommand(b)
	}

	done, err := d.body.feed(d.cmd, b)
	if err != nil {
		d.Reset()
		return nil, err
	}
	if !done {
		return nil, nil
	}
	cmd := d.cmd
	d.Reset()
	return cmd, nil
}

func (d *CommandDecoder) startCommand(code byte) (*Command, error) {
	cmd := &Command{Code: code, Kind: ClassifyCode(code)}
	switch cmd.Kind {
	case KindVersion:
		d.Reset()
		return cmd, nil
	case KindPing:
		d.body = &pingBody{}
	case KindSensorRead:
		d.body = &addressListBody{}
	case KindGenericRead, KindCalRead:
		d.body = &innerBody{next: &addressListBody{}, checkInner: true}
	case KindCalSet:
		d.body = &innerBody{next: &calSetBody{}}
	default:
		d.Reset()
		return nil, fmt.Errorf("%w: %d", ErrBadCommandCode, code)
	}
	d.cmd = cmd
	return nil, nil
}

// pingBody: value(2)
type pingBody struct {
	n int
}

func (p *pingBody) feed(c *Command, b byte) (bool, error) {
	if p.n == 0 {
		c.Ping = uint16(b)
		p.n++
		return false, nil
	}
	c.Ping |= uint16(b) << 8
	return true, nil
}

// addressListBody: port(1) count(1) addr[count](2 each)
type addressListBody struct {
	stage int
	count int
	lo    byte
}

func (p *addressListBody) feed(c *Command, b byte) (bool, error) {
	switch p.stage {
	case 0:
		c.Port = b
		p.stage++
		return false, nil
	case 1:
		if b == 0 || b > MaxAddressCount {
			return false, fmt.Errorf("%w: %d (valid 1-%d)", ErrBadAddrCount, b, MaxAddressCount)
		}
		p.count = int(b)
		c.Addresses = make([]uint16, 0, p.count)
		p.stage++
		return false, nil
	case 2:
		p.lo = b
		p.stage++
		return false, nil
	default:
		c.Addresses = append(c.Addresses, uint16(p.lo)|uint16(b)<<8)
		p.stage = 2
		return len(c.Addresses) == p.count, nil
	}
}

// innerBody: inner(1) size(1) then the wrapped body
type innerBody struct {
	stage      int
	checkInner bool
	next       commandBody
}

func (p *innerBody) feed(c *Command, b byte) (bool, error) {
	switch p.stage {
	case 0:
		if p.checkInner && !IsSensorCode(b) {
			return false, fmt.Errorf("%w: inner code %d", ErrBadCommandCode, b)
		}
		c.Inner = b
		p.stage++
		return false, nil
	case 1:
		if b > MaxDataSize {
			return false, fmt.Errorf("%w: %d (max %d)", ErrCalSizeTooLarge, b, MaxDataSize)
		}
		c.Size = b
		p.stage++
		return false, nil
	default:
		return p.next.feed(c, b)
	}
}

// calSetBody: port(1) addr(2) payload[size]
type calSetBody struct {
	stage int
}

func (p *calSetBody) feed(c *Command, b byte) (bool, error) {
	switch p.stage {
	case 0:
		c.Port = b
		p.stage++
		return false, nil
	case 1:
		c.Addresses = []uint16{uint16(b)}
		p.stage++
		return false, nil
	case 2:
		c.Addresses[0] |= uint16(b) << 8
		p.stage++
		c.Payload = make([]byte, 0, c.Size)
		return c.Size == 0, nil
	default:
		c.Payload = append(c.Payload, b)
		return len(c.Payload) == int(c.Size), nil
	}
}
