// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import "encoding/binary"

// Query is one hub -> unit frame as seen by the addressed unit
type Query struct {
	Address    uint16
	Code       uint8
	Inner      uint8  // calibration commands only
	Payload    []byte // calibration-set block
	NewAddress uint16 // change-address only
}

// IsChangeAddress reports whether q is an honored change-address broadcast
func (q *Query) IsChangeAddress() bool {
	return q.Code == CodeChangeAddress && q.Address == AddressBroadcast
}

// IsCalibration reports whether q is a calibration get or set
func (q *Query) IsCalibration() bool {
	return q.Code == CodeCalRead || q.Code == CodeCalSet
}

// EncodeQuery creates the hub -> unit frame that serves c for one address.
// Length is 7 bytes, 8 for calibration reads and 8+size for calibration sets.
func EncodeQuery(c *Command, addr uint16) []byte {
	buf := make([]byte, 0, MaxQueryFrameSize)
	buf = append(buf, Magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, addr)
	switch c.Kind {
	case KindCalRead:
		buf = append(buf, CodeCalRead, c.Inner)
	case KindCalSet:
		buf = append(buf, CodeCalSet, c.Inner)
		buf = append(buf, c.Payload...)
	default:
		buf = append(buf, c.QueryCode())
	}
	return buf
}

// EncodeUnitQuery creates a plain read frame for code at addr
func EncodeUnitQuery(addr uint16, code uint8) []byte {
	buf := make([]byte, 0, QueryFrameSize)
	buf = append(buf, Magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, addr)
	return append(buf, code)
}

// EncodeChangeAddress creates the broadcast frame that moves every listening
// unit to newAddr. Only one unit should be attached when it is sent.
func EncodeChangeAddress(newAddr uint16) []byte {
	buf := make([]byte, 0, QueryFrameSize+2)
	buf = append(buf, Magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, AddressBroadcast)
	buf = append(buf, CodeChangeAddress)
	return binary.LittleEndian.AppendUint16(buf, newAddr)
}

// CalSizeFunc reports the calibration block size for an inner code; 0 means unsupported
type CalSizeFunc func(inner uint8) int

// Unit-side decoder stages
const (
	queryAddrLo = iota
	queryAddrHi
	queryCode
	queryInner
	queryCalPayload
	queryNewAddrLo
	queryNewAddrHi
)

// QueryDecoder is the unit-side parser for hub frames.
//
// Frames addressed elsewhere are dropped after the code byte. Calibration
// frames need an exact address match; change-address frames need the
// broadcast address.
type QueryDecoder struct {
	hunter  MagicHunter
	address uint16
	calSize CalSizeFunc
	stage   int
	want    int
	q       Query
}

// NewQueryDecoder creates a decoder filtering on address
func NewQueryDecoder(address uint16, calSize CalSizeFunc) *QueryDecoder {
	if calSize == nil {
		calSize = func(uint8) int { return 0 }
	}
	return &QueryDecoder{address: address, calSize: calSize}
}

// Address returns the working address used for filtering
func (d *QueryDecoder) Address() uint16 {
	return d.address
}

// SetAddress changes the working address used for filtering
func (d *QueryDecoder) SetAddress(addr uint16) {
	d.address = addr
}

// Reset discards any partial frame
func (d *QueryDecoder) Reset() {
	d.hunter.Reset()
	d.stage = queryAddrLo
	d.want = 0
	d.q = Query{}
}

// DecodeByte processes a single byte and returns a query that must be acted
// upon, or nil.
func (d *QueryDecoder) DecodeByte(b byte) *Query {
	if !d.hunter.Synced() {
		d.hunter.Feed(b)
		return nil
	}

	switch d.stage {
	case queryAddrLo:
		d.q.Address = uint16(b)
		d.stage = queryAddrHi

	case queryAddrHi:
		d.q.Address |= uint16(b) << 8
		d.stage = queryCode

	case queryCode:
		d.q.Code = b
		switch {
		case b == CodeChangeAddress && d.q.Address == AddressBroadcast:
			d.stage = queryNewAddrLo
		case d.q.Address == d.address && (b == CodeCalRead || b == CodeCalSet):
			d.stage = queryInner
		case d.q.Address == d.address:
			return d.finish()
		default:
			d.Reset()
		}

	case queryInner:
		d.q.Inner = b
		d.want = d.calSize(b)
		if d.want > MaxDataSize {
			d.want = MaxDataSize
		}
		if d.q.Code == CodeCalRead || d.want <= 0 {
			return d.finish()
		}
		d.q.Payload = make([]byte, 0, d.want)
		d.stage = queryCalPayload

	case queryCalPayload:
		d.q.Payload = append(d.q.Payload, b)
		if len(d.q.Payload) == d.want {
			return d.finish()
		}

	case queryNewAddrLo:
		d.q.NewAddress = uint16(b)
		d.stage = queryNewAddrHi

	case queryNewAddrHi:
		d.q.NewAddress |= uint16(b) << 8
		return d.finish()

	default:
		d.Reset()
	}
	return nil
}

func (d *QueryDecoder) finish() *Query {
	q := d.q
	d.Reset()
	return &q
}
