// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import (
	"encoding/binary"
	"fmt"
	"time"
)

// UnitReply is one decoded unit -> hub frame
type UnitReply struct {
	Address   uint16
	Code      uint8
	Data      []byte
	CRC       uint8
	CRCValid  bool
	Timestamp time.Time
}

// Size returns the declared data size
func (r *UnitReply) Size() int {
	return len(r.Data)
}

// EncodeReply creates a checksummed unit reply frame.
// An empty data slice is the "feature unsupported" reply.
func EncodeReply(addr uint16, code uint8, data []byte) ([]byte, error) {
	if len(data) > MaxDataSize {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrReplySizeTooLarge, len(data), MaxDataSize)
	}
	buf := make([]byte, 0, replyHeaderSize+len(data)+1)
	buf = append(buf, Magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, addr)
	buf = append(buf, code, uint8(len(data)))
	buf = append(buf, data...)
	return append(buf, CalculateCRC(buf)), nil
}

// MustEncodeReply is EncodeReply for data known to fit. Panics otherwise.
func MustEncodeReply(addr uint16, code uint8, data []byte) []byte {
	frame, err := EncodeReply(addr, code, data)
	if err != nil {
		panic(fmt.Sprintf("derv: encode error: %v", err))
	}
	return frame
}

// ReplyDecoder is the hub-side parser for unit replies.
//
// A complete frame from a different address is not an error: it is dropped
// and the decoder keeps hunting for the expected address.
type ReplyDecoder struct {
	hunter  MagicHunter
	buf     [MaxReplyFrameSize]byte
	idx     int
	address uint16
	sniff   bool
}

// NewReplyDecoder creates a decoder that returns only replies from addr
func NewReplyDecoder(addr uint16) *ReplyDecoder {
	return &ReplyDecoder{address: addr}
}

// NewSniffDecoder creates a decoder that returns replies from every address
func NewSniffDecoder() *ReplyDecoder {
	return &ReplyDecoder{sniff: true}
}

// Expect re-targets the decoder at addr and discards any partial frame
func (d *ReplyDecoder) Expect(addr uint16) {
	d.address = addr
	d.Reset()
}

// Reset discards any partial frame
func (d *ReplyDecoder) Reset() {
	d.hunter.Reset()
	d.idx = 0
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed reply from the expected address, or nil.
// Returns ErrReplySizeTooLarge when a header declares more than MaxDataSize bytes.
func (d *ReplyDecoder) DecodeByte(b byte) (*UnitReply, error) {
	if !d.hunter.Synced() {
		if d.hunter.Feed(b) {
			copy(d.buf[:], Magic[:])
			d.idx = MagicSize
		}
		return nil, nil
	}

	d.buf[d.idx] = b
	d.idx++

	if d.idx < replyHeaderSize {
		return nil, nil
	}
	size := int(d.buf[replyHeaderSize-1])
	if size > MaxDataSize {
		d.Reset()
		return nil, fmt.Errorf("%w: %d (max %d)", ErrReplySizeTooLarge, size, MaxDataSize)
	}
	if d.idx < replyHeaderSize+size+1 {
		return nil, nil
	}

	frame := d.buf[:d.idx]
	addr := binary.LittleEndian.Uint16(frame[MagicSize:])
	d.Reset()
	if !d.sniff && addr != d.address {
		return nil, nil
	}

	data := make([]byte, size)
	copy(data, frame[replyHeaderSize:replyHeaderSize+size])
	return &UnitReply{
		Address:   addr,
		Code:      frame[MagicSize+2],
		Data:      data,
		CRC:       frame[len(frame)-1],
		CRCValid:  VerifyCRC(frame),
		Timestamp: time.Now(),
	}, nil
}
