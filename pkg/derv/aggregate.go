// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import (
	"encoding/binary"
	"fmt"
)

// Aggregated reply sizes
const (
	lengthFieldSize  = 2
	errorHeaderSize  = 2
	errorEntrySize   = 2
	readingsHeader   = 4
	ValueReplySize   = 5
	SingleErrorSize  = 6
	MaxAggregateSize = lengthFieldSize + errorHeaderSize + MaxAddressCount*errorEntrySize +
		readingsHeader + MaxAddressCount*MaxDataSize
)

// ErrorEntry is one (kind, index) pair of the error block
type ErrorEntry struct {
	Kind  ErrorKind
	Index uint8
}

// Reply is one decoded hub -> controller reply
type Reply struct {
	Length uint16
	Errors []ErrorEntry

	// Code is the trailing block code, zero for an error-only reply
	Code ReplyCode

	// Readings block
	TotalSize uint8
	EchoCode  uint8
	Count     uint8
	Data      []byte

	// Pong or version value
	Value uint16
}

// HasErrors reports whether an error block was present
func (r *Reply) HasErrors() bool {
	return len(r.Errors) > 0
}

// SlotSize returns the per-address reading size
func (r *Reply) SlotSize() int {
	if r.Count == 0 {
		return 0
	}
	return len(r.Data) / int(r.Count)
}

// Slot returns the reading bytes for the i-th requested address
func (r *Reply) Slot(i int) []byte {
	size := r.SlotSize()
	if i < 0 || i >= int(r.Count) || size == 0 {
		return nil
	}
	return r.Data[i*size : (i+1)*size]
}

// ErrorFor returns the error kind recorded for the 1-based slot index, if any
func (r *Reply) ErrorFor(index uint8) (ErrorKind, bool) {
	for _, e := range r.Errors {
		if e.Index == index {
			return e.Kind, true
		}
	}
	return 0, false
}

// EncodeReadings creates the aggregated reply for a polling command.
// The error block is omitted when errs is empty.
func EncodeReadings(errs []ErrorEntry, echo uint8, count uint8, data []byte) []byte {
	size := lengthFieldSize + readingsHeader + len(data)
	if len(errs) > 0 {
		size += errorHeaderSize + len(errs)*errorEntrySize
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(size))
	buf = appendErrorBlock(buf, errs)
	// the total-size byte wraps for full 32 x 8 byte reads; decoders use the length field
	buf = append(buf, byte(ReplyReadings), uint8(len(data)+1), echo, count)
	return append(buf, data...)
}

// EncodeErrors creates an error-only reply, used when no block follows.
func EncodeErrors(errs []ErrorEntry) []byte {
	size := lengthFieldSize + errorHeaderSize + len(errs)*errorEntrySize
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(size))
	return appendErrorBlock(buf, errs)
}

// EncodeSingleError creates the fixed six byte error reply. The index byte
// repeats the kind.
func EncodeSingleError(kind ErrorKind) []byte {
	return EncodeErrors([]ErrorEntry{{Kind: kind, Index: uint8(kind)}})
}

// EncodeValue creates a five byte pong or version reply
func EncodeValue(code ReplyCode, value uint16) []byte {
	buf := make([]byte, 0, ValueReplySize)
	buf = binary.LittleEndian.AppendUint16(buf, ValueReplySize)
	buf = append(buf, byte(code))
	return binary.LittleEndian.AppendUint16(buf, value)
}

// EncodePong creates the reply to a ping carrying value
func EncodePong(ping uint16) []byte {
	return EncodeValue(ReplyPong, ping+1)
}

// EncodeVersion creates the hub version reply
func EncodeVersion() []byte {
	return EncodeValue(ReplyVersion, HubVersion)
}

func appendErrorBlock(buf []byte, errs []ErrorEntry) []byte {
	if len(errs) == 0 {
		return buf
	}
	buf = append(buf, byte(ReplyError), uint8(len(errs)))
	for _, e := range errs {
		buf = append(buf, byte(e.Kind), e.Index)
	}
	return buf
}

// DecodeReply parses one complete reply frame including its length field
func DecodeReply(frame []byte) (*Reply, error) {
	if len(frame) < lengthFieldSize+1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortReply, len(frame))
	}
	length := binary.LittleEndian.Uint16(frame)
	if int(length) != len(frame) {
		return nil, fmt.Errorf("%w: field %d, frame %d", ErrBadLength, length, len(frame))
	}

	r := &Reply{Length: length}
	off := lengthFieldSize

	if ReplyCode(frame[off]) == ReplyError {
		if len(frame) < off+errorHeaderSize {
			return nil, fmt.Errorf("%w: truncated error block", ErrShortReply)
		}
		n := int(frame[off+1])
		off += errorHeaderSize
		if len(frame) < off+n*errorEntrySize {
			return nil, fmt.Errorf("%w: %d error entries declared", ErrShortReply, n)
		}
		r.Errors = make([]ErrorEntry, n)
		for i := range r.Errors {
			r.Errors[i] = ErrorEntry{Kind: ErrorKind(frame[off]), Index: frame[off+1]}
			off += errorEntrySize
		}
		if off == len(frame) {
			return r, nil
		}
	}

	r.Code = ReplyCode(frame[off])
	switch r.Code {
	case ReplyReadings:
		if len(frame) < off+readingsHeader {
			return nil, fmt.Errorf("%w: truncated readings block", ErrShortReply)
		}
		r.TotalSize = frame[off+1]
		r.EchoCode = frame[off+2]
		r.Count = frame[off+3]
		r.Data = append([]byte(nil), frame[off+readingsHeader:]...)
	case ReplyPong, ReplyVersion:
		if len(frame) != off+3 {
			return nil, fmt.Errorf("%w: value block of %d bytes", ErrBadLength, len(frame)-off)
		}
		r.Value = binary.LittleEndian.Uint16(frame[off+1:])
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadReplyCode, byte(r.Code))
	}
	return r, nil
}

// ReplyAssembler splits a controller-side byte stream into reply frames
// using the leading length field.
type ReplyAssembler struct {
	buf  []byte
	want int
}

// NewReplyAssembler creates an empty assembler
func NewReplyAssembler() *ReplyAssembler {
	return &ReplyAssembler{buf: make([]byte, 0, MaxAggregateSize)}
}

// Reset discards any partial frame
func (a *ReplyAssembler) Reset() {
	a.buf = a.buf[:0]
	a.want = 0
}

// DecodeByte appends b and returns a complete frame when one is assembled.
// The returned slice is owned by the caller.
func (a *ReplyAssembler) DecodeByte(b byte) ([]byte, error) {
	a.buf = append(a.buf, b)
	if len(a.buf) == lengthFieldSize {
		a.want = int(binary.LittleEndian.Uint16(a.buf))
		if a.want < ValueReplySize || a.want > MaxAggregateSize {
			want := a.want
			a.Reset()
			return nil, fmt.Errorf("%w: %d", ErrBadLength, want)
		}
	}
	if a.want == 0 || len(a.buf) < a.want {
		return nil, nil
	}
	frame := append([]byte(nil), a.buf...)
	a.Reset()
	return frame, nil
}
