// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package derv implements the DERV wire protocol spoken between a sensor
// network controller, the Hub that fans its commands out over six RS-485
// segments, and the addressable Units on those segments.
//
// Every frame starts with the four byte magic preamble "DERV". Frames are not
// self-delimiting: the receiver learns the expected length from the command
// code and, for variable commands, from an explicit size field. All decoders
// in this package consume one byte at a time and resynchronize on the
// preamble after any desync.
package derv

// Magic preamble
var Magic = [MagicSize]byte{'D', 'E', 'R', 'V'}

// Frame size limits
const (
	MagicSize       = 4
	MaxAddressCount = 32
	MaxDataSize     = 8 // largest unit payload or calibration block

	QueryFrameSize    = MagicSize + 2 + 1 // magic + addr + code
	CalQueryFrameSize = QueryFrameSize + 1
	MaxQueryFrameSize = CalQueryFrameSize + MaxDataSize

	replyHeaderSize   = MagicSize + 2 + 1 + 1 // magic + addr + code + size
	MaxReplyFrameSize = replyHeaderSize + MaxDataSize + 1
)

// AddressBroadcast is the only target a change-address frame is honored on.
const AddressBroadcast uint16 = 0x0000

// Controller command codes (controller -> hub)
const (
	CodeTempHum      = 1
	CodeWind         = 2
	CodeTach         = 3
	CodeThermocouple = 6
	CodePressure     = 7
	CodeGenericRead  = 25
	CodeCalRead      = 64
	CodeCalSet       = 65
	CodePing         = 130
	CodeHubVersion   = 150
)

// Unit command codes (hub -> unit) beyond the direct sensor reads
const (
	CodePressureWide   = 8
	CodeMultiTempReset = 9
	CodeMultiTempCh1   = 10
	CodeMultiTempCh4   = 13
	CodeMultiTempROM1  = 14
	CodeMultiTempROM4  = 17
	CodeUnitVersion    = 63
	CodeChangeAddress  = 200
)

// Sensor command range shared by direct reads and generic inner codes
const (
	minSensorCode = 1
	maxSensorCode = 63
)

// Firmware versions reported by the version commands
const (
	HubVersion  uint16 = 4
	UnitVersion uint16 = 3
)

// ReplyCode is the leading byte of each block in a hub reply
type ReplyCode uint8

// Reply code values
const (
	ReplyReadings    ReplyCode = 1
	ReplyExecSuccess ReplyCode = 2
	ReplyPong        ReplyCode = 3
	ReplyError       ReplyCode = 4
	ReplyVersion     ReplyCode = 5
	ReplyDone        ReplyCode = 170
)

// ErrorKind identifies a failure in a hub error block
type ErrorKind uint8

// Error kind values
const (
	ErrKindBadAddrCount   ErrorKind = 2
	ErrKindUnitTimeout    ErrorKind = 4
	ErrKindBadCmdCode     ErrorKind = 5
	ErrKindBadCRC         ErrorKind = 6
	ErrKindBadUnitRxSize  ErrorKind = 7
	ErrKindMissingFeature ErrorKind = 10
)

// directSizes maps the direct sensor-read codes to their per-address payload size
var directSizes = map[uint8]uint8{
	CodeTempHum:      4,
	CodeWind:         2,
	CodeTach:         2,
	CodeThermocouple: 4,
	CodePressure:     2,
}

// ExpectedSize returns the per-address payload size for a direct sensor-read
// code, or false when the hub has no fixed size for it.
func ExpectedSize(code uint8) (uint8, bool) {
	size, ok := directSizes[code]
	return size, ok
}

// IsSensorCode reports whether code is in the sensor-read range
func IsSensorCode(code uint8) bool {
	return code >= minSensorCode && code <= maxSensorCode
}
