// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import (
	"encoding/binary"
	"fmt"
)

// Bus port range on the hub
const (
	MinPort = 1
	MaxPort = 6
)

// CommandKind selects the header grammar of a controller command
type CommandKind int

// Command kinds
const (
	KindUnknown CommandKind = iota
	KindSensorRead
	KindPing
	KindVersion
	KindGenericRead
	KindCalRead
	KindCalSet
)

// String returns the kind name
func (k CommandKind) String() string {
	switch k {
	case KindSensorRead:
		return "SensorRead"
	case KindPing:
		return "Ping"
	case KindVersion:
		return "Version"
	case KindGenericRead:
		return "GenericRead"
	case KindCalRead:
		return "CalRead"
	case KindCalSet:
		return "CalSet"
	default:
		return "Unknown"
	}
}

// ClassifyCode returns the grammar for a controller command code
func ClassifyCode(code uint8) CommandKind {
	switch {
	case code == CodeGenericRead:
		return KindGenericRead
	case code == CodeCalRead:
		return KindCalRead
	case code == CodeCalSet:
		return KindCalSet
	case code == CodePing:
		return KindPing
	case code == CodeHubVersion:
		return KindVersion
	case IsSensorCode(code):
		return KindSensorRead
	default:
		return KindUnknown
	}
}

// Command is one decoded controller command
type Command struct {
	Kind      CommandKind
	Code      uint8
	Inner     uint8 // generic and calibration commands only
	Size      uint8 // controller-declared per-address size for generic and calibration commands
	Port      uint8
	Addresses []uint16
	Ping      uint16
	Payload   []byte // calibration-set block
}

// NewSensorRead creates a direct sensor-read command
func NewSensorRead(code, port uint8, addrs ...uint16) *Command {
	return &Command{Kind: KindSensorRead, Code: code, Port: port, Addresses: addrs}
}

// NewPing creates a liveness command; the hub answers with value+1
func NewPing(value uint16) *Command {
	return &Command{Kind: KindPing, Code: CodePing, Ping: value}
}

// NewVersion creates a hub firmware version query
func NewVersion() *Command {
	return &Command{Kind: KindVersion, Code: CodeHubVersion}
}

// NewGenericRead creates a generic unit read of inner code returning size bytes per address
func NewGenericRead(inner, size, port uint8, addrs ...uint16) *Command {
	return &Command{Kind: KindGenericRead, Code: CodeGenericRead, Inner: inner, Size: size, Port: port, Addresses: addrs}
}

// NewCalRead creates a calibration read
func NewCalRead(inner, size, port uint8, addrs ...uint16) *Command {
	return &Command{Kind: KindCalRead, Code: CodeCalRead, Inner: inner, Size: size, Port: port, Addresses: addrs}
}

// NewCalSet creates a calibration write to a single unit
func NewCalSet(inner, port uint8, addr uint16, payload []byte) *Command {
	return &Command{
		Kind:      KindCalSet,
		Code:      CodeCalSet,
		Inner:     inner,
		Size:      uint8(len(payload)),
		Port:      port,
		Addresses: []uint16{addr},
		Payload:   payload,
	}
}

// DataSize returns the payload size every addressed unit must reply with.
// Direct reads use the fixed table; generic and calibration commands use the
// controller-declared size. False means the hub cannot serve the command.
func (c *Command) DataSize() (uint8, bool) {
	switch c.Kind {
	case KindSensorRead:
		return ExpectedSize(c.Code)
	case KindGenericRead, KindCalRead, KindCalSet:
		return c.Size, true
	default:
		return 0, false
	}
}

// QueryCode returns the code carried in unit query frames
func (c *Command) QueryCode() uint8 {
	if c.Kind == KindGenericRead {
		return c.Inner
	}
	return c.Code
}

// EchoCode returns the command code echoed in the readings block
func (c *Command) EchoCode() uint8 {
	return c.QueryCode()
}

// PollsUnits reports whether the command is served by querying units
func (c *Command) PollsUnits() bool {
	switch c.Kind {
	case KindSensorRead, KindGenericRead, KindCalRead, KindCalSet:
		return true
	}
	return false
}

// EncodeCommand creates the controller -> hub wire form of c
func EncodeCommand(c *Command) ([]byte, error) {
	buf := make([]byte, 0, MagicSize+6+2*MaxAddressCount+MaxDataSize)
	buf = append(buf, Magic[:]...)
	buf = append(buf, c.Code)

	switch c.Kind {
	case KindPing:
		return binary.LittleEndian.AppendUint16(buf, c.Ping), nil

	case KindVersion:
		return buf, nil

	case KindSensorRead:
		if ClassifyCode(c.Code) != KindSensorRead {
			return nil, fmt.Errorf("%w: %d is not a sensor code", ErrBadCommandCode, c.Code)
		}
		return appendAddressList(buf, c.Port, c.Addresses)

	case KindGenericRead, KindCalRead:
		if c.Size > MaxDataSize {
			return nil, fmt.Errorf("%w: %d (max %d)", ErrCalSizeTooLarge, c.Size, MaxDataSize)
		}
		buf = append(buf, c.Inner, c.Size)
		return appendAddressList(buf, c.Port, c.Addresses)

	case KindCalSet:
		if len(c.Payload) > MaxDataSize {
			return nil, fmt.Errorf("%w: %d (max %d)", ErrCalSizeTooLarge, len(c.Payload), MaxDataSize)
		}
		if len(c.Addresses) != 1 {
			return nil, fmt.Errorf("%w: calibration set takes exactly one address, got %d", ErrBadAddrCount, len(c.Addresses))
		}
		buf = append(buf, c.Inner, uint8(len(c.Payload)), c.Port)
		buf = binary.LittleEndian.AppendUint16(buf, c.Addresses[0])
		return append(buf, c.Payload...), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrBadCommandCode, c.Code)
	}
}

func appendAddressList(buf []byte, port uint8, addrs []uint16) ([]byte, error) {
	if len(addrs) == 0 || len(addrs) > MaxAddressCount {
		return nil, fmt.Errorf("%w: %d (valid 1-%d)", ErrBadAddrCount, len(addrs), MaxAddressCount)
	}
	buf = append(buf, port, uint8(len(addrs)))
	for _, a := range addrs {
		buf = binary.LittleEndian.AppendUint16(buf, a)
	}
	return buf, nil
}
