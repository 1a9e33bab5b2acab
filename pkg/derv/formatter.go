// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FormatCode returns the human-readable name for a command or query code
func FormatCode(code uint8) string {
	switch code {
	case CodeTempHum:
		return "TEMP_HUM"
	case CodeWind:
		return "WIND"
	case CodeTach:
		return "TACH"
	case CodeThermocouple:
		return "THERMOCOUPLE_K"
	case CodePressure:
		return "PRESSURE"
	case CodePressureWide:
		return "PRESSURE_WIDE"
	case CodeMultiTempReset:
		return "MULTI_TEMP_RESET"
	case CodeGenericRead:
		return "GENERIC_READ"
	case CodeUnitVersion:
		return "UNIT_VERSION"
	case CodeCalRead:
		return "CAL_READ"
	case CodeCalSet:
		return "CAL_SET"
	case CodePing:
		return "PING"
	case CodeHubVersion:
		return "HUB_VERSION"
	case CodeChangeAddress:
		return "CHANGE_ADDRESS"
	}
	switch {
	case code >= CodeMultiTempCh1 && code <= CodeMultiTempCh4:
		return fmt.Sprintf("MULTI_TEMP_CH%d", code-CodeMultiTempCh1+1)
	case code >= CodeMultiTempROM1 && code <= CodeMultiTempROM4:
		return fmt.Sprintf("MULTI_TEMP_ROM%d", code-CodeMultiTempROM1+1)
	}
	return fmt.Sprintf("UNKNOWN_0x%02X", code)
}

// FormatReplyCode returns the human-readable name for a reply block code
func FormatReplyCode(code ReplyCode) string {
	switch code {
	case ReplyReadings:
		return "READINGS"
	case ReplyExecSuccess:
		return "EXEC_SUCCESS"
	case ReplyPong:
		return "PONG"
	case ReplyError:
		return "ERROR"
	case ReplyVersion:
		return "VERSION"
	case ReplyDone:
		return "DONE"
	case 0:
		return "NONE"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", uint8(code))
	}
}

// String returns the error kind name
func (k ErrorKind) String() string {
	switch k {
	case ErrKindBadAddrCount:
		return "BAD_ADDR_COUNT"
	case ErrKindUnitTimeout:
		return "UNIT_TIMEOUT"
	case ErrKindBadCmdCode:
		return "BAD_CMD_CODE"
	case ErrKindBadCRC:
		return "BAD_CRC"
	case ErrKindBadUnitRxSize:
		return "BAD_UNIT_RX_SIZE"
	case ErrKindMissingFeature:
		return "MISSING_FEATURE"
	default:
		return fmt.Sprintf("ERROR_%d", uint8(k))
	}
}

// FormatCommand formats a controller command into a single line
func FormatCommand(c *Command) string {
	switch c.Kind {
	case KindPing:
		return fmt.Sprintf("%s value=%d", FormatCode(c.Code), c.Ping)
	case KindVersion:
		return FormatCode(c.Code)
	case KindGenericRead, KindCalRead:
		return fmt.Sprintf("%s inner=%s size=%d port=%d addrs=%v",
			FormatCode(c.Code), FormatCode(c.Inner), c.Size, c.Port, c.Addresses)
	case KindCalSet:
		return fmt.Sprintf("%s inner=%s size=%d port=%d addr=%v payload=% X",
			FormatCode(c.Code), FormatCode(c.Inner), c.Size, c.Port, c.Addresses, c.Payload)
	default:
		return fmt.Sprintf("%s port=%d addrs=%v", FormatCode(c.Code), c.Port, c.Addresses)
	}
}

// FormatUnitReply formats a unit reply frame into a single line
func FormatUnitReply(r *UnitReply) string {
	crc := "ok"
	if !r.CRCValid {
		crc = "BAD"
	}
	return fmt.Sprintf("[%s] addr=%d code=%s size=%d data=[% X] crc=0x%02X (%s)",
		r.Timestamp.Format("15:04:05.000"), r.Address, FormatCode(r.Code), len(r.Data), r.Data, r.CRC, crc)
}

// FormatReply formats a hub reply into a human-readable block
func FormatReply(r *Reply) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "reply len=%d code=%s\n", r.Length, FormatReplyCode(r.Code))
	for _, e := range r.Errors {
		fmt.Fprintf(&sb, "  error %s index=%d\n", e.Kind, e.Index)
	}

	switch r.Code {
	case ReplyReadings:
		fmt.Fprintf(&sb, "  echo=%s count=%d\n", FormatCode(r.EchoCode), r.Count)
		for i := 0; i < int(r.Count); i++ {
			fmt.Fprintf(&sb, "  [%d] %s\n", i+1, FormatReading(r.EchoCode, r.Slot(i)))
		}
	case ReplyPong:
		fmt.Fprintf(&sb, "  pong=%d\n", r.Value)
	case ReplyVersion:
		fmt.Fprintf(&sb, "  version=%d\n", r.Value)
	}
	return sb.String()
}

// FormatReading decodes one address slot according to the code that produced it
func FormatReading(code uint8, data []byte) string {
	switch {
	case code == CodeTempHum && len(data) == 4:
		return fmt.Sprintf("temp_raw=%d hum_raw=%d",
			binary.LittleEndian.Uint16(data), binary.LittleEndian.Uint16(data[2:]))
	case code == CodeWind && len(data) == 2:
		return fmt.Sprintf("wind_raw=%d", binary.LittleEndian.Uint16(data))
	case code == CodeTach && len(data) == 2:
		return fmt.Sprintf("tach_raw=%d", binary.LittleEndian.Uint16(data))
	case code == CodeThermocouple && len(data) == 4:
		return fmt.Sprintf("tc_raw=%d cj_raw=%d",
			binary.LittleEndian.Uint16(data), binary.LittleEndian.Uint16(data[2:]))
	case code == CodePressure && len(data) == 2:
		return fmt.Sprintf("pressure_raw=%d", binary.LittleEndian.Uint16(data))
	case code == CodePressureWide && len(data) == 4:
		return fmt.Sprintf("pressure_raw=%d", binary.LittleEndian.Uint32(data))
	case code == CodeUnitVersion && len(data) == 2:
		return fmt.Sprintf("unit_version=%d", binary.LittleEndian.Uint16(data))
	}
	return fmt.Sprintf("raw=[% X]", data)
}
