// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

// Dallas/Maxim 1-Wire CRC-8: x^8+x^5+x^4+1, LSB first, init 0, no final XOR.
const crcPolynomialReflected = 0x8C

// UpdateCRC folds one byte into a running checksum
func UpdateCRC(crc, b uint8) uint8 {
	crc ^= b
	for i := 0; i < 8; i++ {
		if crc&0x01 != 0 {
			crc = (crc >> 1) ^ crcPolynomialReflected
		} else {
			crc >>= 1
		}
	}
	return crc
}

// CalculateCRC computes the checksum of data starting from zero
func CalculateCRC(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = UpdateCRC(crc, b)
	}
	return crc
}

// VerifyCRC reports whether the trailing byte of frame is the checksum of
// every byte before it.
func VerifyCRC(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	n := len(frame) - 1
	return CalculateCRC(frame[:n]) == frame[n]
}
