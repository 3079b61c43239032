// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains the integrity codes used across the 1-wire
// packages: the Dallas/Maxim 8-bit CRC found in ROM codes and scratchpads,
// and the 16-bit CRC used by devices returning larger blocks.
//
// The CRC scheme is described in Maxim Application Note 27, "Understanding
// and Using Cyclic Redundancy Checks with Maxim iButton Products".
package common

// CRC8 calculates the Dallas/Maxim 8-bit CRC of the byte slice parameter and
// returns the calculated value.
//
// The polynomial is x^8+x^5+x^4+1 applied LSB first (0x8c reflected), with an
// initial value of 0 and no final XOR. Running CRC8 over a buffer that ends
// with its own CRC byte yields 0.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		for range 8 {
			mix := (crc ^ val) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8c
			}
			val >>= 1
		}
	}
	return crc
}

// CRC16 calculates the 1-wire 16-bit CRC (x^16+x^15+x^2+1) of the byte slice
// parameter, starting from seed. Pass the result of a previous call as seed to
// chain the computation across non-contiguous buffers.
//
// The value returned is not what the devices transmit: they send the CRC
// bitwise inverted, low byte first. Use CheckCRC16 to verify received data.
func CRC16(bytes []byte, seed uint16) uint16 {
	crc := seed
	for _, val := range bytes {
		cdata := (uint16(val) ^ crc) & 0xff
		crc >>= 8
		if oddParity[cdata&0x0f]^oddParity[cdata>>4] != 0 {
			crc ^= 0xc001
		}
		cdata <<= 6
		crc ^= cdata
		cdata <<= 1
		crc ^= cdata
	}
	return crc
}

// CheckCRC16 computes the CRC16 of bytes starting from seed and compares it
// against the two CRC bytes received from the bus, which a device sends
// inverted with the low byte first.
//
// It returns false if inverted holds fewer than two bytes.
func CheckCRC16(bytes, inverted []byte, seed uint16) bool {
	if len(inverted) < 2 {
		return false
	}
	crc := ^CRC16(bytes, seed)
	return byte(crc) == inverted[0] && byte(crc>>8) == inverted[1]
}

var oddParity = [16]byte{0, 1, 1, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0, 1, 1, 0}
