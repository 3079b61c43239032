// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"encoding/binary"
	"fmt"

	"github.com/GermanBionicSystems/onewire/common"
	"periph.io/x/conn/v3/onewire"
)

// ROM is a device's 64-bit factory address in transmission order: the family
// code, the 48-bit serial number least significant byte first, then the CRC8
// of the first seven bytes.
type ROM [8]byte

// FromAddress converts a periph onewire.Address into a ROM.
func FromAddress(a onewire.Address) ROM {
	var r ROM
	binary.LittleEndian.PutUint64(r[:], uint64(a))
	return r
}

// Family returns the family code, which identifies the device type.
func (r ROM) Family() byte {
	return r[0]
}

// Serial returns the 48-bit serial number.
func (r ROM) Serial() uint64 {
	var b [8]byte
	copy(b[:6], r[1:7])
	return binary.LittleEndian.Uint64(b[:])
}

// Valid returns true if the last byte is the CRC8 of the first seven.
//
// The search does not check it; an invalid ROM means the address was
// corrupted in transit.
func (r ROM) Valid() bool {
	return common.CRC8(r[:7]) == r[7]
}

// Address returns the ROM as a periph onewire.Address, family code in the
// least significant byte.
func (r ROM) Address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(r[:]))
}

func (r ROM) String() string {
	return fmt.Sprintf("%#016x", uint64(r.Address()))
}

// bit returns the bit at search position n, 1..64.
func (r *ROM) bit(n int) byte {
	return (r[(n-1)/8] >> uint((n-1)%8)) & 1
}

// setBit sets the bit at search position n, 1..64, to v.
func (r *ROM) setBit(n int, v byte) {
	mask := byte(1) << uint((n-1)%8)
	if v != 0 {
		r[(n-1)/8] |= mask
	} else {
		r[(n-1)/8] &^= mask
	}
}
