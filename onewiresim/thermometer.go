// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiresim

import (
	"math"

	"github.com/GermanBionicSystems/onewire/common"
)

// Thermometer is a Function simulating the command set of a DS18B20.
//
// The scratchpad starts with the power-on value of 85°C; Celsius is latched
// into it by the next convert command, rounded to the configured resolution.
type Thermometer struct {
	Celsius float64 // temperature measured by the next conversion

	Scratchpad  [9]byte // the last byte is kept equal to the CRC8 of the others
	Conversions int     // number of convert commands received

	write int // scratchpad bytes still expected by a write scratchpad
}

// NewThermometer returns a thermometer at power-on state, in 12 bits
// resolution.
func NewThermometer(celsius float64) *Thermometer {
	t := &Thermometer{
		Celsius:    celsius,
		Scratchpad: [9]byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10},
	}
	t.update()
	return t
}

// Resolution returns the configured resolution in bits, 9..12.
func (t *Thermometer) Resolution() int {
	return 9 + int(t.Scratchpad[4]>>5&3)
}

// Reset implements Function.
func (t *Thermometer) Reset() {
	t.write = 0
}

// Receive implements Function.
func (t *Thermometer) Receive(b byte) []byte {
	if t.write != 0 {
		t.Scratchpad[5-t.write] = b
		t.write--
		if t.write == 0 {
			t.Scratchpad[4] |= 0x1f
			t.update()
		}
		return nil
	}
	switch b {
	case 0x44: // convert T
		t.Conversions++
		raw := int16(math.Round(t.Celsius * 16))
		raw &^= int16(1)<<uint(12-t.Resolution()) - 1
		t.Scratchpad[0] = byte(raw)
		t.Scratchpad[1] = byte(raw >> 8)
		t.update()
	case 0xbe: // read scratchpad
		return append([]byte(nil), t.Scratchpad[:]...)
	case 0x4e: // write scratchpad: TH, TL, configuration
		t.write = 3
	case 0xb4: // read power supply, externally powered
		return []byte{0xff}
	}
	return nil
}

func (t *Thermometer) update() {
	t.Scratchpad[8] = common.CRC8(t.Scratchpad[:8])
}
