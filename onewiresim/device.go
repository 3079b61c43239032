// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiresim

import (
	"time"

	"github.com/GermanBionicSystems/onewire/common"
)

// Function implements the function command layer of a simulated device, the
// part that follows ROM selection.
type Function interface {
	// Reset is called on every bus reset.
	Reset()
	// Receive is called with each byte the master writes once the device is
	// selected. The returned bytes are sent during the master's next read
	// slots.
	Receive(b byte) []byte
}

// Device is a simulated 1-wire slave.
type Device struct {
	ROM   [8]byte // family code, serial, CRC8
	Alarm bool    // answers the alarm search

	// Function handles the commands sent after selection. When nil the device
	// ignores them.
	Function Function
}

// NewROM returns a ROM with the given family code and 48-bit serial number
// and a valid CRC8.
func NewROM(family byte, serial uint64) [8]byte {
	var r [8]byte
	r[0] = family
	for i := 1; i < 7; i++ {
		r[i] = byte(serial)
		serial >>= 8
	}
	r[7] = common.CRC8(r[:7])
	return r
}

// Echo is a Function that sends back every byte it receives.
type Echo struct{}

// Reset implements Function.
func (Echo) Reset() {}

// Receive implements Function.
func (Echo) Receive(b byte) []byte {
	return []byte{b}
}

type state int

const (
	stIdle     state = iota // waiting for a reset
	stROM                   // receiving the ROM command
	stSearch                // taking part in a search
	stMatch                 // receiving the address of a match ROM
	stFunction              // selected, exchanging function bytes
)

// device is the protocol state of a Device on a Bus.
type device struct {
	*Device

	st    state
	rx    byte   // bits received so far, LSB first
	rxN   int    // number of bits in rx
	tx    []byte // bits queued for the master, one per byte
	txAt  int    // bits of tx sent during the byte in progress
	pos   int    // ROM bit position during search and match, 0..63
	phase int    // search: 0 send bit, 1 send complement, 2 receive direction
	match bool   // address matched so far

	sending   bool // the device sends a bit in the current slot
	holdFrom  time.Duration
	holdUntil time.Duration
}

func (d *device) holding(now time.Duration) bool {
	return now >= d.holdFrom && now < d.holdUntil
}

func (d *device) romBit(n int) byte {
	return (d.ROM[n/8] >> uint(n%8)) & 1
}

// reset answers a reset pulse that ended at now with a presence pulse.
func (d *device) reset(now time.Duration) {
	d.st = stROM
	d.rx, d.rxN = 0, 0
	d.tx, d.txAt = nil, 0
	d.sending = false
	d.holdFrom = now + PresenceWait
	d.holdUntil = d.holdFrom + PresenceLow
	if d.Function != nil {
		d.Function.Reset()
	}
}

// slotStart is called on the master's falling edge. A device sending a zero
// holds the line low until the sample point.
func (d *device) slotStart(now time.Duration) {
	d.sending = false
	var bit byte
	switch {
	case d.st == stSearch && d.phase == 0:
		bit = d.romBit(d.pos)
	case d.st == stSearch && d.phase == 1:
		bit = d.romBit(d.pos) ^ 1
	case d.st == stFunction && d.txAt < len(d.tx):
		bit = d.tx[d.txAt]
	default:
		return
	}
	d.sending = true
	if bit == 0 {
		d.holdFrom = now
		d.holdUntil = now + SampleAt
	}
}

// slotEnd is called on the master's rising edge with the bit the master
// wrote, as sampled by the device.
func (d *device) slotEnd(bit byte) {
	sending := d.sending
	d.sending = false
	switch d.st {
	case stROM:
		if b, ok := d.receive(bit); ok {
			d.command(b)
		}
	case stSearch:
		if sending {
			d.phase++
			return
		}
		if d.phase != 2 {
			return
		}
		if bit != d.romBit(d.pos) {
			d.st = stIdle
			return
		}
		d.pos++
		d.phase = 0
		if d.pos == 64 {
			d.st = stFunction
		}
	case stMatch:
		if bit != d.romBit(d.pos) {
			d.match = false
		}
		d.pos++
		if d.pos == 64 {
			if d.match {
				d.st = stFunction
			} else {
				d.st = stIdle
			}
		}
	case stFunction:
		if sending {
			d.txAt++
		}
		d.function(bit)
	}
}

// function handles a slot once the device is selected.
//
// A device cannot tell a read slot from a write one slot, so it sends its
// queued bits in every slot and decides once a byte is complete: all ones
// means the master read, anything else means it wrote and the bits sent are
// queued again. A written 0xff is therefore taken for a read while output is
// pending.
func (d *device) function(bit byte) {
	b, ok := d.receive(bit)
	if !ok {
		return
	}
	if d.txAt != 0 && b == 0xff {
		d.tx = d.tx[d.txAt:]
		d.txAt = 0
		return
	}
	d.txAt = 0
	if d.Function != nil {
		d.queue(d.Function.Receive(b))
	}
}

// receive accumulates a bit and returns the byte once complete.
func (d *device) receive(bit byte) (byte, bool) {
	d.rx |= bit << uint(d.rxN)
	d.rxN++
	if d.rxN < 8 {
		return 0, false
	}
	b := d.rx
	d.rx, d.rxN = 0, 0
	return b, true
}

func (d *device) queue(buf []byte) {
	for _, b := range buf {
		for i := range 8 {
			d.tx = append(d.tx, (b>>uint(i))&1)
		}
	}
}

// command handles a ROM command.
func (d *device) command(b byte) {
	d.pos, d.phase = 0, 0
	switch b {
	case 0xf0:
		d.st = stSearch
	case 0xec:
		d.st = stIdle
		if d.Alarm {
			d.st = stSearch
		}
	case 0x55:
		d.st = stMatch
		d.match = true
	case 0xcc:
		d.st = stFunction
	case 0x33:
		d.st = stFunction
		d.queue(d.ROM[:])
	default:
		d.st = stIdle
	}
}
