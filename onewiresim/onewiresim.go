// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiresim is a deterministic, virtual time simulation of a 1-wire
// bus line and the devices on it.
//
// Bus implements gpio.PinIO so a bit-banged master can drive it unchanged,
// and Delay advances the virtual clock instead of waiting. The devices decode
// the master's pulses bit for bit: a low pulse of at least 480µs is a reset,
// shorter ones are time slots sampled 30µs after the falling edge, like real
// parts do.
package onewiresim

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Electrical timings of the simulated devices.
const (
	// ResetMin is the shortest low pulse recognized as a reset.
	ResetMin = 480 * time.Microsecond
	// SampleAt is when, after a falling edge, devices sample a written bit.
	// A zero they send is held low until then.
	SampleAt = 30 * time.Microsecond
	// PresenceWait is the delay between the end of a reset and the presence
	// pulse.
	PresenceWait = 30 * time.Microsecond
	// PresenceLow is the length of the presence pulse.
	PresenceLow = 120 * time.Microsecond
)

// Bus is a simulated 1-wire line with a pull-up resistor.
//
// It is not safe for concurrent use, like the line it simulates.
type Bus struct {
	gpiotest.Pin

	// Shorted holds the line low permanently.
	Shorted bool

	devices   []*device
	now       time.Duration
	masterLow bool // master drives the line low
	masterHi  bool // master drives the line high
	lowSince  time.Duration
	edges     int
	resets    int
}

// New returns a bus with the given devices attached.
func New(devs ...*Device) *Bus {
	b := &Bus{Pin: gpiotest.Pin{N: "1W", Num: -1}}
	for _, d := range devs {
		b.Attach(d)
	}
	return b
}

// Attach connects a device to the bus. It takes part starting with the next
// reset.
func (b *Bus) Attach(d *Device) {
	b.devices = append(b.devices, &device{Device: d})
}

// Detach disconnects every device with the given ROM.
func (b *Bus) Detach(rom [8]byte) {
	devs := b.devices[:0]
	for _, d := range b.devices {
		if d.ROM != rom {
			devs = append(devs, d)
		}
	}
	b.devices = devs
}

// Delay advances the virtual clock. Pass it as the master's delay function.
func (b *Bus) Delay(t time.Duration) {
	b.now += t
}

// Now returns the virtual time elapsed since the bus was created.
func (b *Bus) Now() time.Duration {
	return b.now
}

// Edges returns the number of falling edges driven by the master.
func (b *Bus) Edges() int {
	return b.edges
}

// Resets returns the number of reset pulses the devices have seen.
func (b *Bus) Resets() int {
	return b.resets
}

// Driven returns true while the master actively drives the line high.
func (b *Bus) Driven() bool {
	return b.masterHi
}

// In implements gpio.PinIn. It releases the line.
func (b *Bus) In(pull gpio.Pull, edge gpio.Edge) error {
	if b.masterLow {
		b.rise()
	}
	b.masterHi = false
	return nil
}

// Read implements gpio.PinIn and returns the level on the line at the
// current virtual time.
func (b *Bus) Read() gpio.Level {
	if b.Shorted || b.masterLow {
		return gpio.Low
	}
	if b.masterHi {
		return gpio.High
	}
	for _, d := range b.devices {
		if d.holding(b.now) {
			return gpio.Low
		}
	}
	return gpio.High
}

// Out implements gpio.PinOut.
func (b *Bus) Out(l gpio.Level) error {
	if l == gpio.Low {
		b.masterHi = false
		if !b.masterLow {
			b.fall()
		}
		return nil
	}
	if b.masterLow {
		b.rise()
	}
	b.masterHi = true
	return nil
}

func (b *Bus) String() string {
	return "onewiresim"
}

// fall starts a reset or a time slot.
func (b *Bus) fall() {
	b.masterLow = true
	b.lowSince = b.now
	b.edges++
	for _, d := range b.devices {
		d.slotStart(b.now)
	}
}

// rise ends the master's low pulse and lets the devices decode it.
func (b *Bus) rise() {
	b.masterLow = false
	low := b.now - b.lowSince
	if low >= ResetMin {
		b.resets++
		for _, d := range b.devices {
			d.reset(b.now)
		}
		return
	}
	var bit byte = 1
	if low >= SampleAt {
		bit = 0
	}
	for _, d := range b.devices {
		d.slotEnd(bit)
	}
}

var _ gpio.PinIO = &Bus{}
