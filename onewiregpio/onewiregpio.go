// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiregpio implements a 1-wire bus master by bit-banging a single
// open-drain GPIO pin.
//
// The line must have a pull-up resistor (typically 4.7kΩ) to the supply.
// The master only ever drives the line low or, to power parasitic devices,
// actively high; otherwise the pin is an input and the pull-up floats the
// line high.
//
// # Timing
//
// Every primitive is a fixed sequence of pin transitions separated by busy
// waits of a few microseconds. A preemption of more than a few microseconds
// in the middle of a reset or a bit slot corrupts the exchange, and is
// indistinguishable from a bus fault. On a host with a general purpose
// scheduler, run the bus from a dedicated goroutine and verify results with
// the CRCs from package common.
//
// # Datasheet
//
// https://www.analog.com/en/resources/technical-articles/1wire-communication-through-software.html
package onewiregpio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains options to pass to the constructor.
//
// The slot timings default to standard speed values. They rarely need
// changing, except to compensate for a slow pin driver.
type Opts struct {
	// Delay busy waits for the given duration. It must not yield. The default
	// spins on the monotonic clock.
	Delay func(time.Duration)
	// Pull is the pull resistor selected when the pin is an input. Use
	// gpio.PullUp only when no external resistor is fitted and the bus is
	// short.
	Pull gpio.Pull

	ResetRetries    int           // number of idle polls before a reset gives up
	ResetRetryDelay time.Duration // delay between idle polls
	ResetLow        time.Duration // reset pulse low time
	PresenceSample  time.Duration // release to presence sample
	ResetRecovery   time.Duration // presence sample to end of reset slot
	Write1Low       time.Duration // write one low time
	Write1Release   time.Duration // write one recovery time
	Write0Low       time.Duration // write zero low time
	Write0Release   time.Duration // write zero recovery time
	ReadLow         time.Duration // read slot initiation pulse
	ReadSample      time.Duration // release to read sample
	ReadRecovery    time.Duration // read sample to end of slot
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Delay:           busyWait,
	Pull:            gpio.PullNoChange,
	ResetRetries:    125,
	ResetRetryDelay: 2 * time.Microsecond,
	ResetLow:        480 * time.Microsecond,
	PresenceSample:  70 * time.Microsecond,
	ResetRecovery:   410 * time.Microsecond,
	Write1Low:       10 * time.Microsecond,
	Write1Release:   55 * time.Microsecond,
	Write0Low:       65 * time.Microsecond,
	Write0Release:   5 * time.Microsecond,
	ReadLow:         3 * time.Microsecond,
	ReadSample:      10 * time.Microsecond,
	ReadRecovery:    53 * time.Microsecond,
}

// New returns a 1-wire bus master driving the pin p.
//
// The pin is released to input and the search state is cleared. The returned
// Dev implements onewire.BusSearcher and can be used with any device driver
// written against onewire.Bus.
func New(p gpio.PinIO, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, errors.New("onewiregpio: pin is required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{p: p, opts: *opts}
	if d.opts.Delay == nil {
		d.opts.Delay = busyWait
	}
	if d.opts.ResetRetries <= 0 {
		d.opts.ResetRetries = DefaultOpts.ResetRetries
	}
	if err := p.In(d.opts.Pull, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("onewiregpio: failed to release %s: %w", p, err)
	}
	d.ResetSearch()
	return d, nil
}

// Dev is a handle to a bit-banged 1-wire bus and it implements the
// onewire.Bus interface.
//
// The low level primitives (Reset, WriteBit, ReadBit, Write, Read, Next, ...)
// perform no locking: exactly one goroutine may use them at a time. Tx,
// Search and SearchTriplet lock the bus for the duration of the transaction.
//
// Dev implements a persistent error model: the first error returned by the
// pin places it into an error state, every following primitive is a no-op
// and Err returns that error. A fresh Dev must be created to proceed. Errors
// on the 1-wire bus itself do not cause persistent errors and implement the
// onewire.BusError interface.
type Dev struct {
	sync.Mutex            // lock for the bus while a transaction is in progress
	p          gpio.PinIO // the bus line
	opts       Opts       // slot timings and delay
	cursor     Cursor     // search state
	err        error      // persistent error, bus will no longer operate
}

func (d *Dev) String() string {
	return fmt.Sprintf("onewiregpio{%s}", d.p)
}

// Halt implements conn.Resource.
//
// It releases the line so a parasite powered bus is no longer driven.
func (d *Dev) Halt() error {
	d.Depower()
	return d.err
}

// Q implements onewire.Pins.
func (d *Dev) Q() gpio.PinIO {
	return d.p
}

// Err returns the persistent pin error, if any.
func (d *Dev) Err() error {
	return d.err
}

// Tx performs a bus transaction, sending and receiving bytes, and ending by
// pulling the bus high either weakly or strongly depending on the value of
// power.
//
// A strong pull-up is typically required to power temperature conversion or
// EEPROM writes. The line stays driven high until the next transaction or
// Halt.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.Lock()
	defer d.Unlock()

	present, idle := d.reset()
	if d.err != nil {
		return d.err
	}
	if !idle {
		return shortedBusError("onewiregpio: bus has a short")
	}
	if !present {
		return busError("onewiregpio: no device present")
	}
	d.WriteBytes(w, power && len(r) == 0)
	d.ReadBytes(r)
	if power && len(r) != 0 {
		d.out(gpio.High)
	}
	return d.err
}

// Reset issues a reset pulse on the bus and returns true if at least one
// device answered with a presence pulse.
//
// It first waits for the line to float high. If it never does, the bus is
// shorted or held low and Reset returns false without driving the line.
func (d *Dev) Reset() bool {
	present, _ := d.reset()
	return present
}

// reset performs the reset slot. idle is false when the line never went high.
func (d *Dev) reset() (present, idle bool) {
	d.in()
	for i := 1; i < d.opts.ResetRetries; i++ {
		d.delay(d.opts.ResetRetryDelay)
		if d.p.Read() == gpio.High {
			idle = true
			break
		}
	}
	if !idle || d.err != nil {
		return false, idle
	}
	d.out(gpio.Low)
	d.delay(d.opts.ResetLow)
	d.in()
	d.delay(d.opts.PresenceSample)
	present = d.p.Read() == gpio.Low
	d.delay(d.opts.ResetRecovery)
	return present && d.err == nil, true
}

// WriteBit writes the least significant bit of v in a write slot.
//
// Both slots last longer than the 60µs minimum slot time so devices sampling
// anywhere in their window see the same value. The line is left driven high.
func (d *Dev) WriteBit(v byte) {
	if v&1 != 0 {
		d.out(gpio.Low)
		d.delay(d.opts.Write1Low)
		d.out(gpio.High)
		d.delay(d.opts.Write1Release)
	} else {
		d.out(gpio.Low)
		d.delay(d.opts.Write0Low)
		d.out(gpio.High)
		d.delay(d.opts.Write0Release)
	}
}

// ReadBit runs a read slot and returns the sampled bit, 0 or 1.
func (d *Dev) ReadBit() byte {
	d.out(gpio.Low)
	d.delay(d.opts.ReadLow)
	d.in()
	d.delay(d.opts.ReadSample)
	l := d.p.Read()
	d.delay(d.opts.ReadRecovery)
	if l == gpio.High {
		return 1
	}
	return 0
}

// Write writes a byte, least significant bit first.
//
// With onewire.WeakPullup the line is released afterward, which avoids
// heating a shorted bus. With onewire.StrongPullup the line stays driven
// high to power parasitic devices until Depower or the next operation.
func (d *Dev) Write(v byte, power onewire.Pullup) {
	for mask := byte(0x01); mask != 0; mask <<= 1 {
		if v&mask != 0 {
			d.WriteBit(1)
		} else {
			d.WriteBit(0)
		}
	}
	if !power {
		d.in()
	}
}

// Read reads a byte, least significant bit first.
func (d *Dev) Read() byte {
	var v byte
	for mask := byte(0x01); mask != 0; mask <<= 1 {
		if d.ReadBit() != 0 {
			v |= mask
		}
	}
	return v
}

// WriteBytes writes buf back to back. power applies to the last byte only.
func (d *Dev) WriteBytes(buf []byte, power onewire.Pullup) {
	for i, b := range buf {
		d.Write(b, power && i == len(buf)-1)
	}
}

// ReadBytes fills buf with bytes read from the bus.
func (d *Dev) ReadBytes(buf []byte) {
	for i := range buf {
		buf[i] = d.Read()
	}
}

// Depower stops driving the line.
//
// It is only needed after a Write with onewire.StrongPullup when no other
// operation follows.
func (d *Dev) Depower() {
	d.in()
}

// Select addresses a single device with the match ROM command. Issue a Reset
// first.
func (d *Dev) Select(r ROM) {
	d.Write(cmdMatchROM, onewire.WeakPullup)
	d.WriteBytes(r[:], onewire.WeakPullup)
}

// Skip addresses every device on the bus with the skip ROM command. Issue a
// Reset first.
func (d *Dev) Skip() {
	d.Write(cmdSkipROM, onewire.WeakPullup)
}

// out drives the pin and persists the error.
func (d *Dev) out(l gpio.Level) {
	if d.err != nil {
		return
	}
	d.err = d.p.Out(l)
}

// in releases the pin and persists the error.
func (d *Dev) in() {
	if d.err != nil {
		return
	}
	d.err = d.p.In(d.opts.Pull, gpio.NoEdge)
}

func (d *Dev) delay(t time.Duration) {
	d.opts.Delay(t)
}

// busyWait spins until t elapsed. time.Sleep has a granularity far coarser
// than a bit slot.
func busyWait(t time.Duration) {
	for start := time.Now(); time.Since(start) < t; {
	}
}

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}
var _ onewire.Pins = &Dev{}

const (
	cmdReadROM     = 0x33 // read the ROM of the only device on the bus
	cmdMatchROM    = 0x55 // address a single device
	cmdSkipROM     = 0xcc // address all devices
	cmdSearchROM   = 0xf0 // search all devices
	cmdSearchAlarm = 0xec // search devices in alarm state
)
