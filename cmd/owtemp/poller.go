// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"log"
	"time"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/onewire/ds18b20"
	"github.com/GermanBionicSystems/onewire/onewiregpio"
)

// poller walks the bus one device at a time and reads every thermometer it
// finds.
type poller struct {
	bus        *onewiregpio.Dev
	d          *display
	mode       onewiregpio.SearchMode
	family     byte
	resolution int
	strong     bool
	interval   time.Duration
	sleep      func(time.Duration)

	fresh bool // the next pass starts an enumeration
}

func newPoller(bus *onewiregpio.Dev, d *display, cfg *config) *poller {
	p := &poller{
		bus:        bus,
		d:          d,
		mode:       onewiregpio.SearchNormal,
		family:     byte(*cfg.family),
		resolution: *cfg.resolution,
		strong:     *cfg.strong,
		interval:   *cfg.interval,
		sleep:      time.Sleep,
		fresh:      true,
	}
	if *cfg.alarm {
		p.mode = onewiregpio.SearchAlarm
	}
	return p
}

// run polls until ctx is canceled, or after one enumeration if once is set.
func (p *poller) run(ctx context.Context, once bool) error {
	for ctx.Err() == nil {
		if !p.step() {
			if err := p.bus.Err(); err != nil {
				return err
			}
			if once {
				return nil
			}
			p.sleep(p.interval)
		}
	}
	return nil
}

// step handles the next device of the enumeration. It returns false once the
// enumeration is over.
func (p *poller) step() bool {
	if p.fresh && p.family != 0 {
		p.bus.TargetFamily(p.family)
	}
	p.fresh = false
	rom, ok := p.bus.Next(p.mode)
	if !ok || (p.family != 0 && rom.Family() != p.family) {
		p.bus.ResetSearch()
		p.fresh = true
		return false
	}
	if !rom.Valid() {
		p.d.warn(rom, "CRC is not valid")
		return true
	}
	if !ds18b20.IsThermometer(rom.Family()) {
		p.d.warn(rom, "not a DS18x20 family device")
		return true
	}
	t, err := p.read(rom)
	if err != nil {
		p.d.warn(rom, err.Error())
		return true
	}
	if err := p.d.reading(rom, t); err != nil {
		log.Printf("owtemp: %v", err)
	}
	return true
}

// read converts and reads the temperature of a single thermometer.
func (p *poller) read(rom onewiregpio.ROM) (physic.Temperature, error) {
	dev, err := ds18b20.New(p.bus, rom.Address(), p.resolution)
	if err != nil {
		return 0, err
	}
	if p.strong {
		e := physic.Env{}
		if err := dev.Sense(&e); err != nil {
			return 0, err
		}
		return e.Temperature, nil
	}
	// Externally powered devices do not need the line held high.
	ow := onewire.Dev{Bus: p.bus, Addr: rom.Address()}
	if err := ow.Tx([]byte{0x44}, nil); err != nil {
		return 0, err
	}
	p.sleep(conversionTime(rom.Family(), p.resolution))
	return dev.LastTemp()
}

// conversionTime is the worst case conversion time, datasheet p.6.
func conversionTime(f byte, bits int) time.Duration {
	if ds18b20.Family(f) == ds18b20.DS18S20 {
		bits = 12
	}
	return (94 << uint(bits-9)) * time.Millisecond
}
