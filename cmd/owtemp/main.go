// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owtemp polls the DS18x20 thermometers on a bit-banged 1-wire bus and prints
// their temperature.
//
// The data line is a single GPIO with an external 4.7kΩ pull-up resistor to
// 3.3V.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/onewire/onewiregpio"
)

type config struct {
	pin        *string
	interval   *time.Duration
	family     *uint
	alarm      *bool
	once       *bool
	strong     *bool
	resolution *int
	pullUp     *bool
}

func parseFlags() *config {
	cfg := &config{
		pin:      flag.String("pin", "GPIO4", "GPIO pin the 1-wire data line is connected to"),
		interval: flag.Duration("interval", 250*time.Millisecond, "pause between two enumerations of the bus"),
		family:   flag.Uint("family", 0, "only poll devices of this family code, e.g. 0x28 (0 for all)"),
		alarm:    flag.Bool("alarm", false, "only poll devices whose alarm flag is set"),
		once:     flag.Bool("once", false, "exit after one enumeration of the bus"),
		strong:   flag.Bool("strong", true, "power the bus during conversions, required by parasite powered devices"),
		resolution: flag.Int("resolution", 12,
			"resolution of DS18B20 and DS1822 conversions in bits, 9 to 12"),
		pullUp: flag.Bool("pullup", false, "enable the internal pull-up in addition to the external resistor"),
	}
	flag.Parse()
	return cfg
}

func (c *config) validate() error {
	if *c.resolution < 9 || *c.resolution > 12 {
		return fmt.Errorf("invalid resolution %d, must be between 9 and 12", *c.resolution)
	}
	if *c.family > 0xff {
		return fmt.Errorf("invalid family code %#x", *c.family)
	}
	if *c.interval < 0 {
		return fmt.Errorf("invalid interval %s", *c.interval)
	}
	return nil
}

func mainImpl() error {
	cfg := parseFlags()
	if flag.NArg() != 0 {
		return fmt.Errorf("unexpected argument: %q", flag.Args())
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if _, err := host.Init(); err != nil {
		return err
	}
	p := gpioreg.ByName(*cfg.pin)
	if p == nil {
		return fmt.Errorf("no pin named %q", *cfg.pin)
	}
	opts := onewiregpio.DefaultOpts
	if *cfg.pullUp {
		opts.Pull = gpio.PullUp
	}
	bus, err := onewiregpio.New(p, &opts)
	if err != nil {
		return err
	}
	defer bus.Halt()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	pl := newPoller(bus, newDisplay(colorable.NewColorableStdout(), nil), cfg)
	return pl.run(ctx, *cfg.once)
}

func main() {
	if err := mainImpl(); err != nil {
		log.Fatalf("owtemp: %v", err)
	}
}
