// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/onewire/ds18b20"
	"github.com/GermanBionicSystems/onewire/onewiregpio"
)

// Colour scale of the readings, blue at coldest and red at hottest.
const (
	coldest = -10.
	hottest = 40.
)

// display prints one line per reading, prefixed with a colour block.
type display struct {
	w       io.Writer
	palette ansi256.Palette
	buf     bytes.Buffer
}

func newDisplay(w io.Writer, p *ansi256.Palette) *display {
	if p == nil {
		p = ansi256.Default
	}
	return &display{w: w, palette: *p}
}

func (d *display) reading(rom onewiregpio.ROM, t physic.Temperature) error {
	c := t.Celsius()
	d.buf.Reset()
	_, _ = d.buf.WriteString("\033[0m")
	_, _ = io.WriteString(&d.buf, d.palette.Block(tempColor(c)))
	_, _ = fmt.Fprintf(&d.buf, "\033[0m %s %-7s %7.2f°C %7.2f°F\n", rom, ds18b20.Family(rom.Family()), c, c*1.8+32)
	_, err := d.buf.WriteTo(d.w)
	return err
}

func (d *display) warn(rom onewiregpio.ROM, msg string) {
	_, _ = fmt.Fprintf(d.w, "\033[0m  %s %s\n", rom, msg)
}

// tempColor maps a temperature on the colour scale.
func tempColor(c float64) color.NRGBA {
	f := (c - coldest) / (hottest - coldest)
	f = max(0, min(1, f))
	return color.NRGBA{R: byte(255 * f), G: 64, B: byte(255 * (1 - f)), A: 255}
}
