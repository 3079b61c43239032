// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire is a container for a bit-banged 1-wire bus master and the
// drivers using it.
//
// onewiregpio drives the bus from a single GPIO pin and implements
// periph.io/x/conn/v3/onewire.BusSearcher. onewiresim simulates the bus and
// its devices in virtual time. ds18b20 reads the Maxim DS18x20 thermometers
// on any onewire.Bus. cmd/owtemp polls them from the command line.
package onewire
