// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import "periph.io/x/conn/v3/onewire"

// SearchMode selects which devices take part in a search.
type SearchMode byte

const (
	// SearchNormal enumerates every device on the bus.
	SearchNormal SearchMode = cmdSearchROM
	// SearchAlarm enumerates only the devices whose alarm flag is set.
	SearchAlarm SearchMode = cmdSearchAlarm
)

func (m SearchMode) String() string {
	switch m {
	case SearchNormal:
		return "normal"
	case SearchAlarm:
		return "alarm"
	default:
		return "unknown"
	}
}

// Cursor is the state of an enumeration in progress.
//
// The search is a depth-first walk of the binary tree of 64-bit addresses,
// pruned by the devices present. LastDiscrepancy is the bookmark from which
// the next pass takes the branch not yet explored.
type Cursor struct {
	ROM                   ROM  // address decided so far, or last returned
	LastDiscrepancy       int  // 1..64 position of the last 0 branch taken, 0 for none
	LastFamilyDiscrepancy int  // same, restricted to the family code bits 1..8
	LastDevice            bool // the last device was returned
}

// Cursor returns a copy of the search state.
func (d *Dev) Cursor() Cursor {
	return d.cursor
}

// ResetSearch clears the search state so the next call to Next starts a new
// enumeration.
func (d *Dev) ResetSearch() {
	d.cursor = Cursor{}
}

// TargetFamily sets up the search state so the next call to Next returns a
// device of the given family code first, if one is present.
//
// Devices of other families may follow once the family is exhausted; stop
// when the returned ROM's Family no longer matches.
func (d *Dev) TargetFamily(code byte) {
	d.cursor = Cursor{LastDiscrepancy: 64}
	d.cursor.ROM[0] = code
}

// Next runs one search pass and returns the next device's ROM.
//
// It returns false when the enumeration is complete, when no device answered
// the reset or when the bus dropped during the pass. In every case the search
// state is reset, so the following call starts a new enumeration. Once the
// last device was returned, the next call returns false without touching the
// bus. The order of the devices is deterministic.
//
// Next does not check the ROM's CRC; use ROM.Valid.
func (d *Dev) Next(mode SearchMode) (ROM, bool) {
	c := &d.cursor
	if c.LastDevice {
		d.ResetSearch()
		return ROM{}, false
	}
	if !d.Reset() {
		d.ResetSearch()
		return ROM{}, false
	}
	d.Write(byte(mode), onewire.WeakPullup)

	lastZero := 0
	n := 1
	for ; n <= 64; n++ {
		// Every device still taking part sends its bit then its complement.
		idBit := d.ReadBit()
		cmpBit := d.ReadBit()
		if idBit == 1 && cmpBit == 1 {
			break
		}
		var dir byte
		if idBit != cmpBit {
			dir = idBit
		} else {
			switch {
			case n < c.LastDiscrepancy:
				dir = c.ROM.bit(n)
			case n == c.LastDiscrepancy:
				dir = 1
			}
			if dir == 0 {
				lastZero = n
				if lastZero < 9 {
					c.LastFamilyDiscrepancy = lastZero
				}
			}
		}
		c.ROM.setBit(n, dir)
		// Devices whose bit differs drop out until the next reset.
		d.WriteBit(dir)
	}

	if n <= 64 || d.err != nil {
		d.ResetSearch()
		return ROM{}, false
	}
	c.LastDiscrepancy = lastZero
	if lastZero == 0 {
		c.LastDevice = true
	}
	if c.ROM[0] == 0 {
		d.ResetSearch()
		return ROM{}, false
	}
	return c.ROM, true
}

// ReadROM returns the ROM of the only device on the bus.
//
// With more than one device present the answers collide and the ROM fails
// its CRC.
func (d *Dev) ReadROM() (ROM, bool) {
	var r ROM
	if !d.Reset() {
		return r, false
	}
	d.Write(cmdReadROM, onewire.WeakPullup)
	d.ReadBytes(r[:])
	return r, d.err == nil && r.Valid()
}

// Search performs a complete enumeration of the bus and returns the
// addresses of all devices if alarmOnly is false and of all devices in alarm
// state if alarmOnly is true.
//
// Search resets the search state before and after. If an address fails its
// CRC, the already-discovered devices are returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	defer d.ResetSearch()

	mode := SearchNormal
	if alarmOnly {
		mode = SearchAlarm
	}
	d.ResetSearch()
	var addrs []onewire.Address
	for {
		r, ok := d.Next(mode)
		if !ok {
			break
		}
		if !r.Valid() {
			return addrs, busError("onewiregpio: invalid CRC in address " + r.String())
		}
		a := r.Address()
		for _, seen := range addrs {
			if seen == a {
				return addrs, busError("onewiregpio: address returned twice " + r.String())
			}
		}
		addrs = append(addrs, a)
	}
	return addrs, d.err
}

// SearchTriplet performs a single bit search triplet: it reads a bit and its
// complement, then writes the direction taken.
//
// When the devices disagree direction is written, otherwise the bit they
// agree on. It mirrors the DS2482 triplet command so onewire.Search works on
// this bus. SearchTriplet should not be used directly, use Search instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.Lock()
	defer d.Unlock()

	idBit := d.ReadBit()
	cmpBit := d.ReadBit()
	var taken byte
	switch {
	case idBit == 0 && cmpBit == 0:
		taken = direction & 1
	case idBit == 1 && cmpBit == 1:
		taken = 1
	default:
		taken = idBit
	}
	d.WriteBit(taken)
	tr := onewire.TripletResult{
		GotZero: idBit == 0,
		GotOne:  cmpBit == 0,
		Taken:   taken,
	}
	return tr, d.err
}
