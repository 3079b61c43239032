// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"math/bits"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/onewire/onewiresim"
)

// enumerate runs a full enumeration with Next.
func enumerate(t *testing.T, d *Dev, mode SearchMode) []ROM {
	t.Helper()
	d.ResetSearch()
	var roms []ROM
	for range 1000 {
		r, ok := d.Next(mode)
		if !ok {
			return roms
		}
		roms = append(roms, r)
	}
	t.Fatal("enumeration did not terminate")
	return nil
}

// searchOrder sorts ROMs the way the search visits them: bit by bit starting
// with the family code's least significant bit, 0 before 1.
func searchOrder(roms []ROM) []ROM {
	out := slices.Clone(roms)
	slices.SortFunc(out, func(a, b ROM) int {
		x, y := bits.Reverse64(uint64(a.Address())), bits.Reverse64(uint64(b.Address()))
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
	return out
}

func devices(roms []ROM) []*onewiresim.Device {
	devs := make([]*onewiresim.Device, len(roms))
	for i, r := range roms {
		devs[i] = &onewiresim.Device{ROM: r}
	}
	return devs
}

func TestNext_completeness(t *testing.T) {
	var tests = []struct {
		name string
		roms []ROM
	}{
		{"one", []ROM{onewiresim.NewROM(0x28, 0x0000070e41ac)}},
		{"two", []ROM{onewiresim.NewROM(0x28, 1), onewiresim.NewROM(0x28, 2)}},
		{"families", []ROM{
			onewiresim.NewROM(0x28, 5),
			onewiresim.NewROM(0x10, 5),
			onewiresim.NewROM(0x22, 5),
			onewiresim.NewROM(0x01, 5),
		}},
		// Serials sharing their first 47 bits stress the discrepancy bookmark.
		{"long prefix", []ROM{
			onewiresim.NewROM(0x28, 0x7fffffffffff),
			onewiresim.NewROM(0x28, 0x3fffffffffff),
			onewiresim.NewROM(0x28, 0x5fffffffffff),
			onewiresim.NewROM(0x28, 0x1fffffffffff),
		}},
		{"dense", []ROM{
			onewiresim.NewROM(0x28, 0),
			onewiresim.NewROM(0x28, 1),
			onewiresim.NewROM(0x28, 2),
			onewiresim.NewROM(0x28, 3),
			onewiresim.NewROM(0x28, 4),
			onewiresim.NewROM(0x28, 5),
			onewiresim.NewROM(0x28, 6),
			onewiresim.NewROM(0x28, 7),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newSim(t, devices(tc.roms)...)
			got := enumerate(t, d, SearchNormal)
			if diff := cmp.Diff(searchOrder(tc.roms), got); diff != "" {
				t.Fatalf("enumeration mismatch (-want +got):\n%s", diff)
			}
			for _, r := range got {
				if !r.Valid() {
					t.Errorf("%s fails its CRC", r)
				}
			}
		})
	}
}

func TestNext_random(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := range 20 {
		seen := map[ROM]bool{}
		var roms []ROM
		for n := 1 + r.Intn(24); len(roms) < n; {
			// Narrow serials make collisions in the high bits likely.
			rom := ROM(onewiresim.NewROM(byte(1+r.Intn(3)), uint64(r.Intn(64))<<40|uint64(r.Intn(4))))
			if !seen[rom] {
				seen[rom] = true
				roms = append(roms, rom)
			}
		}
		d, _ := newSim(t, devices(roms)...)
		got := enumerate(t, d, SearchNormal)
		if diff := cmp.Diff(searchOrder(roms), got); diff != "" {
			t.Fatalf("set %d: enumeration mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestNext_determinism(t *testing.T) {
	roms := []ROM{
		onewiresim.NewROM(0x28, 0xa1),
		onewiresim.NewROM(0x28, 0xa2),
		onewiresim.NewROM(0x10, 0xa1),
		onewiresim.NewROM(0x28, 0x800000000000),
		onewiresim.NewROM(0x22, 0x3),
	}
	d, _ := newSim(t, devices(roms)...)
	first := enumerate(t, d, SearchNormal)
	if len(first) != len(roms) {
		t.Fatalf("found %d devices, want %d", len(first), len(roms))
	}
	for range 3 {
		if diff := cmp.Diff(first, enumerate(t, d, SearchNormal)); diff != "" {
			t.Fatalf("order changed (-first +now):\n%s", diff)
		}
	}
}

func TestNext_singleDevice(t *testing.T) {
	rom := ROM(onewiresim.NewROM(0x28, 0x0000070e41ac))
	d, b := newSim(t, &onewiresim.Device{ROM: rom})
	got, ok := d.Next(SearchNormal)
	if !ok || got != rom {
		t.Fatalf("Next() = %s, %t", got, ok)
	}
	c := d.Cursor()
	if c.LastDiscrepancy != 0 || !c.LastDevice {
		t.Fatalf("unexpected cursor %+v", c)
	}
	edges, now := b.Edges(), b.Now()
	if _, ok := d.Next(SearchNormal); ok {
		t.Fatal("enumeration must be exhausted")
	}
	if b.Edges() != edges || b.Now() != now {
		t.Fatal("an exhausted search must not touch the bus")
	}
	// The exhausted call reset the cursor, the enumeration starts over.
	if got, ok := d.Next(SearchNormal); !ok || got != rom {
		t.Fatalf("Next() = %s, %t", got, ok)
	}
}

func TestNext_empty(t *testing.T) {
	d, b := newSim(t)
	d.TargetFamily(0x28)
	if _, ok := d.Next(SearchNormal); ok {
		t.Fatal("nothing to find")
	}
	if d.Cursor() != (Cursor{}) {
		t.Fatalf("cursor must be reset, got %+v", d.Cursor())
	}
	if b.Resets() != 1 {
		t.Fatal("a reset must be attempted")
	}
}

func TestNext_shorted(t *testing.T) {
	d, b := newSim(t, &onewiresim.Device{ROM: onewiresim.NewROM(0x28, 1)})
	b.Shorted = true
	if _, ok := d.Next(SearchNormal); ok {
		t.Fatal("shorted bus")
	}
	if b.Edges() != 0 {
		t.Fatal("a shorted bus must not be driven")
	}
}

func TestNext_busDropped(t *testing.T) {
	rom1 := onewiresim.NewROM(0x28, 1)
	rom2 := onewiresim.NewROM(0x28, 2)
	d, b := newSim(t, &onewiresim.Device{ROM: rom1}, &onewiresim.Device{ROM: rom2})
	if _, ok := d.Next(SearchNormal); !ok {
		t.Fatal("expected a device")
	}
	if d.Cursor().LastDiscrepancy == 0 {
		t.Fatal("a second device is pending")
	}
	b.Detach(rom1)
	b.Detach(rom2)
	if _, ok := d.Next(SearchNormal); ok {
		t.Fatal("bus is empty")
	}
	if d.Cursor() != (Cursor{}) {
		t.Fatalf("cursor must be reset, got %+v", d.Cursor())
	}
}

func TestNext_zeroFamily(t *testing.T) {
	d, _ := newSim(t, &onewiresim.Device{ROM: onewiresim.NewROM(0x00, 1)})
	if _, ok := d.Next(SearchNormal); ok {
		t.Fatal("a zero family code is not a device")
	}
	if d.Cursor() != (Cursor{}) {
		t.Fatalf("cursor must be reset, got %+v", d.Cursor())
	}
}

func TestNext_familyDiscrepancy(t *testing.T) {
	// 0x28 and 0x10 differ first at bit 4; 0x10 has a 0 there.
	d, _ := newSim(t,
		&onewiresim.Device{ROM: onewiresim.NewROM(0x28, 1)},
		&onewiresim.Device{ROM: onewiresim.NewROM(0x10, 1)})
	r, ok := d.Next(SearchNormal)
	if !ok || r.Family() != 0x10 {
		t.Fatalf("Next() = %s, %t", r, ok)
	}
	if c := d.Cursor(); c.LastFamilyDiscrepancy != 4 || c.LastDiscrepancy != 4 {
		t.Fatalf("unexpected cursor %+v", c)
	}
}

func TestTargetFamily(t *testing.T) {
	want := []ROM{
		onewiresim.NewROM(0x28, 0x10),
		onewiresim.NewROM(0x28, 0x20),
		onewiresim.NewROM(0x28, 0x30),
	}
	roms := append([]ROM{
		onewiresim.NewROM(0x10, 0x10),
		onewiresim.NewROM(0x10, 0x40),
	}, want...)
	d, _ := newSim(t, devices(roms)...)
	d.TargetFamily(0x28)
	c := d.Cursor()
	if c.ROM != (ROM{0x28}) || c.LastDiscrepancy != 64 || c.LastFamilyDiscrepancy != 0 || c.LastDevice {
		t.Fatalf("unexpected seeded cursor %+v", c)
	}
	var got []ROM
	for {
		r, ok := d.Next(SearchNormal)
		if !ok || r.Family() != 0x28 {
			break
		}
		got = append(got, r)
	}
	if diff := cmp.Diff(searchOrder(want), got); diff != "" {
		t.Fatalf("targeted enumeration mismatch (-want +got):\n%s", diff)
	}
}

func TestNext_alarm(t *testing.T) {
	alarmed := []ROM{onewiresim.NewROM(0x28, 3), onewiresim.NewROM(0x28, 9)}
	d, _ := newSim(t,
		&onewiresim.Device{ROM: onewiresim.NewROM(0x28, 1)},
		&onewiresim.Device{ROM: alarmed[0], Alarm: true},
		&onewiresim.Device{ROM: onewiresim.NewROM(0x28, 5)},
		&onewiresim.Device{ROM: alarmed[1], Alarm: true})
	if diff := cmp.Diff(searchOrder(alarmed), enumerate(t, d, SearchAlarm)); diff != "" {
		t.Fatalf("alarm search mismatch (-want +got):\n%s", diff)
	}
	if n := len(enumerate(t, d, SearchNormal)); n != 4 {
		t.Fatalf("normal search found %d devices", n)
	}
}

func TestSearch(t *testing.T) {
	roms := []ROM{
		onewiresim.NewROM(0x28, 0x0000070e41ac),
		onewiresim.NewROM(0x28, 0x0000070e41ad),
		onewiresim.NewROM(0x10, 0x00000000beef),
	}
	d, _ := newSim(t, devices(roms)...)
	d.TargetFamily(0x10)
	got, err := d.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	var want []onewire.Address
	for _, r := range searchOrder(roms) {
		want = append(want, r.Address())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Search mismatch (-want +got):\n%s", diff)
	}
	if d.Cursor() != (Cursor{}) {
		t.Fatal("Search must leave the cursor reset")
	}

	// The generic periph search over SearchTriplet finds the same devices.
	generic, err := onewire.Search(d, false)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(generic)
	slices.Sort(want)
	if diff := cmp.Diff(want, generic); diff != "" {
		t.Fatalf("onewire.Search mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_alarmOnly(t *testing.T) {
	rom := ROM(onewiresim.NewROM(0x28, 2))
	d, _ := newSim(t,
		&onewiresim.Device{ROM: onewiresim.NewROM(0x28, 1)},
		&onewiresim.Device{ROM: rom, Alarm: true})
	got, err := d.Search(true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]onewire.Address{rom.Address()}, got); diff != "" {
		t.Fatalf("alarm Search mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_empty(t *testing.T) {
	d, _ := newSim(t)
	got, err := d.Search(false)
	if err != nil || len(got) != 0 {
		t.Fatalf("Search() = %v, %v", got, err)
	}
}

func TestSearch_badCRC(t *testing.T) {
	// 0x28 has a 0 in its first bit so it is found first.
	good := ROM(onewiresim.NewROM(0x28, 1))
	bad := ROM(onewiresim.NewROM(0x01, 1))
	bad[7] ^= 0xff
	d, _ := newSim(t, &onewiresim.Device{ROM: good}, &onewiresim.Device{ROM: bad})
	got, err := d.Search(false)
	if err == nil {
		t.Fatal("expected a CRC error")
	}
	if _, ok := err.(onewire.BusError); !ok {
		t.Fatalf("expected a bus error, got %v", err)
	}
	if diff := cmp.Diff([]onewire.Address{good.Address()}, got); diff != "" {
		t.Fatalf("devices found before the error (-want +got):\n%s", diff)
	}
}

func TestSearchTriplet(t *testing.T) {
	// Devices 0x..01 and 0x..02 of family 0x28 disagree at position 9.
	d, _ := newSim(t,
		&onewiresim.Device{ROM: onewiresim.NewROM(0x28, 1)},
		&onewiresim.Device{ROM: onewiresim.NewROM(0x28, 2)})
	if err := d.Tx([]byte{0xf0}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	for n := range 8 {
		tr, err := d.SearchTriplet(0)
		if err != nil {
			t.Fatal(err)
		}
		want := 0x28 >> uint(n) & 1
		if tr.GotZero == tr.GotOne || tr.Taken != byte(want) {
			t.Fatalf("bit %d: %+v", n, tr)
		}
	}
	tr, err := d.SearchTriplet(1)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.GotZero || !tr.GotOne || tr.Taken != 1 {
		t.Fatalf("expected a discrepancy resolved to 1: %+v", tr)
	}
}

func TestReadROM(t *testing.T) {
	rom := ROM(onewiresim.NewROM(0x28, 0x0000070e41ac))
	d, _ := newSim(t, &onewiresim.Device{ROM: rom})
	if got, ok := d.ReadROM(); !ok || got != rom {
		t.Fatalf("ReadROM() = %s, %t", got, ok)
	}

	d, _ = newSim(t,
		&onewiresim.Device{ROM: onewiresim.NewROM(0x28, 1)},
		&onewiresim.Device{ROM: onewiresim.NewROM(0x28, 2)})
	if _, ok := d.ReadROM(); ok {
		t.Fatal("colliding answers must fail the CRC")
	}

	d, _ = newSim(t)
	if _, ok := d.ReadROM(); ok {
		t.Fatal("empty bus")
	}
}
