// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"bytes"
	"testing"

	"golang.org/x/exp/slices"
)

func TestDump(t *testing.T) {
	_, pt, _ := newTestTables(t, 0x108000)
	entries, err := pt.Dump()
	if err != nil {
		t.Fatal(err)
	}
	want := []Mapping{{Virt: 0, Phys: 0, Size: 0x200000, Flags: identityFlags}}
	if !slices.Equal(entries, want) {
		t.Errorf("Dump = %+v, want %+v", entries, want)
	}

	if _, err := pt.MapMMIO(0x3000); err != nil {
		t.Fatal(err)
	}
	if _, err := pt.Map(0x40_0000_0000); err != nil {
		t.Fatal(err)
	}
	entries, err = pt.Dump()
	if err != nil {
		t.Fatal(err)
	}
	want = []Mapping{
		{Virt: 0, Phys: 0, Size: 0x3000, Flags: identityFlags},
		{Virt: 0x3000, Phys: 0x3000, Size: PageSize, Flags: identityFlags | FlagCacheDisable},
		{Virt: 0x4000, Phys: 0x4000, Size: 0x1fc000, Flags: identityFlags},
		{Virt: 0x40_0000_0000, Phys: 0x40_0000_0000, Size: PageSize, Flags: identityFlags},
	}
	if !slices.Equal(entries, want) {
		t.Errorf("Dump = %+v, want %+v", entries, want)
	}
	if err := pt.VerifyIdentity(); err != nil {
		t.Error(err)
	}

	var buf bytes.Buffer
	WriteMappings(&buf, entries[1:2])
	if got, want := buf.String(), "mapping vaddr: 0x3000 paddr: 0x3000 size 0x1000 flags PW-TC----\n"; got != want {
		t.Errorf("WriteMappings = %q, want %q", got, want)
	}
}

func TestVerifyIdentity(t *testing.T) {
	_, pt, _ := newTestTables(t, 0x108000)
	e, _ := NewEntry(0x7000, identityFlags)
	if err := pt.SetEntry(0x5000, PML1, e); err != nil {
		t.Fatal(err)
	}
	if err := pt.VerifyIdentity(); err == nil {
		t.Error("VerifyIdentity accepted a remapped page")
	}

	overlap := []Mapping{
		{Virt: 0x2000, Phys: 0x2000, Size: 0x1000},
		{Virt: 0x1000, Phys: 0x1000, Size: 0x2000},
	}
	if err := verifyPageTable(overlap); err == nil {
		t.Error("verifyPageTable accepted overlapping mappings")
	}
	disjoint := []Mapping{
		{Virt: 0x3000, Phys: 0x3000, Size: 0x1000},
		{Virt: 0x1000, Phys: 0x1000, Size: 0x2000},
	}
	if err := verifyPageTable(disjoint); err != nil {
		t.Errorf("verifyPageTable: %v", err)
	}
}
