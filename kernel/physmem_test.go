// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"errors"
	"testing"
)

func TestPhysMemBounds(t *testing.T) {
	mem := NewPhysMem(make([]byte, 0x2000))
	if err := mem.Write64(0x1ff8, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	b, err := mem.Bytes(0x1ff8, 8)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 0x08 || b[7] != 0x01 {
		t.Errorf("not little endian: % x", b)
	}
	v, err := mem.Read64(0x1ff8)
	if err != nil || v != 0x0102030405060708 {
		t.Errorf("Read64 = %#x, %v", v, err)
	}
	for _, a := range []PhysAddr{0x1ff9, 0x2000, 0xffff_ffff_ffff_fffc} {
		if _, err := mem.Read64(a); !errors.Is(err, ErrPhysRange) {
			t.Errorf("Read64(%#x) = %v, want ErrPhysRange", uint64(a), err)
		}
		if err := mem.Write64(a, 0); !errors.Is(err, ErrPhysRange) {
			t.Errorf("Write64(%#x) = %v, want ErrPhysRange", uint64(a), err)
		}
	}
	if err := mem.Zero(0x1000, 0x1001); !errors.Is(err, ErrPhysRange) {
		t.Errorf("Zero past end = %v, want ErrPhysRange", err)
	}
	if err := mem.Zero(0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.Read64(0x1ff8); v != 0 {
		t.Errorf("Zero left %#x", v)
	}
	if _, err := mem.table(0x800); !errors.Is(err, ErrUnaligned) {
		t.Errorf("table(0x800) = %v, want ErrUnaligned", err)
	}
	if _, err := mem.table(0x2000); !errors.Is(err, ErrPhysRange) {
		t.Errorf("table(0x2000) = %v, want ErrPhysRange", err)
	}
}

func TestPageTableView(t *testing.T) {
	mem := NewPhysMem(make([]byte, 0x2000))
	tbl, err := mem.table(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	tbl.setEntry(511, 0xabc003)
	if v, _ := mem.Read64(0x1ff8); v != 0xabc003 {
		t.Errorf("entry 511 stored %#x", v)
	}
	if e := tbl.entry(511); e != 0xabc003 {
		t.Errorf("entry(511) = %#x", uint64(e))
	}
}

func TestAllocPhysMem(t *testing.T) {
	mem, err := AllocPhysMem(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	if mem.Size() != 1<<20 {
		t.Errorf("Size = %#x", mem.Size())
	}
	if err := mem.Write64(0xff000, 42); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.Read64(0xff000); v != 42 {
		t.Errorf("Read64 = %d", v)
	}
	if err := mem.Release(); err != nil {
		t.Fatal(err)
	}
	if mem.Size() != 0 {
		t.Errorf("Size after Release = %d", mem.Size())
	}
	if _, err := AllocPhysMem(0); err == nil {
		t.Error("AllocPhysMem(0) succeeded")
	}
}
