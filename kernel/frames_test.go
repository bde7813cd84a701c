// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"errors"
	"testing"
)

func newTestBitmap(t *testing.T, extent uint64) (*PhysMem, *FrameBitmap) {
	t.Helper()
	mem := NewPhysMem(make([]byte, 0x10000))
	// Dirty the storage to check that the bitmap starts cleared.
	b, err := mem.Bytes(0x2000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b {
		b[i] = 0xff
	}
	frames, err := newFrameBitmap(mem, 0x2000, extent)
	if err != nil {
		t.Fatal(err)
	}
	return mem, frames
}

func TestFrameBitmap(t *testing.T) {
	_, frames := newTestBitmap(t, 0x100000+1)
	if got := frames.Frames(); got != 257 {
		t.Fatalf("Frames = %d, want 257", got)
	}
	if got := frames.Size(); got != 5*8 {
		t.Errorf("Size = %d, want 40", got)
	}
	for _, a := range []PhysAddr{0, 0x1000, 0x3f000, 0x40000, 0xfffff, 0x100000} {
		used, err := frames.IsUsed(a)
		if err != nil || used {
			t.Fatalf("IsUsed(%#x) = %v, %v on a fresh bitmap", uint64(a), used, err)
		}
		for i := 0; i < 2; i++ {
			if err := frames.MarkUsed(a); err != nil {
				t.Fatal(err)
			}
		}
		if used, _ := frames.IsUsed(a); !used {
			t.Errorf("frame of %#x not marked", uint64(a))
		}
	}
	// Neighbors are untouched.
	if used, _ := frames.IsUsed(0x2000); used {
		t.Error("frame 2 marked")
	}
	if used, _ := frames.IsUsed(0x41000); used {
		t.Error("frame 0x41 marked")
	}
	for i := 0; i < 2; i++ {
		if err := frames.MarkFree(0x40000); err != nil {
			t.Fatal(err)
		}
	}
	if used, _ := frames.IsUsed(0x40000); used {
		t.Error("MarkFree didn't clear frame 0x40")
	}
	if used, _ := frames.IsUsed(0x3f000); !used {
		t.Error("MarkFree cleared frame 0x3f")
	}
	free, err := frames.FreeFrames()
	if err != nil {
		t.Fatal(err)
	}
	// Marked: 0, 1, 0x3f, 0xff, 0x100.
	if free != 257-5 {
		t.Errorf("FreeFrames = %d, want %d", free, 257-5)
	}
}

func TestFrameBitmapRange(t *testing.T) {
	_, frames := newTestBitmap(t, 0x10000)
	for _, a := range []PhysAddr{0x10000, 0x11000, 0xffff_ffff_f000} {
		if err := frames.MarkUsed(a); !errors.Is(err, ErrFrameRange) {
			t.Errorf("MarkUsed(%#x) = %v, want ErrFrameRange", uint64(a), err)
		}
		if err := frames.MarkFree(a); !errors.Is(err, ErrFrameRange) {
			t.Errorf("MarkFree(%#x) = %v, want ErrFrameRange", uint64(a), err)
		}
		if _, err := frames.IsUsed(a); !errors.Is(err, ErrFrameRange) {
			t.Errorf("IsUsed(%#x) = %v, want ErrFrameRange", uint64(a), err)
		}
		if frames.Contains(a) {
			t.Errorf("Contains(%#x)", uint64(a))
		}
	}
	if !frames.Contains(0xffff) {
		t.Error("!Contains(0xffff)")
	}
}

func TestFrameBitmapMarkRange(t *testing.T) {
	_, frames := newTestBitmap(t, 0x10000)
	// Partial pages at either end are marked; the tail past the
	// covered memory is clipped.
	if err := frames.MarkRange(0x1800, 0x3001); err != nil {
		t.Fatal(err)
	}
	if err := frames.MarkRange(0xf800, 0x20000); err != nil {
		t.Fatal(err)
	}
	want := map[PhysAddr]bool{0x1000: true, 0x2000: true, 0x3000: true, 0xf000: true}
	for a := PhysAddr(0); a < 0x10000; a += PageSize {
		used, err := frames.IsUsed(a)
		if err != nil {
			t.Fatal(err)
		}
		if used != want[a] {
			t.Errorf("IsUsed(%#x) = %v, want %v", uint64(a), used, want[a])
		}
	}
	// An empty range marks nothing.
	if err := frames.MarkRange(0x5000, 0x5000); err != nil {
		t.Fatal(err)
	}
	if used, _ := frames.IsUsed(0x5000); used {
		t.Error("empty range marked a frame")
	}
}

func TestFrameCount(t *testing.T) {
	tests := []struct {
		extent, frames, bytes uint64
	}{
		{0, 0, 0},
		{1, 1, 8},
		{PageSize, 1, 8},
		{64 * PageSize, 64, 8},
		{64*PageSize + 1, 65, 16},
		{0xffff_ffff_ffff_f000, 1<<52 - 1, 1 << 49},
		{0xffff_ffff_ffff_ffff, 1 << 52, 1 << 49},
	}
	for _, test := range tests {
		if got := frameCount(test.extent); got != test.frames {
			t.Errorf("frameCount(%#x) = %#x, want %#x", test.extent, got, test.frames)
		}
		if got := bitmapBytes(test.extent); got != test.bytes {
			t.Errorf("bitmapBytes(%#x) = %#x, want %#x", test.extent, got, test.bytes)
		}
	}
}

func TestFrameBitmapMarkRangeTop(t *testing.T) {
	_, frames := newTestBitmap(t, 0x10000)
	if err := frames.MarkRange(0xe000, 0xffff_ffff_ffff_ffff); err != nil {
		t.Fatal(err)
	}
	for _, a := range []PhysAddr{0xe000, 0xf000} {
		if used, _ := frames.IsUsed(a); !used {
			t.Errorf("frame %#x not marked", uint64(a))
		}
	}
	if used, _ := frames.IsUsed(0xd000); used {
		t.Error("frame 0xd000 marked")
	}
}

func TestFrameBitmapStorage(t *testing.T) {
	mem, frames := newTestBitmap(t, 0x100000)
	if err := frames.MarkUsed(65 * PageSize); err != nil {
		t.Fatal(err)
	}
	// Frame 65 is bit 1 of the second word.
	w, err := mem.Read64(frames.Addr() + 8)
	if err != nil {
		t.Fatal(err)
	}
	if w != 1<<1 {
		t.Errorf("second word = %#x, want 0x2", w)
	}
	// Storage past the bitmap is untouched by the initial clear.
	b, err := mem.Bytes(frames.Addr()+PhysAddr(frames.Size()), 1)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 0xff {
		t.Errorf("byte past bitmap = %#x, want 0xff", b[0])
	}
}
