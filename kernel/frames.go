// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"math/bits"
)

// FrameBitmap tracks physical frames with one bit each, stored in
// physical memory. A set bit means the frame is in use.
type FrameBitmap struct {
	mem  *PhysMem
	addr PhysAddr
	// frames is the number of frames covered.
	frames uint64
}

// frameCount returns the number of frames overlapping [0, extent).
// It holds for extents up to 2^64-1.
func frameCount(extent uint64) uint64 {
	n := extent / PageSize
	if extent%PageSize != 0 {
		n++
	}
	return n
}

// bitmapBytes returns the storage size of a bitmap covering extent
// bytes of physical memory.
func bitmapBytes(extent uint64) uint64 {
	return (frameCount(extent) + 63) / 64 * 8
}

// newFrameBitmap places a zeroed bitmap covering extent bytes at addr.
// The bitmap's own frames are not marked; the caller does that once
// the bitmap exists.
func newFrameBitmap(mem *PhysMem, addr PhysAddr, extent uint64) (*FrameBitmap, error) {
	if err := mem.Zero(addr, bitmapBytes(extent)); err != nil {
		return nil, fmt.Errorf("frame bitmap: %w", err)
	}
	return &FrameBitmap{
		mem:    mem,
		addr:   addr,
		frames: frameCount(extent),
	}, nil
}

// Addr returns the physical address of the bitmap storage.
func (b *FrameBitmap) Addr() PhysAddr {
	return b.addr
}

// Size returns the number of bytes the bitmap occupies.
func (b *FrameBitmap) Size() uint64 {
	return (b.frames + 63) / 64 * 8
}

// Frames returns the number of frames covered.
func (b *FrameBitmap) Frames() uint64 {
	return b.frames
}

// Contains reports whether addr falls inside the covered memory.
func (b *FrameBitmap) Contains(addr PhysAddr) bool {
	return uint64(addr)/PageSize < b.frames
}

// MarkUsed marks the frame holding addr as in use.
func (b *FrameBitmap) MarkUsed(addr PhysAddr) error {
	return b.update(addr, true)
}

// MarkFree marks the frame holding addr as free.
func (b *FrameBitmap) MarkFree(addr PhysAddr) error {
	return b.update(addr, false)
}

// IsUsed reports whether the frame holding addr is in use.
func (b *FrameBitmap) IsUsed(addr PhysAddr) (bool, error) {
	wordAddr, mask, err := b.locate(addr)
	if err != nil {
		return false, err
	}
	w, err := b.mem.Read64(wordAddr)
	if err != nil {
		return false, err
	}
	return w&mask != 0, nil
}

// MarkRange marks every frame overlapping [start, end) as used. Frames
// past the covered memory are ignored.
func (b *FrameBitmap) MarkRange(start, end PhysAddr) error {
	last := frameCount(uint64(end))
	if last > b.frames {
		last = b.frames
	}
	for f := uint64(start) / PageSize; f < last; f++ {
		if err := b.MarkUsed(PhysAddr(f * PageSize)); err != nil {
			return err
		}
	}
	return nil
}

// FreeFrames counts the frames not marked in use.
func (b *FrameBitmap) FreeFrames() (uint64, error) {
	words := (b.frames + 63) / 64
	used := uint64(0)
	for i := uint64(0); i < words; i++ {
		w, err := b.mem.Read64(b.addr + PhysAddr(i*8))
		if err != nil {
			return 0, err
		}
		used += uint64(bits.OnesCount64(w))
	}
	return b.frames - used, nil
}

func (b *FrameBitmap) update(addr PhysAddr, used bool) error {
	wordAddr, mask, err := b.locate(addr)
	if err != nil {
		return err
	}
	w, err := b.mem.Read64(wordAddr)
	if err != nil {
		return err
	}
	if used {
		w |= mask
	} else {
		w &^= mask
	}
	return b.mem.Write64(wordAddr, w)
}

func (b *FrameBitmap) locate(addr PhysAddr) (PhysAddr, uint64, error) {
	frame := uint64(addr) / PageSize
	if frame >= b.frames {
		return 0, 0, fmt.Errorf("address %#x, %d frames: %w", uint64(addr), b.frames, ErrFrameRange)
	}
	return b.addr + PhysAddr(frame/64*8), 1 << (frame % 64), nil
}
