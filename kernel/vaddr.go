// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "fmt"

// PhysAddr is a physical memory address.
type PhysAddr uint64

// VirtAddr is a 64-bit virtual address.
type VirtAddr uint64

// Level identifies one of the four page table levels.
type Level int

const (
	PML1 Level = 1 + iota
	PML2
	PML3
	PML4
)

const (
	offsetBits = 12
	indexBits  = 9
	indexMask  = 1<<indexBits - 1
	offsetMask = PageSize - 1

	// extensionBit is the top bit of the PML4 index. Bits 63:48 of a
	// canonical address replicate it.
	extensionBit = offsetBits + 4*indexBits - 1
	canonicalLow = 1<<(extensionBit+1) - 1
)

// Indices is a virtual address split into its table indices and page
// offset.
type Indices struct {
	Offset uint16
	PML1   uint16
	PML2   uint16
	PML3   uint16
	PML4   uint16
}

// Decompose extracts the table indices and page offset from v. It
// doesn't validate v.
func Decompose(v VirtAddr) Indices {
	return Indices{
		Offset: uint16(v & offsetMask),
		PML1:   uint16(v.Index(PML1)),
		PML2:   uint16(v.Index(PML2)),
		PML3:   uint16(v.Index(PML3)),
		PML4:   uint16(v.Index(PML4)),
	}
}

// Recompose builds the canonical address for the indices.
func (i Indices) Recompose() VirtAddr {
	v := VirtAddr(i.Offset&offsetMask) |
		VirtAddr(i.PML1&indexMask)<<shift(PML1) |
		VirtAddr(i.PML2&indexMask)<<shift(PML2) |
		VirtAddr(i.PML3&indexMask)<<shift(PML3) |
		VirtAddr(i.PML4&indexMask)<<shift(PML4)
	return Canonical(v)
}

// Canonical sign-extends bit 47 of v through bits 63:48.
func Canonical(v VirtAddr) VirtAddr {
	if v&(1<<extensionBit) != 0 {
		return v | ^VirtAddr(canonicalLow)
	}
	return v & canonicalLow
}

// IsCanonical reports whether bits 63:48 of v replicate bit 47.
func (v VirtAddr) IsCanonical() bool {
	return Canonical(v) == v
}

// Index returns the table index v selects at level l.
func (v VirtAddr) Index(l Level) int {
	return int(v>>shift(l)) & indexMask
}

// Offset returns the offset of v within its page.
func (v VirtAddr) Offset() uint64 {
	return uint64(v & offsetMask)
}

// Align the address downwards to the page size.
func (v VirtAddr) Align() VirtAddr {
	return v &^ VirtAddr(PageSize-1)
}

// Align the address downwards to the page size.
func (a PhysAddr) Align() PhysAddr {
	return a &^ PhysAddr(PageSize-1)
}

// Align the address upwards to the page size.
func (a PhysAddr) AlignUp() PhysAddr {
	return (a + PageSize - 1) &^ PhysAddr(PageSize-1)
}

// shift returns the position of the lowest address bit indexing level l.
func shift(l Level) uint {
	l.check()
	return offsetBits + indexBits*uint(l-1)
}

func (l Level) check() {
	if l < PML1 || l > PML4 {
		panic(fmt.Sprintf("kernel: invalid page table level %d", int(l)))
	}
}

func (l Level) String() string {
	if l < PML1 || l > PML4 {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return fmt.Sprintf("PML%d", int(l))
}

// pageSpan returns the number of bytes one entry at level l maps.
func pageSpan(l Level) uint64 {
	return 1 << shift(l)
}
