// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "fmt"

// maxRootEntries is the number of PML4 entries covering the lower
// canonical half, the only half an identity map can live in.
const maxRootEntries = pageTableSize / 2

// Layout describes the page table region of an identity map. The
// tables are contiguous, in order PML4, PML3, PML2, PML1.
type Layout struct {
	Base PhysAddr
	// Size is the number of bytes identity mapped.
	Size uint64
	// Pages is the number of PML1 entries populated.
	Pages uint64
	// tables[l] is the number of tables at level l.
	tables [PML4 + 1]uint64
}

// PlanIdentityMap computes the layout of an identity map of size bytes
// with tables starting at base. Every level gets at least one table.
func PlanIdentityMap(size uint64, base PhysAddr) (Layout, error) {
	if base.Align() != base {
		return Layout{}, fmt.Errorf("table base %#x: %w", uint64(base), ErrUnaligned)
	}
	l := Layout{Base: base, Size: size}
	// Single page (PML1 entry) holds 4KB of RAM.
	l.Pages = size / PageSize
	if size%PageSize > 0 {
		l.Pages++
	}
	children := l.Pages
	for lvl := PML1; lvl <= PML3; lvl++ {
		n := children / pageTableSize
		if children%pageTableSize > 0 || n == 0 {
			n++
		}
		l.tables[lvl] = n
		children = n
	}
	l.tables[PML4] = 1
	if l.tables[PML3] > maxRootEntries {
		return Layout{}, fmt.Errorf("%#x bytes need %d PML4 entries: %w", size, l.tables[PML3], ErrMapTooLarge)
	}
	if l.End() < base {
		return Layout{}, fmt.Errorf("table region at %#x wraps: %w", uint64(base), ErrMapTooLarge)
	}
	return l, nil
}

// Tables returns the number of tables at level lvl.
func (l Layout) Tables(lvl Level) uint64 {
	lvl.check()
	return l.tables[lvl]
}

// Start returns the address of the first table at level lvl.
func (l Layout) Start(lvl Level) PhysAddr {
	lvl.check()
	addr := l.Base
	for above := PML4; above > lvl; above-- {
		addr += PhysAddr(l.tables[above] * PageSize)
	}
	return addr
}

// End returns the first address past the page tables.
func (l Layout) End() PhysAddr {
	return l.Start(PML1) + PhysAddr(l.tables[PML1]*PageSize)
}

// Bytes returns the size of the page table region.
func (l Layout) Bytes() uint64 {
	return uint64(l.End() - l.Base)
}

// entries returns the number of populated entries at level lvl.
func (l Layout) entries(lvl Level) uint64 {
	if lvl == PML1 {
		return l.Pages
	}
	return l.tables[lvl-1]
}

// target returns the frame entry i at level lvl points to.
func (l Layout) target(lvl Level, i uint64) PhysAddr {
	if lvl == PML1 {
		return PhysAddr(i * PageSize)
	}
	return l.Start(lvl-1) + PhysAddr(i*PageSize)
}

// BuildIdentityMap lays out, zeroes and populates the page tables
// identity mapping the first size bytes of physical memory, starting
// at base. Every entry gets the present, writable and write-through
// bits.
func BuildIdentityMap(mem *PhysMem, size uint64, base PhysAddr) (*PageTables, Layout, error) {
	l, err := PlanIdentityMap(size, base)
	if err != nil {
		return nil, Layout{}, err
	}
	if err := mem.Zero(base, l.Bytes()); err != nil {
		return nil, Layout{}, fmt.Errorf("clear page tables: %w", err)
	}
	for lvl := PML1; lvl <= PML4; lvl++ {
		start := l.Start(lvl)
		n := l.entries(lvl)
		var t pageTable
		for i := uint64(0); i < n; i++ {
			if i%pageTableSize == 0 {
				t, err = mem.table(start + PhysAddr(i/pageTableSize*PageSize))
				if err != nil {
					return nil, Layout{}, err
				}
			}
			e, err := NewEntry(l.target(lvl, i), identityFlags)
			if err != nil {
				return nil, Layout{}, err
			}
			t.setEntry(int(i%pageTableSize), e)
		}
	}
	return &PageTables{mem: mem, root: base}, l, nil
}

// PublishRoot stores the physical address of the PML4 at addr, where
// the mode switch loads CR3 from.
func PublishRoot(mem *PhysMem, addr PhysAddr, root PageTableRoot) error {
	if err := mem.Write64(addr, uint64(root.Base)); err != nil {
		return fmt.Errorf("publish PML4 %#x: %w", uint64(root.Base), err)
	}
	return nil
}
