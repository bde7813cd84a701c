// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"sync"
)

// maxIdentityAddr bounds the physical addresses Map accepts. Above it
// the canonical form of the address differs from the address itself.
const maxIdentityAddr = 1 << extensionBit

// PageTableRoot is the physical address of a PML4.
type PageTableRoot struct {
	Base PhysAddr
}

// PageTables is a 4-level page table hierarchy in physical memory.
// All methods are safe for concurrent use.
type PageTables struct {
	mu   sync.Mutex
	mem  *PhysMem
	root PhysAddr
	// alloc supplies pages for tables created by Map. Nil until the
	// frame bitmap exists.
	alloc *tableAllocator
}

// tableAllocator hands out zeroed pages from the page table region
// following the frame bitmap.
type tableAllocator struct {
	mem    *PhysMem
	frames *FrameBitmap
	next   PhysAddr
	limit  PhysAddr
}

// Root returns the physical address of the PML4.
func (pt *PageTables) Root() PageTableRoot {
	return PageTableRoot{Base: pt.root}
}

// Entry returns the entry at level for the virtual address v. It
// returns ErrNotMapped if a table above level is absent. A reached
// entry is returned as stored, so callers must also check Present.
func (pt *PageTables) Entry(v VirtAddr, level Level) (PageTableEntry, error) {
	level.check()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	v = Canonical(v)
	t, err := pt.walk(v, level, false)
	if err != nil {
		return 0, err
	}
	return t.entry(v.Index(level)), nil
}

// SetEntry replaces the entry at level for the virtual address v. It
// returns ErrNotMapped if a table above level is absent.
func (pt *PageTables) SetEntry(v VirtAddr, level Level, e PageTableEntry) error {
	level.check()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	v = Canonical(v)
	t, err := pt.walk(v, level, false)
	if err != nil {
		return err
	}
	t.setEntry(v.Index(level), e)
	return nil
}

// Translate returns the physical address v maps to.
func (pt *PageTables) Translate(v VirtAddr) (PhysAddr, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	v = Canonical(v)
	t, err := pt.walk(v, PML1, false)
	if err != nil {
		return 0, err
	}
	e := t.entry(v.Index(PML1))
	if !e.Present() {
		return 0, fmt.Errorf("page %#x: %w", uint64(v.Align()), ErrNotMapped)
	}
	return e.Frame() + PhysAddr(v.Offset()), nil
}

// Map identity maps the page holding p and returns its virtual
// address. Missing tables are allocated from the page table region.
// A page that is already mapped is left alone.
func (pt *PageTables) Map(p PhysAddr) (VirtAddr, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.mapPage(p, false)
}

// MapMMIO is like Map but disables caching for the page, as device
// registers require.
func (pt *PageTables) MapMMIO(p PhysAddr) (VirtAddr, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.mapPage(p, true)
}

// MapRange identity maps every page overlapping [start, start+size)
// and returns the virtual address of start.
func (pt *PageTables) MapRange(start PhysAddr, size uint64, mmio bool) (VirtAddr, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	end := start + PhysAddr(size)
	if end < start {
		return 0, fmt.Errorf("range %#x+%#x: %w", uint64(start), size, ErrMapTooLarge)
	}
	for a := start.Align(); a < end; a += PageSize {
		if _, err := pt.mapPage(a, mmio); err != nil {
			return 0, err
		}
	}
	return VirtAddr(start), nil
}

func (pt *PageTables) mapPage(p PhysAddr, mmio bool) (VirtAddr, error) {
	if p >= maxIdentityAddr {
		return 0, fmt.Errorf("identity map %#x: %w", uint64(p), ErrMapTooLarge)
	}
	v := Canonical(VirtAddr(p))
	t, err := pt.walk(v, PML1, true)
	if err != nil {
		return 0, err
	}
	i := v.Index(PML1)
	e := t.entry(i)
	if !e.Present() {
		e, err = NewEntry(p.Align(), identityFlags)
		if err != nil {
			return 0, err
		}
	}
	if mmio {
		e.SetFlags(FlagCacheDisable)
	}
	t.setEntry(i, e)
	return v, nil
}

// walk descends from the PML4 to the table holding the entry at level
// for v. If create is set, absent tables are allocated.
func (pt *PageTables) walk(v VirtAddr, level Level, create bool) (pageTable, error) {
	t, err := pt.mem.table(pt.root)
	if err != nil {
		return pageTable{}, err
	}
	for l := PML4; l > level; l-- {
		i := v.Index(l)
		e := t.entry(i)
		if !e.Present() {
			if !create {
				return pageTable{}, fmt.Errorf("%v[%d] for %#x: %w", l, i, uint64(v), ErrNotMapped)
			}
			if e, err = pt.lookupOrCreate(t, i); err != nil {
				return pageTable{}, err
			}
		}
		if t, err = pt.mem.table(e.Frame()); err != nil {
			return pageTable{}, err
		}
	}
	return t, nil
}

// lookupOrCreate points entry i of t at a fresh table.
func (pt *PageTables) lookupOrCreate(t pageTable, i int) (PageTableEntry, error) {
	if pt.alloc == nil {
		return 0, fmt.Errorf("no table allocator: %w", ErrTableSpace)
	}
	page, err := pt.alloc.allocTable()
	if err != nil {
		return 0, err
	}
	e, err := NewEntry(page, identityFlags)
	if err != nil {
		return 0, err
	}
	t.setEntry(i, e)
	return e, nil
}

// allocTable returns the next free page of the table region, zeroed
// and marked used.
func (a *tableAllocator) allocTable() (PhysAddr, error) {
	for ; a.next < a.limit; a.next += PageSize {
		used, err := a.frames.IsUsed(a.next)
		if err != nil {
			return 0, err
		}
		if used {
			continue
		}
		page := a.next
		if err := a.mem.Zero(page, PageSize); err != nil {
			return 0, err
		}
		if err := a.frames.MarkUsed(page); err != nil {
			return 0, err
		}
		a.next += PageSize
		return page, nil
	}
	return 0, fmt.Errorf("limit %#x: %w", uint64(a.limit), ErrTableSpace)
}
