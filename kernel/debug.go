// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"cmp"
	"fmt"
	"io"

	"golang.org/x/exp/slices"
)

// Mapping is a run of virtually and physically contiguous pages with
// equal flags.
type Mapping struct {
	Virt  VirtAddr
	Phys  PhysAddr
	Size  uint64
	Flags PageFlags
}

// Dump returns the leaf mappings of the hierarchy in virtual address
// order, coalescing adjacent pages.
func (pt *PageTables) Dump() ([]Mapping, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var entries []Mapping
	err := pt.dumpTable(pt.root, PML4, 0, func(m Mapping) {
		if n := len(entries); n > 0 {
			last := &entries[n-1]
			if last.Virt+VirtAddr(last.Size) == m.Virt &&
				last.Phys+PhysAddr(last.Size) == m.Phys && last.Flags == m.Flags {
				last.Size += m.Size
				return
			}
		}
		entries = append(entries, m)
	})
	return entries, err
}

func (pt *PageTables) dumpTable(addr PhysAddr, l Level, vaddr VirtAddr, visit func(Mapping)) error {
	t, err := pt.mem.table(addr)
	if err != nil {
		return err
	}
	for i := 0; i < pageTableSize; i++ {
		e := t.entry(i)
		if !e.Present() {
			continue
		}
		vaddr := Canonical(vaddr + VirtAddr(i)*VirtAddr(pageSpan(l)))
		if l == PML1 {
			visit(Mapping{Virt: vaddr, Phys: e.Frame(), Size: PageSize, Flags: e.Flags()})
			continue
		}
		if err := pt.dumpTable(e.Frame(), l-1, vaddr, visit); err != nil {
			return err
		}
	}
	return nil
}

// VerifyIdentity checks that every mapping is an identity mapping and
// that no two mappings share physical memory.
func (pt *PageTables) VerifyIdentity() error {
	entries, err := pt.Dump()
	if err != nil {
		return err
	}
	return verifyPageTable(entries)
}

func verifyPageTable(entries []Mapping) error {
	for _, e := range entries {
		if uint64(e.Virt) != uint64(e.Phys) {
			return fmt.Errorf("kernel: mapping %#x -> %#x is not an identity mapping", uint64(e.Virt), uint64(e.Phys))
		}
	}
	pranges := slices.Clone(entries)
	slices.SortFunc(pranges, func(r1, r2 Mapping) int {
		if c := cmp.Compare(r1.Phys, r2.Phys); c != 0 {
			return c
		}
		return cmp.Compare(r1.Size, r2.Size)
	})
	for i := 0; i < len(pranges)-1; i++ {
		r1 := pranges[i]
		r2 := pranges[i+1]
		if r1.Phys+PhysAddr(r1.Size) > r2.Phys {
			return fmt.Errorf("kernel: overlapping ranges %#x+%#x and %#x+%#x",
				uint64(r1.Phys), r1.Size, uint64(r2.Phys), r2.Size)
		}
	}
	return nil
}

// WriteMappings prints one line per mapping.
func WriteMappings(w io.Writer, entries []Mapping) {
	for _, e := range entries {
		fmt.Fprintf(w, "mapping vaddr: %#x paddr: %#x size %#x flags %v\n",
			uint64(e.Virt), uint64(e.Phys), e.Size, e.Flags)
	}
}
