// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"encoding/binary"
	"fmt"
)

// PhysMem is a window onto physical memory starting at address 0.
// All accesses are bounds checked.
type PhysMem struct {
	mem     []byte
	release func([]byte) error
}

// pageTable is the hardware representation of one 512 entry table,
// viewed through a page of physical memory.
type pageTable struct {
	addr PhysAddr
	page []byte
}

// NewPhysMem returns a physical memory window backed by b.
func NewPhysMem(b []byte) *PhysMem {
	return &PhysMem{mem: b}
}

// Size returns the number of bytes in the window.
func (m *PhysMem) Size() uint64 {
	return uint64(len(m.mem))
}

// Release returns the backing memory to the host if it was allocated
// by AllocPhysMem. The window is empty afterwards.
func (m *PhysMem) Release() error {
	mem := m.mem
	m.mem = nil
	if m.release == nil {
		return nil
	}
	return m.release(mem)
}

// Bytes returns the n bytes at addr.
func (m *PhysMem) Bytes(addr PhysAddr, n uint64) ([]byte, error) {
	end := uint64(addr) + n
	if end < uint64(addr) || end > m.Size() {
		return nil, fmt.Errorf("[%#x, %#x): %w", uint64(addr), end, ErrPhysRange)
	}
	return m.mem[addr:end:end], nil
}

// Read64 reads the little-endian quad word at addr.
func (m *PhysMem) Read64(addr PhysAddr) (uint64, error) {
	b, err := m.Bytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write64 stores v in little-endian byte order at addr.
func (m *PhysMem) Write64(addr PhysAddr, v uint64) error {
	b, err := m.Bytes(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Zero clears n bytes at addr.
func (m *PhysMem) Zero(addr PhysAddr, n uint64) error {
	b, err := m.Bytes(addr, n)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = 0
	}
	return nil
}

// table returns the page table stored at addr.
func (m *PhysMem) table(addr PhysAddr) (pageTable, error) {
	if addr.Align() != addr {
		return pageTable{}, fmt.Errorf("page table at %#x: %w", uint64(addr), ErrUnaligned)
	}
	b, err := m.Bytes(addr, PageSize)
	if err != nil {
		return pageTable{}, err
	}
	return pageTable{addr: addr, page: b}, nil
}

func (t pageTable) entry(i int) PageTableEntry {
	off := (i & indexMask) * entrySize
	return PageTableEntry(binary.LittleEndian.Uint64(t.page[off:]))
}

func (t pageTable) setEntry(i int, e PageTableEntry) {
	off := (i & indexMask) * entrySize
	binary.LittleEndian.PutUint64(t.page[off:], uint64(e))
}
