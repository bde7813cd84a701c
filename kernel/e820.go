// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"cmp"
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/slices"
)

// RegionType is the E820 classification of a memory region.
type RegionType uint32

const (
	RegionUsable          RegionType = 1
	RegionReserved        RegionType = 2
	RegionACPIReclaimable RegionType = 3
	RegionACPINVS         RegionType = 4
	RegionBad             RegionType = 5
)

const (
	e820CountSize = 2
	e820EntrySize = 24
)

// MemoryRegion is one E820 entry.
type MemoryRegion struct {
	Base   PhysAddr
	Length uint64
	Type   RegionType
	// Attributes holds the ACPI 3.0 extended attributes.
	Attributes uint32
}

// MemoryMap is the physical memory map reported by the firmware.
type MemoryMap struct {
	Regions []MemoryRegion

	// excluded holds the bad regions dropped by Normalize.
	excluded  []MemoryRegion
	total     uint64
	available uint64
}

// DecodeMemoryMap parses an E820 buffer: a 16-bit entry count followed
// by packed 24 byte entries.
func DecodeMemoryMap(buf []byte) (MemoryMap, error) {
	if len(buf) < e820CountSize {
		return MemoryMap{}, ErrShortMemoryMap
	}
	bo := binary.LittleEndian
	n := int(bo.Uint16(buf))
	buf = buf[e820CountSize:]
	if len(buf) < n*e820EntrySize {
		return MemoryMap{}, fmt.Errorf("%d entries in %d bytes: %w", n, len(buf), ErrShortMemoryMap)
	}
	m := MemoryMap{Regions: make([]MemoryRegion, n)}
	for i := range m.Regions {
		e := buf[i*e820EntrySize:]
		m.Regions[i] = MemoryRegion{
			Base:       PhysAddr(bo.Uint64(e[0:])),
			Length:     bo.Uint64(e[8:]),
			Type:       RegionType(bo.Uint32(e[16:])),
			Attributes: bo.Uint32(e[20:]),
		}
	}
	return m, nil
}

// ReadMemoryMap decodes the E820 buffer stored in physical memory at
// addr.
func ReadMemoryMap(mem *PhysMem, addr PhysAddr) (MemoryMap, error) {
	hdr, err := mem.Bytes(addr, e820CountSize)
	if err != nil {
		return MemoryMap{}, fmt.Errorf("E820 count: %w", err)
	}
	n := uint64(binary.LittleEndian.Uint16(hdr))
	buf, err := mem.Bytes(addr, e820CountSize+n*e820EntrySize)
	if err != nil {
		return MemoryMap{}, fmt.Errorf("E820 entries: %v: %w", err, ErrShortMemoryMap)
	}
	return DecodeMemoryMap(buf)
}

// EncodeMemoryMap produces the E820 buffer format read by
// DecodeMemoryMap.
func EncodeMemoryMap(regions []MemoryRegion) []byte {
	bo := binary.LittleEndian
	buf := make([]byte, e820CountSize+len(regions)*e820EntrySize)
	bo.PutUint16(buf, uint16(len(regions)))
	for i, r := range regions {
		e := buf[e820CountSize+i*e820EntrySize:]
		bo.PutUint64(e[0:], uint64(r.Base))
		bo.PutUint64(e[8:], r.Length)
		bo.PutUint32(e[16:], uint32(r.Type))
		bo.PutUint32(e[20:], r.Attributes)
	}
	return buf
}

// Normalize drops empty, negative, wrapping and bad entries, sorts the
// rest by base address and computes the memory totals. Entries with
// equal bases keep their relative order.
func (m *MemoryMap) Normalize() {
	n := 0
	for _, r := range m.Regions {
		if !r.valid() {
			if r.Type == RegionBad && r.Length > 0 && r.end() > r.Base {
				m.excluded = append(m.excluded, r)
			}
			continue
		}
		m.Regions[n] = r
		n++
	}
	m.Regions = m.Regions[:n]
	slices.SortStableFunc(m.Regions, func(a, b MemoryRegion) int {
		return cmp.Compare(a.Base, b.Base)
	})
	m.total, m.available = 0, 0
	for _, r := range m.Regions {
		if r.Type == RegionReserved {
			continue
		}
		if end := uint64(r.end()); end > m.total {
			m.total = end
		}
		if r.Type == RegionUsable {
			m.available += r.Length
		}
	}
}

// TotalMemory returns the highest end address of any region that is
// not reserved.
func (m *MemoryMap) TotalMemory() uint64 {
	return m.total
}

// AvailableMemory returns the number of usable bytes.
func (m *MemoryMap) AvailableMemory() uint64 {
	return m.available
}

// Excluded returns the bad regions Normalize removed from the map.
func (m *MemoryMap) Excluded() []MemoryRegion {
	return m.excluded
}

// Usable reports whether [start, end) lies entirely inside one usable
// region.
func (m *MemoryMap) Usable(start, end PhysAddr) bool {
	for _, r := range m.Regions {
		if r.Type == RegionUsable && r.Base <= start && end <= r.end() {
			return true
		}
	}
	return false
}

func (r MemoryRegion) valid() bool {
	if r.Type == RegionBad || int64(r.Length) <= 0 {
		return false
	}
	// Reject entries that wrap past the top of the address space.
	return r.end() > r.Base
}

func (r MemoryRegion) end() PhysAddr {
	return r.Base + PhysAddr(r.Length)
}

func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "ACPI reclaimable"
	case RegionACPINVS:
		return "ACPI NVS"
	case RegionBad:
		return "bad"
	default:
		return fmt.Sprintf("type %d", uint32(t))
	}
}
