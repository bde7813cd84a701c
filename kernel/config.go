// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"io"
)

const (
	// PageSize is the size of a frame and of a page table.
	PageSize = 1 << 12

	pageTableSize = 512
	entrySize     = 8
)

// Hard-coded memory locations used on the BIOS boot path.
const (
	// The real-mode E820 reader stores the memory map here.
	defaultE820Addr = 0x0800
	// The mode switch stub loads CR3 from here.
	defaultHandoffAddr = 0x0700
	// Page tables start at the 1MB mark.
	defaultTableBase = 0x100000
	// Long mode is entered with 2MB identity mapped; the table region
	// must stay inside it to be reachable once paging is on.
	defaultTableLimit     = 0x200000
	defaultInitialMapSize = 0x200000
	// Everything below 1MB belongs to the BIOS, the boot stages and the
	// scratch buffers.
	defaultReservedBelow = 0x100000
)

// Layout checks on the defaults. Each line fails to compile if its
// condition is violated.
var (
	_ = [1]struct{}{}[defaultTableBase%PageSize]
	_ = [1]struct{}{}[defaultTableLimit%PageSize]
	_ = [1]struct{}{}[defaultInitialMapSize%PageSize]
)

const (
	_ = uint64(defaultTableLimit - defaultTableBase - 1)
	_ = uint64(defaultTableBase - defaultReservedBelow)
	_ = uint64(defaultE820Addr - defaultHandoffAddr - entrySize)
	_ = uint64(defaultInitialMapSize - defaultTableLimit)
)

// Config describes where boot puts things in physical memory.
type Config struct {
	// E820Addr is the location of the E820 buffer.
	E820Addr PhysAddr
	// HandoffAddr receives the physical address of the PML4.
	HandoffAddr PhysAddr
	// TableBase is the first byte of the page table region.
	TableBase PhysAddr
	// TableLimit bounds the page table region, including the frame
	// bitmap and tables allocated later by Map.
	TableLimit PhysAddr
	// ReservedBelow is the end of the code and data in use during
	// boot. The table region must not start below it.
	ReservedBelow PhysAddr
	// InitialMapSize is the number of bytes identity mapped at boot.
	InitialMapSize uint64
	// MapAllMemory extends the identity map to the total memory
	// extent reported by the E820 map.
	MapAllMemory bool
	// Debug receives boot diagnostics if non-nil.
	Debug io.Writer
}

// DefaultConfig returns the configuration of the BIOS boot path.
func DefaultConfig() Config {
	return Config{
		E820Addr:       defaultE820Addr,
		HandoffAddr:    defaultHandoffAddr,
		TableBase:      defaultTableBase,
		TableLimit:     defaultTableLimit,
		ReservedBelow:  defaultReservedBelow,
		InitialMapSize: defaultInitialMapSize,
	}
}

// Validate checks the parts of the configuration that don't depend on
// the memory map.
func (c *Config) Validate() error {
	if c.TableBase.Align() != c.TableBase || c.TableLimit.Align() != c.TableLimit {
		return fmt.Errorf("table region [%#x, %#x) not page aligned: %w", c.TableBase, c.TableLimit, ErrLayout)
	}
	if c.TableBase < c.ReservedBelow {
		return fmt.Errorf("table base %#x below reserved boundary %#x: %w", c.TableBase, c.ReservedBelow, ErrLayout)
	}
	if c.TableLimit <= c.TableBase {
		return fmt.Errorf("table limit %#x not above base %#x: %w", c.TableLimit, c.TableBase, ErrLayout)
	}
	if c.HandoffAddr%entrySize != 0 {
		return fmt.Errorf("hand-off address %#x not 8 byte aligned: %w", c.HandoffAddr, ErrLayout)
	}
	if overlaps(c.HandoffAddr, c.HandoffAddr+entrySize, c.TableBase, c.TableLimit) {
		return fmt.Errorf("hand-off address %#x inside table region: %w", c.HandoffAddr, ErrLayout)
	}
	if overlaps(c.E820Addr, c.E820Addr+2, c.TableBase, c.TableLimit) {
		return fmt.Errorf("E820 buffer %#x inside table region: %w", c.E820Addr, ErrLayout)
	}
	return nil
}

func overlaps(s1, e1, s2, e2 PhysAddr) bool {
	return s1 < e2 && s2 < e1
}
