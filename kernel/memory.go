// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "fmt"

// MemoryContext owns the memory state set up at boot: the normalized
// memory map, the page tables and the frame bitmap.
type MemoryContext struct {
	mem    *PhysMem
	memMap MemoryMap
	layout Layout
	frames *FrameBitmap
	tables *PageTables
}

// Boot reads the E820 map from physical memory, builds the identity
// map and frame bitmap and publishes the PML4 address for the mode
// switch. Errors are fatal to the boot.
func Boot(mem *PhysMem, cfg Config) (*MemoryContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	memMap, err := ReadMemoryMap(mem, cfg.E820Addr)
	if err != nil {
		return nil, err
	}
	memMap.Normalize()
	for _, r := range memMap.Regions {
		debugf(cfg.Debug, "E820 %#x-%#x %v", uint64(r.Base), uint64(r.end()), r.Type)
	}
	debugf(cfg.Debug, "total memory %#x, available %#x", memMap.TotalMemory(), memMap.AvailableMemory())

	size := cfg.InitialMapSize
	if cfg.MapAllMemory && memMap.TotalMemory() > size {
		size = memMap.TotalMemory()
	}
	layout, err := PlanIdentityMap(size, cfg.TableBase)
	if err != nil {
		return nil, err
	}
	bitmapAddr := layout.End()
	bitmapSize := bitmapBytes(memMap.TotalMemory())
	if bitmapAddr > cfg.TableLimit || bitmapSize > uint64(cfg.TableLimit-bitmapAddr) {
		return nil, fmt.Errorf("frame bitmap for %#x bytes at %#x exceeds limit %#x: %w",
			memMap.TotalMemory(), uint64(bitmapAddr), uint64(cfg.TableLimit), ErrTableSpace)
	}
	regionEnd := (bitmapAddr + PhysAddr(bitmapSize)).AlignUp()
	if err := checkRegion(&memMap, mem, cfg, regionEnd); err != nil {
		return nil, err
	}

	tables, layout, err := BuildIdentityMap(mem, size, cfg.TableBase)
	if err != nil {
		return nil, err
	}
	frames, err := newFrameBitmap(mem, bitmapAddr, memMap.TotalMemory())
	if err != nil {
		return nil, err
	}
	// Now that the bitmap exists, reserve the table region including
	// the bitmap itself.
	if err := frames.MarkRange(cfg.TableBase, regionEnd); err != nil {
		return nil, err
	}
	for _, r := range memMap.Regions {
		if r.Type == RegionUsable {
			continue
		}
		if err := frames.MarkRange(r.Base, r.end()); err != nil {
			return nil, err
		}
	}
	for _, r := range memMap.Excluded() {
		if err := frames.MarkRange(r.Base, r.end()); err != nil {
			return nil, err
		}
	}
	tables.alloc = &tableAllocator{
		mem:    mem,
		frames: frames,
		next:   regionEnd,
		limit:  cfg.TableLimit,
	}
	if err := PublishRoot(mem, cfg.HandoffAddr, tables.Root()); err != nil {
		return nil, err
	}
	debugf(cfg.Debug, "mapped %#x bytes, tables %#x-%#x (%d/%d/%d/%d), frames: %d",
		size, uint64(layout.Base), uint64(layout.End()),
		layout.Tables(PML4), layout.Tables(PML3), layout.Tables(PML2), layout.Tables(PML1),
		frames.Frames())
	return &MemoryContext{
		mem:    mem,
		memMap: memMap,
		layout: layout,
		frames: frames,
		tables: tables,
	}, nil
}

// checkRegion verifies that the table region [cfg.TableBase, end) stays
// below the table limit, inside physical memory and inside usable RAM.
func checkRegion(memMap *MemoryMap, mem *PhysMem, cfg Config, end PhysAddr) error {
	if end > cfg.TableLimit {
		return fmt.Errorf("table region [%#x, %#x) exceeds limit %#x: %w",
			uint64(cfg.TableBase), uint64(end), uint64(cfg.TableLimit), ErrTableSpace)
	}
	if uint64(end) > mem.Size() {
		return fmt.Errorf("table region [%#x, %#x) outside physical memory: %w",
			uint64(cfg.TableBase), uint64(end), ErrLayout)
	}
	if !memMap.Usable(cfg.TableBase, cfg.TableLimit) {
		return fmt.Errorf("table region [%#x, %#x) not in usable memory: %w",
			uint64(cfg.TableBase), uint64(cfg.TableLimit), ErrLayout)
	}
	return nil
}

// Tables returns the page tables.
func (c *MemoryContext) Tables() *PageTables {
	return c.tables
}

// Frames returns the frame bitmap. It is not synchronized; once the
// context is shared, use the MemoryContext frame methods instead.
func (c *MemoryContext) Frames() *FrameBitmap {
	return c.frames
}

// MemoryMap returns the normalized memory map.
func (c *MemoryContext) MemoryMap() *MemoryMap {
	return &c.memMap
}

// Layout returns the layout of the boot page tables.
func (c *MemoryContext) Layout() Layout {
	return c.layout
}

// Root returns the physical address of the PML4.
func (c *MemoryContext) Root() PageTableRoot {
	return c.tables.Root()
}

// IsFrameUsed reports whether the frame holding p is in use. It
// serializes with page table updates.
func (c *MemoryContext) IsFrameUsed(p PhysAddr) (bool, error) {
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	return c.frames.IsUsed(p)
}

// MarkFrameUsed marks the frame holding p as in use, serialized with
// page table updates.
func (c *MemoryContext) MarkFrameUsed(p PhysAddr) error {
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	return c.frames.MarkUsed(p)
}

// MarkFrameFree marks the frame holding p as free, serialized with
// page table updates.
func (c *MemoryContext) MarkFrameFree(p PhysAddr) error {
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	return c.frames.MarkFree(p)
}
