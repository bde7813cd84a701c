// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "fmt"

// PageFlags are the flag bits of a page table entry.
type PageFlags uint64

// PageTableEntry is the hardware representation of a page table
// entry: flags in bits 0-11, the frame address in bits 12-63.
type PageTableEntry uint64

const (
	FlagPresent      PageFlags = 1 << 0
	FlagWritable     PageFlags = 1 << 1
	FlagUser         PageFlags = 1 << 2
	FlagWriteThrough PageFlags = 1 << 3
	FlagCacheDisable PageFlags = 1 << 4
	FlagAccessed     PageFlags = 1 << 5
	FlagDirty        PageFlags = 1 << 6
	FlagPAT          PageFlags = 1 << 7
	FlagGlobal       PageFlags = 1 << 8

	allPageFlags = FlagPresent | FlagWritable | FlagUser | FlagWriteThrough |
		FlagCacheDisable | FlagAccessed | FlagDirty | FlagPAT | FlagGlobal

	availableShift = 9
	availableMask  = 0x7 << availableShift

	frameMask = ^PageTableEntry(PageSize - 1)

	// identityFlags are set on every entry the builder writes.
	identityFlags = FlagPresent | FlagWritable | FlagWriteThrough
)

// NewEntry returns an entry pointing at frame with flags set.
func NewEntry(frame PhysAddr, flags PageFlags) (PageTableEntry, error) {
	var e PageTableEntry
	if err := e.SetFrame(frame); err != nil {
		return 0, err
	}
	e.SetFlags(flags)
	return e, nil
}

// Frame returns the page aligned physical address the entry points to.
func (e PageTableEntry) Frame() PhysAddr {
	return PhysAddr(e & frameMask)
}

// SetFrame points the entry at frame, keeping the flags.
func (e *PageTableEntry) SetFrame(frame PhysAddr) error {
	if frame.Align() != frame {
		return fmt.Errorf("frame %#x: %w", uint64(frame), ErrUnaligned)
	}
	*e = *e&^frameMask | PageTableEntry(frame)
	return nil
}

// Flags returns the flag bits of the entry.
func (e PageTableEntry) Flags() PageFlags {
	return PageFlags(e) & allPageFlags
}

// HasFlags reports whether all of flags are set.
func (e PageTableEntry) HasFlags(flags PageFlags) bool {
	return PageFlags(e)&flags == flags
}

// SetFlags sets flags in the entry.
func (e *PageTableEntry) SetFlags(flags PageFlags) {
	*e |= PageTableEntry(flags & allPageFlags)
}

// ClearFlags clears flags in the entry.
func (e *PageTableEntry) ClearFlags(flags PageFlags) {
	*e &^= PageTableEntry(flags & allPageFlags)
}

func (e PageTableEntry) Present() bool      { return e.HasFlags(FlagPresent) }
func (e PageTableEntry) Writable() bool     { return e.HasFlags(FlagWritable) }
func (e PageTableEntry) User() bool         { return e.HasFlags(FlagUser) }
func (e PageTableEntry) WriteThrough() bool { return e.HasFlags(FlagWriteThrough) }
func (e PageTableEntry) CacheDisable() bool { return e.HasFlags(FlagCacheDisable) }
func (e PageTableEntry) Accessed() bool     { return e.HasFlags(FlagAccessed) }
func (e PageTableEntry) Dirty() bool        { return e.HasFlags(FlagDirty) }
func (e PageTableEntry) PAT() bool          { return e.HasFlags(FlagPAT) }
func (e PageTableEntry) Global() bool       { return e.HasFlags(FlagGlobal) }

// SetFlag sets or clears a single flag.
func (e *PageTableEntry) SetFlag(flag PageFlags, on bool) {
	if on {
		e.SetFlags(flag)
	} else {
		e.ClearFlags(flag)
	}
}

// Available returns the three bits left for software use.
func (e PageTableEntry) Available() uint8 {
	return uint8((e & availableMask) >> availableShift)
}

// SetAvailable stores v in the software bits. Only the low three bits
// of v are kept.
func (e *PageTableEntry) SetAvailable(v uint8) {
	*e = *e&^availableMask | PageTableEntry(v&0x7)<<availableShift
}

func (e PageTableEntry) String() string {
	return fmt.Sprintf("%#x %v", uint64(e.Frame()), e.Flags())
}

func (f PageFlags) String() string {
	const letters = "PWUTCADSG"
	s := []byte(letters)
	for i := range s {
		if f&(1<<uint(i)) == 0 {
			s[i] = '-'
		}
	}
	return string(s)
}
