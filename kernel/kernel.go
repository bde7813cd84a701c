// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"io"
)

// kernError is an error type usable in kernel code.
type kernError string

const (
	// ErrNotMapped is returned by table walks that reach a parent
	// entry without the present bit.
	ErrNotMapped = kernError("kernel: virtual address not mapped")
	// ErrPhysRange is returned for accesses outside the physical
	// memory window.
	ErrPhysRange = kernError("kernel: physical address out of range")
	// ErrFrameRange is returned by the frame bitmap for addresses at or
	// beyond the memory it covers.
	ErrFrameRange = kernError("kernel: frame outside bitmap")
	// ErrShortMemoryMap is returned when an E820 buffer is truncated.
	ErrShortMemoryMap = kernError("kernel: short E820 memory map")
	// ErrMapTooLarge is returned when an identity map doesn't fit the
	// lower canonical half.
	ErrMapTooLarge = kernError("kernel: identity map too large")
	// ErrTableSpace is returned when the page table region is exhausted.
	ErrTableSpace = kernError("kernel: page table region exhausted")
	// ErrLayout is returned when the page table region collides with
	// memory in use.
	ErrLayout = kernError("kernel: invalid page table layout")
	// ErrUnaligned is returned for frame addresses that are not page
	// aligned.
	ErrUnaligned = kernError("kernel: unaligned frame address")
)

func (k kernError) Error() string {
	return string(k)
}

// Fatal reports err on w and calls halt. It is the end of the line for
// boot failures: no handler exists yet that could recover.
func Fatal(w io.Writer, err error, halt func()) {
	fmt.Fprintf(w, "fatal error: %v\n", err)
	halt()
}

// debugf writes a debug line to w. A nil w discards output.
func debugf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "kernel: "+format+"\n", args...)
}
