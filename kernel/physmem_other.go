// SPDX-License-Identifier: Unlicense OR MIT

//go:build !unix

package kernel

import "fmt"

// AllocPhysMem allocates size bytes of zeroed memory to act as physical
// memory.
func AllocPhysMem(size int) (*PhysMem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("kernel: invalid physical memory size %d", size)
	}
	return NewPhysMem(make([]byte, size)), nil
}
