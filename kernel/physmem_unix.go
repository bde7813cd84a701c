// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocPhysMem maps size bytes of anonymous, zeroed host memory to act
// as physical memory. Call Release to unmap it.
func AllocPhysMem(size int) (*PhysMem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("kernel: invalid physical memory size %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("kernel: mmap %d bytes: %w", size, err)
	}
	return &PhysMem{mem: mem, release: unix.Munmap}, nil
}
