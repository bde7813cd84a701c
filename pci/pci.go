// SPDX-License-Identifier: Unlicense OR MIT

package pci

import (
	"errors"
	"fmt"

	"bbp.dev/bbp/kernel"
)

// Address represents a PCI device.
type Address struct {
	Bus, Device, Function uint8
}

// ConfigSpace reads and writes PCI configuration registers, usually
// through the 0xcf8/0xcfc I/O ports.
type ConfigSpace interface {
	ReadRegister(a Address, reg uint8) uint32
	WriteRegister(a Address, reg uint8, val uint32)
}

// Mapper makes physical memory ranges addressable.
// *kernel.PageTables implements it.
type Mapper interface {
	MapRange(start kernel.PhysAddr, size uint64, mmio bool) (kernel.VirtAddr, error)
}

// BAR is a decoded base address register.
type BAR struct {
	Index    uint8
	Addr     uint64
	Size     uint64
	IsMem    bool
	Prefetch bool
	// Virt is the virtual address of a mapped memory BAR.
	Virt kernel.VirtAddr
}

const numBARs = 6

var errInvalidBAR = errors.New("pci: invalid BAR")

// Detect enumerates the functions reachable from the host bridges.
func Detect(cs ConfigSpace) ([]Address, error) {
	var addrs []Address
	// Run through all possible PCI host controllers.
	for function := uint8(0); function <= 7; function++ {
		if (Address{Function: function}).ReadVendorID(cs) == 0xFFFF {
			break
		}
		if err := searchPCIBus(cs, &addrs, function); err != nil {
			return addrs, err
		}
	}
	return addrs, nil
}

func searchPCIBus(cs ConfigSpace, addrs *[]Address, bus uint8) error {
	for device := uint8(0); device <= 31; device++ {
		if err := searchPCIDevice(cs, addrs, bus, device); err != nil {
			return err
		}
	}
	return nil
}

func searchPCIDevice(cs ConfigSpace, addrs *[]Address, bus, device uint8) error {
	addr := Address{Bus: bus, Device: device}
	if vendorID := addr.ReadVendorID(cs); vendorID == 0xFFFF {
		return nil
	}
	maxFunc := uint8(0)
	if headerType := addr.readHeaderType(cs); headerType&0x80 != 0 {
		// Multi-function device.
		maxFunc = 7
	}
	for function := uint8(0); function <= maxFunc; function++ {
		addr := addr
		addr.Function = function
		if addr.ReadVendorID(cs) == 0xFFFF {
			continue
		}
		if err := searchPCIFunction(cs, addrs, addr); err != nil {
			return err
		}
	}
	return nil
}

func searchPCIFunction(cs ConfigSpace, addrs *[]Address, addr Address) error {
	header := addr.readHeaderType(cs)
	switch header & 0x7f {
	case 0x00:
		// Standard device.
		*addrs = append(*addrs, addr)
	case 0x01:
		// PCI-to-PCI bridge.
		secondaryBus := addr.readSecondaryBus(cs)
		if secondaryBus == addr.Bus {
			return fmt.Errorf("pci: bridge %v loops to bus %d", addr, secondaryBus)
		}
		return searchPCIBus(cs, addrs, secondaryBus)
	}
	return nil
}

// ReadBAR decodes base address register bar.
func (a Address) ReadBAR(cs ConfigSpace, bar uint8) (addr uint64, prefetch, isMem bool, err error) {
	if bar >= numBARs {
		return 0, false, false, errInvalidBAR
	}
	addr0 := cs.ReadRegister(a, barReg(bar))
	if addr0&1 != 0 {
		// I/O address.
		return uint64(addr0 &^ 0b11), false, false, nil
	}
	// Mask off flags.
	addr = uint64(addr0 &^ 0xf)
	switch (addr0 >> 1) & 0b11 {
	case 0b01:
		// 16-bit address. Not used.
		return addr, false, false, nil
	case 0b00:
	case 0b10:
		// 64-bit address.
		if bar+1 >= numBARs {
			return 0, false, false, errInvalidBAR
		}
		addr1 := cs.ReadRegister(a, barReg(bar+1))
		addr |= uint64(addr1) << 32
	}
	prefetch = addr0&0b1000 != 0
	return addr, prefetch, true, nil
}

// barSize sizes a memory BAR by writing all ones and reading back the
// writable bits. A 64-bit BAR is sized across both registers. The
// original values are restored.
func (a Address) barSize(cs ConfigSpace, bar uint8, is64 bool) uint64 {
	lo := a.sizeMask(cs, barReg(bar)) &^ 0xf
	if !is64 {
		if lo == 0 {
			return 0
		}
		return uint64(^lo + 1)
	}
	mask := uint64(a.sizeMask(cs, barReg(bar+1)))<<32 | uint64(lo)
	if mask == 0 {
		return 0
	}
	return ^mask + 1
}

func (a Address) sizeMask(cs ConfigSpace, reg uint8) uint32 {
	orig := cs.ReadRegister(a, reg)
	cs.WriteRegister(a, reg, 0xFFFFFFFF)
	mask := cs.ReadRegister(a, reg)
	cs.WriteRegister(a, reg, orig)
	return mask
}

// MapBARs decodes the memory BARs of a standard device and identity
// maps each of them as uncached MMIO through m.
func (a Address) MapBARs(cs ConfigSpace, m Mapper) ([]BAR, error) {
	var bars []BAR
	for i := uint8(0); i < numBARs; i++ {
		bar := i
		addr, prefetch, isMem, err := a.ReadBAR(cs, bar)
		if err != nil {
			return bars, err
		}
		is64 := isMem && (cs.ReadRegister(a, barReg(bar))>>1)&0b11 == 0b10
		if is64 {
			// The next register holds the upper half.
			i++
		}
		if !isMem || addr == 0 {
			continue
		}
		b := BAR{Index: bar, Addr: addr, IsMem: true, Prefetch: prefetch, Size: a.barSize(cs, bar, is64)}
		if b.Size == 0 {
			continue
		}
		b.Virt, err = m.MapRange(kernel.PhysAddr(addr), b.Size, true)
		if err != nil {
			return bars, fmt.Errorf("pci: map BAR%d of %v: %w", bar, a, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// ReadDeviceID returns the device ID.
func (a Address) ReadDeviceID(cs ConfigSpace) uint16 {
	return uint16(cs.ReadRegister(a, 0x0) >> 16)
}

// ReadVendorID returns the vendor ID, 0xFFFF if no device is present.
func (a Address) ReadVendorID(cs ConfigSpace) uint16 {
	return uint16(cs.ReadRegister(a, 0x0))
}

func (a Address) readHeaderType(cs ConfigSpace) uint8 {
	return uint8(cs.ReadRegister(a, 0xc) >> 16)
}

func (a Address) readSecondaryBus(cs ConfigSpace) uint8 {
	return uint8(cs.ReadRegister(a, 0x18) >> 8)
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%d", a.Bus, a.Device, a.Function)
}

// ConfigAddress returns the value written to the configuration address
// port to select register reg of a.
func (a Address) ConfigAddress(reg uint8) uint32 {
	if reg&0x3 != 0 {
		panic("unaligned PCI register access")
	}
	return 0x80000000 | uint32(a.Bus)<<16 | uint32(a.Device)<<11 | uint32(a.Function)<<8 | uint32(reg)
}

func barReg(bar uint8) uint8 {
	return 0x10 + bar*4
}
