// SPDX-License-Identifier: Unlicense OR MIT

// Command pgdump runs the boot memory setup against simulated physical
// memory and prints the resulting page tables.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"bbp.dev/bbp/kernel"
)

var (
	memSize  = flag.Uint64("mem", 64<<20, "bytes of simulated physical memory")
	mapSize  = flag.Uint64("map", 0, "bytes to identity map at boot (default 2MB)")
	mapAll   = flag.Bool("all", false, "identity map all memory reported by E820")
	e820File = flag.String("e820", "", "file holding a raw E820 buffer (default: synthetic map)")
	limit    = flag.Uint64("limit", 0, "end of the page table region (default 2MB)")
	dump     = flag.Bool("dump", false, "print every mapping")
	verbose  = flag.Bool("v", false, "print boot diagnostics")
	mmio     hexList
)

// hexList is a flag.Value accumulating comma separated addresses.
type hexList []kernel.PhysAddr

func (h *hexList) String() string {
	var s []string
	for _, a := range *h {
		s = append(s, fmt.Sprintf("%#x", uint64(a)))
	}
	return strings.Join(s, ",")
}

func (h *hexList) Set(v string) error {
	for _, f := range strings.Split(v, ",") {
		a, err := strconv.ParseUint(strings.TrimSpace(f), 0, 64)
		if err != nil {
			return err
		}
		*h = append(*h, kernel.PhysAddr(a))
	}
	return nil
}

func main() {
	flag.Var(&mmio, "mmio", "comma separated physical addresses to map uncached after boot")
	flag.Parse()
	if err := run(os.Stdout); err != nil {
		kernel.Fatal(os.Stderr, err, func() { os.Exit(1) })
	}
}

func run(out io.Writer) error {
	if *memSize > 1<<40 {
		return fmt.Errorf("pgdump: -mem %#x too large", *memSize)
	}
	mem, err := kernel.AllocPhysMem(int(*memSize))
	if err != nil {
		return err
	}
	defer func() {
		if err := mem.Release(); err != nil {
			log.Print(err)
		}
	}()

	buf, err := e820Buffer(*memSize)
	if err != nil {
		return err
	}
	cfg := kernel.DefaultConfig()
	if *mapSize != 0 {
		cfg.InitialMapSize = *mapSize
	}
	if *limit != 0 {
		cfg.TableLimit = kernel.PhysAddr(*limit)
	}
	cfg.MapAllMemory = *mapAll
	if *verbose {
		cfg.Debug = os.Stderr
	}
	// Play the real-mode BIOS call: store the E820 map where boot
	// expects it.
	dst, err := mem.Bytes(cfg.E820Addr, uint64(len(buf)))
	if err != nil {
		return fmt.Errorf("pgdump: E820 buffer: %w", err)
	}
	copy(dst, buf)

	ctx, err := kernel.Boot(mem, cfg)
	if err != nil {
		return err
	}
	for _, a := range mmio {
		if _, err := ctx.Tables().MapMMIO(a); err != nil {
			return err
		}
	}
	return report(out, mem, cfg, ctx)
}

func report(out io.Writer, mem *kernel.PhysMem, cfg kernel.Config, ctx *kernel.MemoryContext) error {
	mm := ctx.MemoryMap()
	fmt.Fprintf(out, "E820 map:\n")
	for _, r := range mm.Regions {
		fmt.Fprintf(out, "  %#016x-%#016x %v\n", uint64(r.Base), uint64(r.Base)+r.Length, r.Type)
	}
	fmt.Fprintf(out, "total memory: %#x\navailable memory: %#x\n", mm.TotalMemory(), mm.AvailableMemory())

	l := ctx.Layout()
	fmt.Fprintf(out, "identity map: %#x bytes, %d pages\n", l.Size, l.Pages)
	for lvl := kernel.PML4; lvl >= kernel.PML1; lvl-- {
		fmt.Fprintf(out, "  %v: %d table(s) at %#x\n", lvl, l.Tables(lvl), uint64(l.Start(lvl)))
	}
	frames := ctx.Frames()
	free, err := frames.FreeFrames()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "frame bitmap: %#x, %d frames, %d free\n", uint64(frames.Addr()), frames.Frames(), free)

	root, err := mem.Read64(cfg.HandoffAddr)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "CR3 hand-off at %#x: %#x\n", uint64(cfg.HandoffAddr), root)

	if err := ctx.Tables().VerifyIdentity(); err != nil {
		return err
	}
	if *dump {
		entries, err := ctx.Tables().Dump()
		if err != nil {
			return err
		}
		kernel.WriteMappings(out, entries)
	}
	return nil
}

// e820Buffer returns the raw E820 buffer from the -e820 file or a map
// resembling what SeaBIOS reports for size bytes of RAM.
func e820Buffer(size uint64) ([]byte, error) {
	if *e820File != "" {
		buf, err := os.ReadFile(*e820File)
		if err != nil {
			return nil, err
		}
		// Reject garbage early; boot decodes the copy in memory.
		if _, err := kernel.DecodeMemoryMap(buf); err != nil {
			return nil, fmt.Errorf("pgdump: %s: %w", *e820File, err)
		}
		return buf, nil
	}
	const highReserved = 0x20000
	if size < 0x100000+highReserved+0x100000 {
		return nil, fmt.Errorf("pgdump: -mem %#x too small", size)
	}
	return kernel.EncodeMemoryMap([]kernel.MemoryRegion{
		{Base: 0x0, Length: 0x9fc00, Type: kernel.RegionUsable},
		{Base: 0x9fc00, Length: 0x400, Type: kernel.RegionReserved},
		{Base: 0xf0000, Length: 0x10000, Type: kernel.RegionReserved},
		{Base: 0x100000, Length: size - 0x100000 - highReserved, Type: kernel.RegionUsable},
		{Base: kernel.PhysAddr(size - highReserved), Length: highReserved, Type: kernel.RegionACPIReclaimable},
		{Base: 0xfeffc000, Length: 0x4000, Type: kernel.RegionReserved},
		{Base: 0xfffc0000, Length: 0x40000, Type: kernel.RegionReserved},
	}), nil
}
