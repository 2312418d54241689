// Package udmabuf locates u-dma-buf devices by name and maps their physically
// contiguous, DMA-coherent memory into the process. The kernel module exports
// one character device per buffer plus sysfs attributes for the physical base
// address and the size.
package udmabuf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	classPath = "/sys/class/u-dma-buf"
	devRoot   = "/dev"
)

// Buffer is an open, mapped u-dma-buf region.
type Buffer struct {
	// Name of the u-dma-buf device, as in /dev/<name>.
	Name string
	// PhysAddr is the physical base address of the mapped window.
	PhysAddr uintptr
	// Mem is the read-write shared mapping of the same window.
	Mem []byte
}

// Open finds the u-dma-buf called name, reads its physical address and size
// from sysfs and maps /dev/<name> read-write shared.
//
// A size of 0 maps everything the buffer has past offset; otherwise exactly
// size bytes are mapped. The offset is applied to both the mapping and the
// reported physical address and must be a multiple of the page size.
func Open(name string, size, offset int) (*Buffer, error) {
	physAddr, err := readHexAttr(filepath.Join(classPath, name, "phys_addr"))
	if err != nil {
		return nil, fmt.Errorf("read phys_addr of u-dma-buf %q: %w", name, err)
	}
	if physAddr == 0 {
		return nil, fmt.Errorf("u-dma-buf %q reports a zero physical address", name)
	}

	maxSize, err := readDecAttr(filepath.Join(classPath, name, "size"))
	if err != nil {
		return nil, fmt.Errorf("read size of u-dma-buf %q: %w", name, err)
	}

	if offset < 0 || offset >= maxSize {
		return nil, fmt.Errorf("offset %d is outside u-dma-buf %q (%d bytes)", offset, name, maxSize)
	}
	if offset%os.Getpagesize() != 0 {
		return nil, fmt.Errorf("offset %d is not a multiple of the page size", offset)
	}

	if size == 0 {
		size = maxSize - offset
	}
	if size < 0 || offset+size > maxSize {
		return nil, fmt.Errorf("requested %d bytes at offset %d but u-dma-buf %q only has %d", size, offset, name, maxSize)
	}

	devPath := filepath.Join(devRoot, name)
	f, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), int64(offset), size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map %d bytes of %s: %w", size, devPath, err)
	}

	return &Buffer{
		Name:     name,
		PhysAddr: uintptr(physAddr) + uintptr(offset),
		Mem:      mem,
	}, nil
}

// Size returns the number of mapped bytes.
func (b *Buffer) Size() int {
	return len(b.Mem)
}

// Close unmaps the buffer. The memory must no longer be reachable by the
// engine when this is called.
func (b *Buffer) Close() error {
	if b.Mem == nil {
		return nil
	}
	mem := b.Mem
	b.Mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("unmap u-dma-buf %q: %w", b.Name, err)
	}
	return nil
}

// readHexAttr reads a sysfs attribute holding a hexadecimal value, with or
// without a 0x prefix.
func readHexAttr(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// readDecAttr reads a sysfs attribute holding a decimal value.
func readDecAttr(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
