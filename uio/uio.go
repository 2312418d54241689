// Package uio finds and opens userspace I/O devices. A UIO device exposes a
// peripheral's register window through mmap on its character device and its
// interrupt line through the same file descriptor: writing a 32-bit 0 or 1
// masks or unmasks the interrupt, and reading returns a 32-bit accumulating
// interrupt count once at least one interrupt arrived.
package uio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	classPath = "/sys/class/uio"
	devRoot   = "/dev"
)

// ErrNotFound is returned when no UIO device carries the requested name.
var ErrNotFound = errors.New("no uio device with that name")

// Device is an open UIO device.
type Device struct {
	// Name is the device name from /sys/class/uio/uio<N>/name.
	Name string

	number int
	file   *os.File
	regs   []byte
}

// Open scans /sys/class/uio for a device whose name attribute matches name
// exactly and opens its character device read-write.
func Open(name string) (*Device, error) {
	entries, err := os.ReadDir(classPath)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", classPath, err)
	}

	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "uio%d", &n); err != nil {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(classPath, e.Name(), "name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(raw)) != name {
			continue
		}

		devPath := filepath.Join(devRoot, fmt.Sprintf("uio%d", n))
		f, err := os.OpenFile(devPath, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", devPath, err)
		}

		return &Device{Name: name, number: n, file: f}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// MapRegisters maps the first page of the device's register window read-write
// shared. The mapping stays valid until Close.
func (d *Device) MapRegisters() ([]byte, error) {
	if d.regs != nil {
		return d.regs, nil
	}

	mem, err := unix.Mmap(int(d.file.Fd()), 0, os.Getpagesize(),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map registers of uio%d: %w", d.number, err)
	}

	d.regs = mem
	return mem, nil
}

// MaskIRQ disables interrupt delivery on the device until the next UnmaskIRQ.
func (d *Device) MaskIRQ() error {
	return d.writeIRQControl(0)
}

// UnmaskIRQ rearms interrupt delivery on the device.
func (d *Device) UnmaskIRQ() error {
	return d.writeIRQControl(1)
}

func (d *Device) writeIRQControl(v uint32) error {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)

	n, err := unix.Write(int(d.file.Fd()), buf[:])
	if err != nil {
		return fmt.Errorf("write irq control of uio%d: %w", d.number, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write to irq control of uio%d", d.number)
	}
	return nil
}

// WaitIRQ waits until the device raises an interrupt or timeoutMs
// milliseconds pass (-1 blocks indefinitely, 0 polls). It returns false with
// a nil error on timeout. When an interrupt arrived its count is consumed
// with a read, rearming the descriptor for the next wait.
//
// Interrupted polls are retried with the same timeout, so a signal storm can
// stretch the wait past the nominal budget. Callers with a hard deadline need
// to check a clock themselves.
func (d *Device) WaitIRQ(timeoutMs int) (bool, error) {
	fd := int32(d.file.Fd())
	fds := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR || err == unix.EAGAIN {
			fds[0].Revents = 0
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll uio%d: %w", d.number, err)
		}
		if n == 0 {
			return false, nil
		}

		// The fd is the only one polled, so this read returns immediately
		// with the interrupt count.
		var count [4]byte
		if _, err := unix.Read(int(fd), count[:]); err != nil {
			return false, fmt.Errorf("consume interrupt count of uio%d: %w", d.number, err)
		}
		return true, nil
	}
}

// Close unmaps the register window and closes the device.
func (d *Device) Close() error {
	var errs []error

	if d.regs != nil {
		regs := d.regs
		d.regs = nil
		if err := unix.Munmap(regs); err != nil {
			errs = append(errs, fmt.Errorf("unmap registers of uio%d: %w", d.number, err))
		}
	}

	if err := d.file.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
