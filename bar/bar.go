// Package bar provides 32-bit register access to a card's PCI base address
// register window.  The real implementation reads and writes a device
// resource file at fixed offsets; Fake records traffic for tests.
package bar

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Window is read/write access to a card's register space.  Offsets are in
// bytes and must be 4-byte aligned.
type Window interface {
	Read(offset int64) (uint32, error)
	Write(offset int64, value uint32) error
}

// File is a Window over a device node or sysfs resource file, e.g.
// /sys/bus/pci/devices/<addr>/resource0 or /dev/xdma0_user.
type File struct {
	f *os.File
}

// Open opens the resource file for register access.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("bar: open %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// Read a register at the given byte offset.
func (w *File) Read(offset int64) (uint32, error) {
	buf := make([]byte, 4)
	n, err := w.f.ReadAt(buf, offset)
	if n < 4 || err != nil {
		return 0, fmt.Errorf("bar: read %s offset 0x%x: %w", w.f.Name(), offset, err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Write a register at the given byte offset.
func (w *File) Write(offset int64, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	n, err := w.f.WriteAt(buf, offset)
	if n < 4 || err != nil {
		return fmt.Errorf("bar: write %s offset 0x%x: %w", w.f.Name(), offset, err)
	}
	return nil
}

// Close the underlying file.
func (w *File) Close() error {
	return w.f.Close()
}

// WriteOp is one recorded register write.
type WriteOp struct {
	Offset int64
	Value  uint32
}

// Fake is an in-memory Window.  Reads come from Regs; writes update Regs
// and are appended to Writes in order.
type Fake struct {
	Regs   map[int64]uint32
	Writes []WriteOp
}

// NewFake returns a Fake with an empty register file.
func NewFake() *Fake {
	return &Fake{Regs: make(map[int64]uint32)}
}

// Read returns the scripted register value (zero if unset).
func (w *Fake) Read(offset int64) (uint32, error) {
	return w.Regs[offset], nil
}

// Write records the operation and updates the register file.
func (w *Fake) Write(offset int64, value uint32) error {
	w.Regs[offset] = value
	w.Writes = append(w.Writes, WriteOp{Offset: offset, Value: value})
	return nil
}
