// Package dmabuf manages the host memory regions a readout card writes by
// DMA: the data buffer superpages live in, and the small region backing the
// ready FIFO.  A buffer pairs a user-space mapping with the bus address the
// card uses to target the same memory, plus the scatter-gather segment list
// describing its physically contiguous chunks.
package dmabuf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/det-lab/rocdaq/roc"
)

// Segment is one physically contiguous chunk of a buffer.
type Segment struct {
	// Offset of the segment from the start of the buffer, bytes
	Offset uint64

	// Size of the segment, bytes
	Size uint64

	// BusAddress the card uses to write the start of this segment
	BusAddress uint64
}

// Buffer is a host-visible region with a bus-address view for the card.
type Buffer struct {
	mem      []byte
	segments []Segment
	file     *os.File
}

// Map creates (or truncates) the file at path, sizes it, and maps it as a
// single-segment buffer with the given bus base address.  The backing file
// is how the region is shared with the kernel driver that pins it for DMA.
func Map(path string, size uint64, busBase uint64) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dmabuf: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		// a file in a hugetlbfs mount cannot be resized to arbitrary
		// lengths; surface the path so that is diagnosable
		return nil, fmt.Errorf("dmabuf: resize %s to %d: %w", path, size, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dmabuf: mmap %s: %w", path, err)
	}
	return &Buffer{
		mem:      mem,
		segments: []Segment{{Offset: 0, Size: size, BusAddress: busBase}},
		file:     f,
	}, nil
}

// FromBytes wraps an existing slice as a single-segment buffer.  Used by
// the dummy backend and tests, where the "bus address" is synthetic.
func FromBytes(mem []byte, busBase uint64) *Buffer {
	return &Buffer{
		mem:      mem,
		segments: []Segment{{Offset: 0, Size: uint64(len(mem)), BusAddress: busBase}},
	}
}

// Size is the buffer length in bytes.
func (b *Buffer) Size() uint64 { return uint64(len(b.mem)) }

// Bytes is the full user-space view of the buffer.
func (b *Buffer) Bytes() []byte { return b.mem }

// Segments is the scatter-gather list, in offset order.
func (b *Buffer) Segments() []Segment { return b.segments }

// At returns the user-space view of [offset, offset+length).
func (b *Buffer) At(offset, length uint64) ([]byte, error) {
	if offset+length > uint64(len(b.mem)) {
		return nil, roc.ConfigurationError{
			Reason: fmt.Sprintf("range [0x%x, 0x%x) outside buffer of size 0x%x", offset, offset+length, len(b.mem)),
		}
	}
	return b.mem[offset : offset+length], nil
}

// BusAddress translates a buffer offset to the card's view of it.
func (b *Buffer) BusAddress(offset uint64) (uint64, error) {
	for _, s := range b.segments {
		if offset >= s.Offset && offset < s.Offset+s.Size {
			return s.BusAddress + (offset - s.Offset), nil
		}
	}
	return 0, roc.ConfigurationError{
		Reason: fmt.Sprintf("offset 0x%x outside buffer of size 0x%x", offset, len(b.mem)),
	}
}

// CheckFirstSegment verifies the first scatter-gather segment can hold a
// structure of the given footprint.  Called once at channel construction
// for the ready FIFO region; failure is a fatal configuration error.
func (b *Buffer) CheckFirstSegment(footprint uint64) error {
	if len(b.segments) == 0 || b.segments[0].Size < footprint {
		got := uint64(0)
		if len(b.segments) > 0 {
			got = b.segments[0].Size
		}
		return roc.ConfigurationError{
			Reason: fmt.Sprintf("first scatter-gather segment too small: need 0x%x, have 0x%x", footprint, got),
		}
	}
	return nil
}

// Close unmaps the buffer and closes its backing file, if any.
func (b *Buffer) Close() error {
	var err error
	if b.file != nil {
		err = unix.Munmap(b.mem)
		if cerr := b.file.Close(); err == nil {
			err = cerr
		}
		b.file = nil
	}
	b.mem = nil
	return err
}
