// Package readyfifo implements the descriptor ring ("ready FIFO") shared
// between the driver and the card.  Each slot holds a length word and a
// status word; the driver hands a slot to the card by pushing a page
// descriptor for it, and the card stamps the status word when the page has
// been written to host memory.
//
// The ring lives in memory the card writes by DMA, so status words are read
// with atomic loads: the status must be observed before the page payload is
// touched, and the compiler must not reorder or cache the read.
package readyfifo

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/det-lab/rocdaq/roc"
)

const (
	// Entries is the slot count of the hardware ready FIFO on the
	// supported card families.
	Entries = 128

	// EntrySize is the in-memory footprint of one slot: a 32-bit length
	// word followed by a 32-bit status word.
	EntrySize = 8

	// Size is the in-memory footprint of the full hardware ring.
	Size = Entries * EntrySize
)

// statusEmpty is the sentinel the driver writes into a slot's words when
// resetting it.  The card overwrites it on page completion.
const statusEmpty = 0xFFFFFFFF

// completionMarker is the value of the low status byte for a completed
// page (the DTSW marker).  With internal loopback the remaining bits also
// encode the event length in words, e.g. 0x400082 for 4 kiB events.
const completionMarker = 0x82

// errorBit flags a hardware-reported transfer error in the status word.
const errorBit = 1 << 31

// Status classifies a slot's status word.
type Status int

// the arrival states of a slot
const (
	// NotArrived: the card has not touched the slot since its last reset
	NotArrived Status = iota

	// PartiallyWritten: the card is mid-write; re-poll later
	PartiallyWritten

	// Arrived: the page is complete and its length is valid
	Arrived
)

func (s Status) String() string {
	switch s {
	case PartiallyWritten:
		return "partially written"
	case Arrived:
		return "arrived"
	default:
		return "not arrived"
	}
}

// Ring is the driver-side view of the ready FIFO.  size counts slots
// holding an unconsumed push; back is the oldest of them.  The card
// completes pushes strictly in order, so back is always the next slot that
// can arrive.
type Ring struct {
	mem      []byte
	capacity int
	size     int
	back     int
}

// New wraps a hardware-visible memory region as a ring.  The region length
// must be a positive multiple of EntrySize; hardware rings pass a region of
// exactly Size bytes.
func New(mem []byte) (*Ring, error) {
	if len(mem) == 0 || len(mem)%EntrySize != 0 {
		return nil, roc.ConfigurationError{
			Reason: fmt.Sprintf("ready FIFO region must be a positive multiple of %d bytes, got %d", EntrySize, len(mem)),
		}
	}
	r := &Ring{mem: mem, capacity: len(mem) / EntrySize}
	r.Reset()
	return r, nil
}

func (r *Ring) lengthWord(slot int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[slot*EntrySize]))
}

func (r *Ring) statusWord(slot int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[slot*EntrySize+4]))
}

// Capacity is the slot count of the ring.
func (r *Ring) Capacity() int { return r.capacity }

// Len is the number of slots holding an unconsumed push.
func (r *Ring) Len() int { return r.size }

// Free is the number of slots available for new pushes.
func (r *Ring) Free() int { return r.capacity - r.size }

// Back is the index of the oldest unconsumed slot, the only one that can
// arrive next.
func (r *Ring) Back() int { return r.back }

// Reset clears every slot to the empty sentinel and zeroes the ring
// bookkeeping.
func (r *Ring) Reset() {
	for i := 0; i < r.capacity; i++ {
		r.resetSlot(i)
	}
	r.size = 0
	r.back = 0
}

func (r *Ring) resetSlot(slot int) {
	atomic.StoreUint32(r.lengthWord(slot), statusEmpty)
	atomic.StoreUint32(r.statusWord(slot), statusEmpty)
}

// Push claims the next free slot and returns its index.  The caller hands
// the returned slot to the card together with a page bus address.  Pushing
// a full ring is a contract violation on the caller's side.
func (r *Ring) Push() int {
	if r.size >= r.capacity {
		panic("readyfifo: push into full ring")
	}
	slot := (r.back + r.size) % r.capacity
	r.size++
	return slot
}

// PollArrival reads and classifies the slot's status word without
// consuming it.  On Arrived the second return is the page's payload length
// in bytes.  Error-flagged and unrecognized words return a
// roc.HardwareStatusError.
func (r *Ring) PollArrival(slot int) (Status, uint32, error) {
	// The status load must happen before any use of the length word or
	// the page payload; atomic loads keep the compiler from reordering
	// or caching them.
	status := atomic.LoadUint32(r.statusWord(slot))
	length := atomic.LoadUint32(r.lengthWord(slot))

	switch {
	case status == statusEmpty:
		return NotArrived, 0, nil
	case status == 0:
		return PartiallyWritten, 0, nil
	case status&0xFF == completionMarker:
		if status&errorBit != 0 {
			return NotArrived, 0, roc.HardwareStatusError{
				Status: status,
				Length: length,
				Slot:   slot,
			}
		}
		return Arrived, length * 4, nil
	}
	return NotArrived, 0, roc.HardwareStatusError{
		Status:       status,
		Length:       length,
		Slot:         slot,
		Unrecognized: true,
	}
}

// Consume resets the slot at the back of the ring and advances past it.
// Only valid after PollArrival reported Arrived for that slot.
func (r *Ring) Consume(slot int) {
	if slot != r.back {
		panic(fmt.Sprintf("readyfifo: consume of slot %d, back is %d", slot, r.back))
	}
	if r.size == 0 {
		panic("readyfifo: consume on empty ring")
	}
	r.resetSlot(slot)
	r.size--
	r.back = (r.back + 1) % r.capacity
}

// ScriptArrival writes an arbitrary status and length word into a slot.
// Test hook standing in for the card's DMA engine.
func (r *Ring) ScriptArrival(slot int, status, lengthWords uint32) {
	atomic.StoreUint32(r.lengthWord(slot), lengthWords)
	atomic.StoreUint32(r.statusWord(slot), status)
}
