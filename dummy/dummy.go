// Package dummy provides a software stand-in for a readout card.  It obeys
// the same client contract as the hardware channels: superpages move
// through a bounded transfer queue into a bounded ready queue when Advance
// is called.  Without hardware there is nothing to wait for, so each tick
// fills as many superpages as the ready queue has room for.
//
// When constructed with a buffer, the dummy also generates page payloads
// (incremental counter pattern, CRC32 stamped in the trailing word) so
// clients can exercise data verification end to end.
package dummy

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/snksoft/crc"

	"github.com/det-lab/rocdaq/roc"
)

const (
	// TransferQueueCapacity bounds the superpages enqueued at once.
	TransferQueueCapacity = 16

	// ReadyQueueCapacity bounds the filled superpages awaiting Pop.
	ReadyQueueCapacity = 32

	// SuperpageGranularity is the required superpage size multiple.
	SuperpageGranularity = 32 * 1024

	// SerialNumber reported by every dummy card.
	SerialNumber = -1
)

// Channel is the software stand-in.  It implements roc.DmaChannel.
type Channel struct {
	params   roc.Parameters
	buffer   []byte
	bufSize  uint64
	transfer []roc.Superpage
	ready    []roc.Superpage
	started  bool
	counter  uint32
	log      *logrus.Entry
}

// New returns a dummy channel over a buffer of the given size.  buf may be
// nil, in which case superpages complete without payload generation; if
// non-nil its length fixes the buffer size.
func New(params roc.Parameters, buf []byte, bufferSize uint64) (*Channel, error) {
	params = params.Normalize()
	if buf != nil {
		bufferSize = uint64(len(buf))
	}
	if bufferSize == 0 {
		return nil, roc.ConfigurationError{Reason: "dummy channel requires a buffer size"}
	}
	c := &Channel{
		params:  params,
		buffer:  buf,
		bufSize: bufferSize,
		log: params.Log.WithFields(logrus.Fields{
			"card":    roc.Dummy.String(),
			"channel": params.Channel,
		}),
	}
	c.log.Debug("channel open")
	return c, nil
}

// Start clears the queues.
func (c *Channel) Start() error {
	c.transfer = c.transfer[:0]
	c.ready = c.ready[:0]
	c.started = true
	return nil
}

// Stop is a no-op beyond the state change.  Idempotent.
func (c *Channel) Stop() error {
	c.started = false
	return nil
}

// Advance moves superpages from the transfer queue to the ready queue,
// bounded by the ready queue's free space, generating payloads as it goes.
func (c *Channel) Advance() error {
	if !c.started {
		return roc.ErrChannelStopped
	}
	for len(c.transfer) > 0 && len(c.ready) < ReadyQueueCapacity {
		sp := c.transfer[0]
		c.transfer = c.transfer[1:]
		if err := c.fill(&sp); err != nil {
			return err
		}
		sp.Received = sp.Size
		sp.Ready = true
		c.ready = append(c.ready, sp)
	}
	return nil
}

// fill writes generated page payloads into the superpage's region.
func (c *Channel) fill(sp *roc.Superpage) error {
	if c.buffer == nil {
		return nil
	}
	pageSize := c.params.DmaPageSize
	for off := sp.Offset; off < sp.Offset+sp.Size; off += pageSize {
		GeneratePage(c.buffer[off:off+pageSize], c.counter)
		c.counter++
	}
	return nil
}

// PushSuperpage validates and enqueues a superpage.  The dummy mimics the
// CRU's admission rules: 32 KiB size multiples, 32-bit aligned offsets,
// and the region must fit the buffer.
func (c *Channel) PushSuperpage(sp roc.Superpage) error {
	if len(c.transfer) >= TransferQueueCapacity {
		return roc.QueueFullError{Capacity: TransferQueueCapacity}
	}
	if sp.Size == 0 {
		return roc.InvalidSuperpageError{Superpage: sp, Reason: "size is zero"}
	}
	if !roc.IsMultiple(sp.Size, SuperpageGranularity) {
		return roc.InvalidSuperpageError{
			Superpage:   sp,
			Reason:      "size not a multiple of the dummy superpage granularity",
			Granularity: SuperpageGranularity,
		}
	}
	if !roc.IsMultiple(sp.Size, c.params.DmaPageSize) {
		return roc.InvalidSuperpageError{
			Superpage:   sp,
			Reason:      "size not a multiple of the DMA page size",
			Granularity: c.params.DmaPageSize,
		}
	}
	if sp.Offset+sp.Size > c.bufSize {
		return roc.InvalidSuperpageError{Superpage: sp, Reason: "region extends past the end of the buffer"}
	}
	if sp.Offset%4 != 0 {
		return roc.InvalidSuperpageError{Superpage: sp, Reason: "offset not 32-bit aligned"}
	}
	sp.Received = 0
	sp.Ready = false
	c.transfer = append(c.transfer, sp)
	return nil
}

// GetSuperpage peeks at the oldest filled superpage.
func (c *Channel) GetSuperpage() (roc.Superpage, error) {
	if len(c.ready) == 0 {
		return roc.Superpage{}, roc.QueueEmptyError{}
	}
	return c.ready[0], nil
}

// PopSuperpage removes and returns the oldest filled superpage.
func (c *Channel) PopSuperpage() (roc.Superpage, error) {
	if len(c.ready) == 0 {
		return roc.Superpage{}, roc.QueueEmptyError{}
	}
	sp := c.ready[0]
	c.ready = c.ready[1:]
	return sp, nil
}

// TransferQueueAvailable is the number of superpages that can still be
// enqueued.
func (c *Channel) TransferQueueAvailable() int {
	return TransferQueueCapacity - len(c.transfer)
}

// ReadyQueueSize is the number of filled superpages awaiting Pop.
func (c *Channel) ReadyQueueSize() int { return len(c.ready) }

// ResetChannel logs and succeeds.
func (c *Channel) ResetChannel(level roc.ResetLevel) error {
	c.log.WithField("level", level.String()).Debug("channel reset")
	return nil
}

// CardType identifies the card family.
func (c *Channel) CardType() roc.CardType { return roc.Dummy }

// Serial returns the shared dummy serial number.
func (c *Channel) Serial() (int32, error) { return SerialNumber, nil }

// FirmwareInfo identifies the stand-in.
func (c *Channel) FirmwareInfo() (string, error) { return "Dummy", nil }

// Temperature returns a synthetic reading between 37 and 43.
func (c *Channel) Temperature() float32 {
	rng := rand.New(rand.NewSource(time.Now().Unix()))
	return 37 + rng.Float32()*6
}

// Close stops the channel.
func (c *Channel) Close() error { return c.Stop() }

// GeneratePage fills page with an incremental counter pattern and stamps
// the CRC32 of the payload into the trailing word.
func GeneratePage(page []byte, seed uint32) {
	payload := page[:len(page)-4]
	for i := 0; i+4 <= len(payload); i += 4 {
		binary.LittleEndian.PutUint32(payload[i:], seed+uint32(i/4))
	}
	sum := crc.CalculateCRC(crc.CRC32, payload)
	binary.LittleEndian.PutUint32(page[len(page)-4:], uint32(sum))
}

// VerifyPage recomputes the payload CRC and compares it to the stamped
// trailing word.
func VerifyPage(page []byte) error {
	payload := page[:len(page)-4]
	want := binary.LittleEndian.Uint32(page[len(page)-4:])
	got := uint32(crc.CalculateCRC(crc.CRC32, payload))
	if got != want {
		return fmt.Errorf("page checksum mismatch: computed 0x%08x, stamped 0x%08x", got, want)
	}
	return nil
}
