package crorc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/det-lab/rocdaq/bar"
	"github.com/det-lab/rocdaq/dma"
	"github.com/det-lab/rocdaq/dmabuf"
	"github.com/det-lab/rocdaq/ipclock"
	"github.com/det-lab/rocdaq/readyfifo"
	"github.com/det-lab/rocdaq/roc"
	"github.com/det-lab/rocdaq/spqueue"
)

// SuperpageGranularity is the required superpage size multiple: 1 MiB fits
// a full ready FIFO of 8 kiB pages, which the card needs before DMA can
// start.
const SuperpageGranularity = 1 << 20

// TransferQueueCapacity bounds the superpages enqueued at once.
const TransferQueueCapacity = 32

// Channel is one C-RORC DMA channel.  It implements roc.DmaChannel.
type Channel struct {
	params  roc.Parameters
	device  *Device
	buffer  *dmabuf.Buffer
	fifoBuf *dmabuf.Buffer
	queue   *spqueue.Queue
	engine  *dma.Engine
	lock    *ipclock.Lock
	log     *logrus.Entry
}

// New opens a channel on the card at address.  window is the card's BAR 0;
// buffer is the DMA data buffer superpages will refer into.  The channel
// takes the exclusive-access lock for (address, channel) and maps the
// ready FIFO region; both are released by Close.
func New(address roc.PciAddress, params roc.Parameters, window bar.Window, buffer *dmabuf.Buffer) (*Channel, error) {
	params = params.Normalize()
	paths := roc.ChannelPaths{Address: address, Channel: params.Channel}

	lock, err := ipclock.Acquire(paths, false)
	if err != nil {
		return nil, err
	}

	fifoBuf, err := dmabuf.Map(paths.FifoFile(), readyfifo.Size, params.FifoBusAddress)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if err := fifoBuf.CheckFirstSegment(readyfifo.Size); err != nil {
		fifoBuf.Close()
		lock.Release()
		return nil, err
	}
	ring, err := readyfifo.New(fifoBuf.Bytes()[:readyfifo.Size])
	if err != nil {
		fifoBuf.Close()
		lock.Release()
		return nil, err
	}

	device := NewDevice(window, params, params.FifoBusAddress)
	queue := spqueue.New(TransferQueueCapacity)
	c := &Channel{
		params:  params,
		device:  device,
		buffer:  buffer,
		fifoBuf: fifoBuf,
		queue:   queue,
		engine:  dma.New(device, ring, queue, buffer, params, true),
		lock:    lock,
		log: params.Log.WithFields(logrus.Fields{
			"card":    roc.Crorc.String(),
			"address": address.String(),
			"channel": params.Channel,
		}),
	}
	c.log.Debug("channel open")
	return c, nil
}

// Start prepares the transfer engine; hardware bring-up happens on the
// first Advance that finds a superpage enqueued.
func (c *Channel) Start() error { return c.engine.Start() }

// Stop quiesces the card.  Idempotent.
func (c *Channel) Stop() error { return c.engine.Stop() }

// Advance runs one engine tick.
func (c *Channel) Advance() error { return c.engine.Advance() }

// PushSuperpage validates and enqueues a superpage.  The C-RORC requires
// sizes in multiples of SuperpageGranularity and 32-bit aligned offsets.
func (c *Channel) PushSuperpage(sp roc.Superpage) error {
	if !roc.IsMultiple(sp.Size, SuperpageGranularity) {
		return roc.InvalidSuperpageError{
			Superpage:   sp,
			Reason:      "size must be a positive multiple of the C-RORC superpage granularity",
			Granularity: SuperpageGranularity,
		}
	}
	if !roc.IsMultiple(sp.Size, c.params.DmaPageSize) {
		// a non-dividing page size would leave the last partial page
		// unreceivable
		return roc.InvalidSuperpageError{
			Superpage:   sp,
			Reason:      "size must be a positive multiple of the DMA page size",
			Granularity: c.params.DmaPageSize,
		}
	}
	if sp.Offset%4 != 0 {
		return roc.InvalidSuperpageError{Superpage: sp, Reason: "offset not 32-bit aligned"}
	}
	if sp.Offset+sp.Size > c.buffer.Size() {
		return roc.InvalidSuperpageError{Superpage: sp, Reason: "region extends past the end of the DMA buffer"}
	}
	busAddress, err := c.buffer.BusAddress(sp.Offset)
	if err != nil {
		return err
	}
	sp.Received = 0
	sp.Ready = false
	return c.queue.Add(&spqueue.Entry{
		Superpage:  sp,
		BusAddress: busAddress,
		MaxPages:   uint32(sp.Size / c.params.DmaPageSize),
	})
}

// GetSuperpage peeks at the oldest filled superpage.
func (c *Channel) GetSuperpage() (roc.Superpage, error) { return c.queue.FilledFront() }

// PopSuperpage removes and returns the oldest filled superpage.
func (c *Channel) PopSuperpage() (roc.Superpage, error) { return c.queue.PopFilled() }

// TransferQueueAvailable is the number of superpages that can still be
// enqueued.
func (c *Channel) TransferQueueAvailable() int { return c.queue.Available() }

// ReadyQueueSize is the number of filled superpages awaiting Pop.
func (c *Channel) ReadyQueueSize() int { return c.queue.FilledLen() }

// ResetChannel resets the card to the given level.
func (c *Channel) ResetChannel(level roc.ResetLevel) error {
	c.log.WithField("level", level.String()).Debug("channel reset")
	return c.device.ResetSequence(level)
}

// CardType identifies the card family.
func (c *Channel) CardType() roc.CardType { return roc.Crorc }

// Serial reads the card's serial number.
func (c *Channel) Serial() (int32, error) { return c.device.Serial() }

// FirmwareInfo reads and decodes the firmware version.
func (c *Channel) FirmwareInfo() (string, error) { return c.device.FirmwareInfo() }

// Close stops the engine and releases the FIFO mapping and the channel
// lock.
func (c *Channel) Close() error {
	err := c.engine.Stop()
	if cerr := c.fifoBuf.Close(); err == nil {
		err = cerr
	}
	if lerr := c.lock.Release(); err == nil {
		err = lerr
	}
	if err != nil {
		return fmt.Errorf("crorc: close channel: %w", err)
	}
	return nil
}
