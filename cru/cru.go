// Package cru drives one DMA channel of a CRU readout card.  The CRU uses
// the same ready FIFO completion protocol as the C-RORC but takes page
// descriptors through a superpage descriptor table, and its firmware
// stamps event sizes itself, so the SDH shim is disabled.
package cru

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

// Register offsets in BAR 2.
const (
	regControl    int64 = 0x000 // channel control
	regReset      int64 = 0x004 // reset command
	regDescAddrLo int64 = 0x010 // descriptor table entry: page bus address, low word
	regDescAddrHi int64 = 0x014 // descriptor table entry: page bus address, high word
	regDescCommit int64 = 0x018 // descriptor table entry: slot; writing commits
	regFifoLo     int64 = 0x020 // ready FIFO base bus address, low word
	regFifoHi     int64 = 0x024 // ready FIFO base bus address, high word
	regGenControl int64 = 0x030 // generator control
	regGenInitVal int64 = 0x034 // generator initial data word value
	regSerial     int64 = 0x040 // serial number
	regVersion    int64 = 0x044 // firmware version
)

// control register bits
const (
	ctlReceiverOn  uint32 = 1 << 0
	ctlContinuous  uint32 = 1 << 1
	ctlGeneratorOn uint32 = 1 << 2
)

// SuperpageGranularity is the required superpage size multiple.
const SuperpageGranularity = 32 * 1024

// TransferQueueCapacity bounds the superpages enqueued at once.
const TransferQueueCapacity = 32

// Device is the register-level view of one CRU channel.  It implements
// dma.Backend.
type Device struct {
	bar     bar.Window
	params  roc.Parameters
	fifoBus uint64
}

// NewDevice wraps a register window.
func NewDevice(window bar.Window, params roc.Parameters, fifoBus uint64) *Device {
	return &Device{bar: window, params: params, fifoBus: fifoBus}
}

// PushPageDescriptor writes one entry of the superpage descriptor table.
func (d *Device) PushPageDescriptor(busAddress uint64, slot int) error {
	if err := d.bar.Write(regDescAddrLo, uint32(busAddress)); err != nil {
		return err
	}
	if err := d.bar.Write(regDescAddrHi, uint32(busAddress>>32)); err != nil {
		return err
	}
	return d.bar.Write(regDescCommit, uint32(slot))
}

// ResetSequence resets the channel.  The CRU has no DDL blocks to re-arm.
func (d *Device) ResetSequence(level roc.ResetLevel) error {
	if level == roc.ResetNothing {
		return nil
	}
	return d.bar.Write(regReset, 1)
}

// ArmReadout points the card at the ready FIFO and enables the receiver.
func (d *Device) ArmReadout(mode roc.ReadoutMode) error {
	if err := d.bar.Write(regFifoLo, uint32(d.fifoBus)); err != nil {
		return err
	}
	if err := d.bar.Write(regFifoHi, uint32(d.fifoBus>>32)); err != nil {
		return err
	}
	ctl := ctlReceiverOn
	if mode == roc.ReadoutContinuous {
		ctl |= ctlContinuous
	}
	return d.bar.Write(regControl, ctl)
}

// StartGenerator enables the on-card generator.
func (d *Device) StartGenerator() error {
	if err := d.bar.Write(regGenInitVal, d.params.GeneratorInitialValue); err != nil {
		return err
	}
	if err := d.bar.Write(regGenControl, uint32(d.params.GeneratorPattern)<<8|1); err != nil {
		return err
	}
	ctl, err := d.bar.Read(regControl)
	if err != nil {
		return err
	}
	return d.bar.Write(regControl, ctl|ctlGeneratorOn)
}

// StopGenerator disables the generator and the receiver.
func (d *Device) StopGenerator() error {
	if err := d.bar.Write(regGenControl, 0); err != nil {
		return err
	}
	ctl, err := d.bar.Read(regControl)
	if err != nil {
		return err
	}
	return d.bar.Write(regControl, ctl&^(ctlGeneratorOn|ctlReceiverOn))
}

// StartTriggerPath is not applicable to the CRU; external data arrives
// without a driver-side trigger command.
func (d *Device) StartTriggerPath() error { return nil }

// StopTriggerPath is not applicable to the CRU.
func (d *Device) StopTriggerPath() error { return nil }

// Serial reads the card's serial number.
func (d *Device) Serial() (int32, error) {
	v, err := d.bar.Read(regSerial)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// FirmwareInfo decodes the version register into "major.minor.patch".
func (d *Device) FirmwareInfo() (string, error) {
	v, err := d.bar.Read(regVersion)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d", roc.Bits(v, 24, 31), roc.Bits(v, 16, 23), roc.Bits(v, 0, 15)), nil
}

// Channel is one CRU DMA channel.  It implements roc.DmaChannel.
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

// New opens a channel on the card at address.  See crorc.New for the
// lock and FIFO lifecycle; the CRU behaves the same way.
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
		engine:  dma.New(device, ring, queue, buffer, params, false),
		lock:    lock,
		log: params.Log.WithFields(logrus.Fields{
			"card":    roc.Cru.String(),
			"address": address.String(),
			"channel": params.Channel,
		}),
	}
	c.log.Debug("channel open")
	return c, nil
}

// Start prepares the transfer engine.
func (c *Channel) Start() error { return c.engine.Start() }

// Stop quiesces the card.  Idempotent.
func (c *Channel) Stop() error { return c.engine.Stop() }

// Advance runs one engine tick.
func (c *Channel) Advance() error { return c.engine.Advance() }

// PushSuperpage validates and enqueues a superpage.  The CRU requires
// sizes in multiples of 32 KiB and 32-bit aligned offsets.
func (c *Channel) PushSuperpage(sp roc.Superpage) error {
	if !roc.IsMultiple(sp.Size, SuperpageGranularity) {
		return roc.InvalidSuperpageError{
			Superpage:   sp,
			Reason:      "size must be a positive multiple of the CRU superpage granularity",
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
	return c.device.ResetSequence(level)
}

// CardType identifies the card family.
func (c *Channel) CardType() roc.CardType { return roc.Cru }

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
	return err
}
