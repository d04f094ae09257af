// Package crorc drives one DMA channel of a C-RORC readout card.  The
// Device type implements the register command sequences; Channel wires a
// Device into the shared transfer engine and exposes the client surface.
//
// The C-RORC cannot start DMA until it has pages for a full ready FIFO, so
// superpages must be at least one FIFO's worth of pages; see
// SuperpageGranularity.
package crorc

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/det-lab/rocdaq/bar"
	"github.com/det-lab/rocdaq/roc"
)

var errBitClear = errors.New("status bit not set")

// Device is the register-level view of one C-RORC channel.  It implements
// dma.Backend.
type Device struct {
	bar     bar.Window
	params  roc.Parameters
	fifoBus uint64
	log     *logrus.Entry
}

// NewDevice wraps a register window.  fifoBus is the bus address of the
// ready FIFO region the card will stamp completions into.
func NewDevice(window bar.Window, params roc.Parameters, fifoBus uint64) *Device {
	return &Device{
		bar:     window,
		params:  params,
		fifoBus: fifoBus,
		log:     params.Log.WithField("card", roc.Crorc.String()),
	}
}

// waitStatus polls the status register until the given bit is set or the
// bring-up deadline elapses.  The original driver used blind sleeps at
// these transitions; the deadline-bounded poll replaces them.
func (d *Device) waitStatus(bit uint32, what string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Microsecond
	policy.MaxInterval = time.Millisecond
	policy.MaxElapsedTime = d.params.BringupDeadline

	err := backoff.Retry(func() error {
		status, err := d.bar.Read(regStatus)
		if err != nil {
			return backoff.Permanent(err)
		}
		if status&bit == 0 {
			return errBitClear
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", what, err)
	}
	return nil
}

func (d *Device) resetCommand(code uint32) error {
	if err := d.bar.Write(regReset, code); err != nil {
		return err
	}
	return d.waitStatus(staResetDone, "reset completion")
}

// armDdl resets one block of the DDL (DIU, SIU, or the card end).
func (d *Device) armDdl(code uint32) error {
	return d.resetCommand(code)
}

func (d *Device) assertLinkUp() error {
	return d.waitStatus(staLinkUp, "DDL link up")
}

func (d *Device) diuCommand(cmd uint32) error {
	return d.bar.Write(regDdlCommand, cmd)
}

func (d *Device) siuCommand(cmd uint32) error {
	return d.bar.Write(regDdlCommand, cmd|cmdSiuSel)
}

// clearInterfaceStatus clears DIU and SIU status before trigger traffic.
func (d *Device) clearInterfaceStatus() error {
	if err := d.assertLinkUp(); err != nil {
		return err
	}
	if err := d.siuCommand(cmdCIFST); err != nil {
		return err
	}
	return d.diuCommand(cmdCIFST)
}

func (d *Device) setControlBits(bits uint32, on bool) error {
	ctl, err := d.bar.Read(regControl)
	if err != nil {
		return err
	}
	if on {
		ctl |= bits
	} else {
		ctl &^= bits
	}
	return d.bar.Write(regControl, ctl)
}

// PushPageDescriptor hands one page to the firmware free FIFO.  The commit
// write carries the page length in words and the ready FIFO slot the card
// will stamp on completion.
func (d *Device) PushPageDescriptor(busAddress uint64, slot int) error {
	if err := d.bar.Write(regFreeFifoLo, uint32(busAddress)); err != nil {
		return err
	}
	if err := d.bar.Write(regFreeFifoHi, uint32(busAddress>>32)); err != nil {
		return err
	}
	pageWords := uint32(d.params.DmaPageSize / 4)
	return d.bar.Write(regFreeFifoCtl, pageWords<<8|uint32(slot))
}

// ResetSequence resets the channel to the given level.  External loopback
// modes additionally re-arm the DDL blocks, deepest first.
func (d *Device) ResetSequence(level roc.ResetLevel) error {
	if level == roc.ResetNothing {
		return nil
	}
	if err := d.resetCommand(rstFreeFifo); err != nil {
		return err
	}
	if err := d.resetCommand(rstRorc); err != nil {
		return err
	}
	if !d.params.Loopback.External() {
		return nil
	}
	if err := d.armDdl(rstDiu); err != nil {
		return err
	}
	if level == roc.ResetInternalDiuSiu && d.params.Loopback != roc.LoopbackDiu {
		if err := d.armDdl(rstSiu); err != nil {
			return err
		}
		if err := d.armDdl(rstDiu); err != nil {
			return err
		}
	}
	return d.armDdl(rstRorc)
}

// ArmReadout prepares the card to receive data: clears the free FIFO,
// points the card at the ready FIFO, and enables the receiver.
func (d *Device) ArmReadout(mode roc.ReadoutMode) error {
	if d.params.Loopback == roc.LoopbackSiu {
		if err := d.ResetSequence(roc.ResetInternalDiuSiu); err != nil {
			return err
		}
		if err := d.clearInterfaceStatus(); err != nil {
			return err
		}
	}
	if err := d.resetCommand(rstFreeFifo); err != nil {
		return err
	}
	if err := d.waitStatus(staFreeFifoEmpty, "free FIFO drain"); err != nil {
		return err
	}
	if err := d.bar.Write(regReadyFifoLo, uint32(d.fifoBus)); err != nil {
		return err
	}
	if err := d.bar.Write(regReadyFifoHi, uint32(d.fifoBus>>32)); err != nil {
		return err
	}
	if mode == roc.ReadoutContinuous {
		if err := d.setControlBits(ctlContinuous, true); err != nil {
			return err
		}
	}
	return d.setControlBits(ctlReceiverOn, true)
}

// StartGenerator arms and starts the on-card data generator according to
// the channel parameters.
func (d *Device) StartGenerator() error {
	if d.params.Loopback == roc.LoopbackNone {
		if err := d.StartTriggerPath(); err != nil {
			return err
		}
	}

	cfg := uint32(d.params.GeneratorPattern)<<24 | d.params.GeneratorSeed()<<16 |
		(d.params.GeneratorInitialWord&0xFF)<<8
	if err := d.bar.Write(regGenConfig, cfg); err != nil {
		return err
	}
	if err := d.bar.Write(regGenInitVal, d.params.GeneratorInitialValue); err != nil {
		return err
	}
	if err := d.bar.Write(regGenEventLen, uint32(d.params.GeneratorDataSize/4)); err != nil {
		return err
	}

	switch d.params.Loopback {
	case roc.LoopbackInternal:
		if err := d.setControlBits(ctlLoopbackOn, true); err != nil {
			return err
		}
	case roc.LoopbackSiu:
		if err := d.siuCommand(cmdCIFST); err != nil {
			return err
		}
		if err := d.clearInterfaceStatus(); err != nil {
			return err
		}
	}

	d.log.WithFields(logrus.Fields{
		"pattern":   d.params.GeneratorPattern,
		"eventSize": d.params.GeneratorDataSize,
	}).Debug("starting data generator")
	return d.bar.Write(regGenControl, genStart|uint32(d.params.GeneratorMaxEvents)<<8)
}

// StopGenerator stops the generator and the data receiver.
func (d *Device) StopGenerator() error {
	if err := d.bar.Write(regGenControl, genStop); err != nil {
		return err
	}
	return d.setControlBits(ctlReceiverOn|ctlLoopbackOn, false)
}

// StartTriggerPath clears interface status and sends RDYRX to the
// front-end electronics.
func (d *Device) StartTriggerPath() error {
	if err := d.clearInterfaceStatus(); err != nil {
		return err
	}
	if err := d.siuCommand(cmdRdyRx); err != nil {
		return err
	}
	return d.setControlBits(ctlTriggerOn, true)
}

// StopTriggerPath sends end-of-block to the front-end electronics.
func (d *Device) StopTriggerPath() error {
	if err := d.siuCommand(cmdEOBTR); err != nil {
		return err
	}
	return d.setControlBits(ctlTriggerOn, false)
}

// Serial reads the card's serial number.
func (d *Device) Serial() (int32, error) {
	v, err := d.bar.Read(regSerial)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// FirmwareInfo decodes the firmware ID register into
// "major.minor:year-month-day".
func (d *Device) FirmwareInfo() (string, error) {
	v, err := d.bar.Read(regFirmwareID)
	if err != nil {
		return "", err
	}
	if reserved := roc.Bits(v, 24, 31); reserved != 0x2 {
		return "", roc.ConfigurationError{
			Reason: fmt.Sprintf("static field of firmware version register was 0x%x, not 0x2", reserved),
		}
	}
	major := roc.Bits(v, 20, 23)
	minor := roc.Bits(v, 13, 19)
	year := roc.Bits(v, 9, 12) + 2000
	month := roc.Bits(v, 5, 8)
	day := roc.Bits(v, 0, 4)
	return fmt.Sprintf("%d.%d:%d-%d-%d", major, minor, year, month, day), nil
}
