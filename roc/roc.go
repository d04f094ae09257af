// Package roc defines the contract shared by all readout-card backends:
// superpages, channel parameters, the DmaChannel interface, and the error
// taxonomy used throughout the module.
//
// A channel moves data in "superpages": large, client-owned regions of the
// DMA buffer that the card fills with fixed-size pages.  The client pushes
// empty superpages, drives the channel with Advance, and pops them back once
// the hardware has filled them.
package roc

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDmaPageSize is the page size used when Parameters does not specify
// one.  8 kiB for uniformity between the C-RORC and CRU.
const DefaultDmaPageSize = 8 * 1024

// Superpage describes one client-owned region of the DMA buffer.
// Offset and Size must satisfy the backend's alignment rules; see the
// PushSuperpage method of each card package.
type Superpage struct {
	// Offset of the region from the start of the DMA buffer, bytes
	Offset uint64

	// Size of the region, bytes
	Size uint64

	// Received is the number of bytes the card has written so far
	Received uint64

	// Ready is true once Received == Size
	Ready bool
}

// Filled returns true if every byte of the superpage has been received.
func (s Superpage) Filled() bool {
	return s.Received == s.Size
}

// CardType enumerates the supported card families.
type CardType int

// the card families
const (
	Dummy CardType = iota
	Crorc
	Cru
)

func (c CardType) String() string {
	switch c {
	case Crorc:
		return "CRORC"
	case Cru:
		return "CRU"
	default:
		return "Dummy"
	}
}

// ResetLevel controls how deep a channel reset goes.
type ResetLevel int

// the reset levels, shallowest first
const (
	ResetNothing ResetLevel = iota
	ResetInternal
	ResetInternalDiu
	ResetInternalDiuSiu
)

func (r ResetLevel) String() string {
	switch r {
	case ResetInternal:
		return "internal"
	case ResetInternalDiu:
		return "internal+DIU"
	case ResetInternalDiuSiu:
		return "internal+DIU+SIU"
	default:
		return "nothing"
	}
}

// LoopbackMode determines where page data originates.
type LoopbackMode int

// the loopback modes
const (
	// LoopbackNone takes data from the front-end electronics
	LoopbackNone LoopbackMode = iota

	// LoopbackInternal loops the on-card generator back inside the card
	LoopbackInternal

	// LoopbackDiu loops at the Detector Interface Unit
	LoopbackDiu

	// LoopbackSiu loops at the Source Interface Unit
	LoopbackSiu
)

// External returns true if the loopback point is outside the card itself.
func (l LoopbackMode) External() bool {
	return l == LoopbackDiu || l == LoopbackSiu
}

func (l LoopbackMode) String() string {
	switch l {
	case LoopbackInternal:
		return "internal"
	case LoopbackDiu:
		return "DIU"
	case LoopbackSiu:
		return "SIU"
	default:
		return "none"
	}
}

// GeneratorPattern selects the payload written by the on-card data generator.
type GeneratorPattern int

// the generator patterns
const (
	PatternIncremental GeneratorPattern = iota
	PatternAlternating
	PatternFlying0
	PatternFlying1
	PatternRandom
)

// ReadoutMode selects triggered (default) or continuous readout.
type ReadoutMode int

// the readout modes
const (
	ReadoutTriggered ReadoutMode = iota
	ReadoutContinuous
)

// Parameters holds the configuration of a DMA channel.  The zero value plus
// a call to Normalize is a usable default: 8 kiB pages and bounded bring-up
// and arrival waits.
type Parameters struct {
	// Channel is the channel number on the card
	Channel int

	// DmaPageSize is the page transfer unit, bytes
	DmaPageSize uint64

	// ResetLevel applied during bring-up
	ResetLevel ResetLevel

	// Loopback mode, internal by default
	Loopback LoopbackMode

	// GeneratorEnabled uses the on-card data generator instead of the
	// trigger path
	GeneratorEnabled bool

	// GeneratorPattern is the payload pattern for the generator
	GeneratorPattern GeneratorPattern

	// GeneratorInitialValue is the first data word of each generated event
	GeneratorInitialValue uint32

	// GeneratorInitialWord is the index of the event word the pattern
	// starts at; words before it hold GeneratorInitialValue
	GeneratorInitialWord uint32

	// GeneratorDataSize is the event size produced by the generator,
	// bytes; defaults to DmaPageSize
	GeneratorDataSize uint64

	// GeneratorMaxEvents limits the generator; 0 means infinite
	GeneratorMaxEvents int

	// TriggerEnabled sends the ready-to-receive command to the front-end
	// when the generator is disabled
	TriggerEnabled bool

	// ReadoutMode selects triggered or continuous readout
	ReadoutMode ReadoutMode

	// FifoBusAddress is the bus address the kernel driver pinned for the
	// ready FIFO region
	FifoBusAddress uint64

	// InitialArrivalDeadline bounds the poll for the first batch of pages
	// after bring-up.  Missing it is a warning, not an error.
	InitialArrivalDeadline time.Duration

	// BringupDeadline bounds each polled wait inside reset and arm
	// sequences
	BringupDeadline time.Duration

	// Log receives channel and engine diagnostics; logrus.StandardLogger
	// if nil
	Log *logrus.Logger
}

// Normalize fills zero-valued fields with defaults and returns the result.
func (p Parameters) Normalize() Parameters {
	if p.DmaPageSize == 0 {
		p.DmaPageSize = DefaultDmaPageSize
	}
	if p.GeneratorDataSize == 0 {
		p.GeneratorDataSize = p.DmaPageSize
	}
	if p.InitialArrivalDeadline == 0 {
		p.InitialArrivalDeadline = 10 * time.Millisecond
	}
	if p.BringupDeadline == 0 {
		p.BringupDeadline = 100 * time.Millisecond
	}
	if p.Log == nil {
		p.Log = logrus.StandardLogger()
	}
	return p
}

// GeneratorSeed returns the seed for the generator; nonzero only for the
// random pattern.
func (p Parameters) GeneratorSeed() uint32 {
	if p.GeneratorPattern == PatternRandom {
		return 1
	}
	return 0
}

// DmaChannel is the client-facing surface of one readout channel.
// Implementations are not safe for concurrent use; one goroutine owns the
// channel and drives it by calling Advance repeatedly.
type DmaChannel interface {
	// Start prepares the transfer engine.  Actual hardware bring-up is
	// deferred until the first Advance with a superpage enqueued.
	Start() error

	// Stop quiesces the card.  Idempotent.
	Stop() error

	// Advance runs one tick of the transfer engine: pushes page
	// descriptors and collects arrivals.
	Advance() error

	// PushSuperpage enqueues an empty superpage for the card to fill
	PushSuperpage(Superpage) error

	// GetSuperpage peeks at the oldest filled superpage
	GetSuperpage() (Superpage, error)

	// PopSuperpage removes and returns the oldest filled superpage
	PopSuperpage() (Superpage, error)

	// TransferQueueAvailable is the number of superpages that can still
	// be enqueued
	TransferQueueAvailable() int

	// ReadyQueueSize is the number of filled superpages awaiting Pop
	ReadyQueueSize() int

	// ResetChannel resets the channel to the given level
	ResetChannel(ResetLevel) error

	// CardType identifies the card family
	CardType() CardType

	// Serial returns the card's serial number
	Serial() (int32, error)

	// FirmwareInfo returns a human-readable firmware version
	FirmwareInfo() (string, error)

	// Close stops the channel and releases its buffers and locks
	Close() error
}
