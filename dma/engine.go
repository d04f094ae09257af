// Package dma implements the transfer engine shared by all card families.
// The engine drives the superpage queue against the ready FIFO: it decides
// which superpage to feed next, pushes page descriptors through the
// backend, polls for arrivals, and sequences the deferred start the
// hardware requires.
//
// The engine has no internal threading.  The owner drives it by calling
// Advance repeatedly from a single goroutine; a tick runs to completion
// once invoked, and the only bounded wait is the initial-arrival poll
// during the PendingStart to Running transition.
package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/det-lab/rocdaq/dmabuf"
	"github.com/det-lab/rocdaq/readyfifo"
	"github.com/det-lab/rocdaq/roc"
	"github.com/det-lab/rocdaq/spqueue"
)

// Backend is the per-card-family capability set the engine is written
// against.  These are the only points where the engine touches device
// registers; the bit layouts behind them belong to the card packages.
type Backend interface {
	// PushPageDescriptor hands the card one page's bus address, tied to
	// a ready FIFO slot
	PushPageDescriptor(busAddress uint64, slot int) error

	// ResetSequence resets the card to the given level
	ResetSequence(level roc.ResetLevel) error

	// ArmReadout prepares the card to receive data into the ready FIFO
	ArmReadout(mode roc.ReadoutMode) error

	// StartGenerator starts the on-card data generator
	StartGenerator() error

	// StopGenerator stops the generator and the receiver
	StopGenerator() error

	// StartTriggerPath sends ready-to-receive to the front-end
	StartTriggerPath() error

	// StopTriggerPath sends end-of-block to the front-end
	StopTriggerPath() error
}

// State is the engine lifecycle state.
type State int

// the engine states
const (
	Stopped State = iota
	PendingStart
	Running
)

func (s State) String() string {
	switch s {
	case PendingStart:
		return "pending start"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// sdhLengthOffset is where older firmware expects the driver to stamp the
// page's event length: one 128-bit word into the page, written as four
// 32-bit values with the length in the last.
const sdhLengthOffset = 16

var errNotYetArrived = errors.New("not yet arrived")

// Engine is the DMA transfer engine for one channel.
type Engine struct {
	backend Backend
	ring    *readyfifo.Ring
	queue   *spqueue.Queue
	buffer  *dmabuf.Buffer
	params  roc.Parameters

	// stampLength enables the SDH event-size shim for firmware that does
	// not stamp the field itself
	stampLength bool

	state State
	log   *logrus.Entry
}

// New assembles an engine.  params must already be normalized.  buffer may
// be nil when the backend never exposes page payloads to the host (the
// SDH shim is then disabled).
func New(backend Backend, ring *readyfifo.Ring, queue *spqueue.Queue, buffer *dmabuf.Buffer, params roc.Parameters, stampLength bool) *Engine {
	return &Engine{
		backend:     backend,
		ring:        ring,
		queue:       queue,
		buffer:      buffer,
		params:      params,
		stampLength: stampLength && buffer != nil,
		log:         params.Log.WithField("component", "dma"),
	}
}

// State reports the engine lifecycle state.
func (e *Engine) State() State { return e.state }

// Queue exposes the superpage queue the engine drives.
func (e *Engine) Queue() *spqueue.Queue { return e.queue }

// Start clears the ring and queue bookkeeping and enters PendingStart.
// The card is not touched yet: it cannot begin transferring until a
// superpage's worth of buffer is available, so bring-up is deferred to the
// first Advance that finds a superpage enqueued.
func (e *Engine) Start() error {
	e.ring.Reset()
	e.queue.Clear()
	e.state = PendingStart
	e.log.Debug("DMA start deferred until superpage available")
	return nil
}

// Stop issues the quiesce sequence and enters Stopped.  Idempotent.
func (e *Engine) Stop() error {
	if e.state == Stopped {
		return nil
	}
	if e.state == Running {
		var err error
		if e.params.GeneratorEnabled {
			err = e.backend.StopGenerator()
		} else if e.params.TriggerEnabled {
			err = e.backend.StopTriggerPath()
		}
		if err != nil {
			return fmt.Errorf("dma stop: %w", err)
		}
	}
	e.state = Stopped
	e.log.Debug("DMA stopped")
	return nil
}

// Advance runs one tick: pushing progress first, then arrival progress.
// While PendingStart, the first tick that finds an enqueued superpage
// performs the one-time bring-up and transitions to Running.
func (e *Engine) Advance() error {
	if e.state == Stopped {
		return roc.ErrChannelStopped
	}

	if entry := e.queue.PushingFront(); entry != nil {
		if e.state == PendingStart {
			if err := e.startPending(entry); err != nil {
				return err
			}
		} else {
			n := min(e.ring.Free(), int(entry.Unpushed()))
			for i := 0; i < n; i++ {
				if err := e.pushPage(entry); err != nil {
					return err
				}
			}
			if entry.Pushed() {
				e.queue.FinishPushing()
			}
		}
	}
	if e.state != Running {
		return nil
	}

	for e.ring.Len() > 0 {
		entry := e.queue.ArrivalsFront()
		if entry == nil {
			break
		}
		slot := e.ring.Back()
		status, length, err := e.ring.PollArrival(slot)
		if err != nil {
			return err
		}
		if status != readyfifo.Arrived {
			// Pages complete strictly in push order: if the back
			// slot has not arrived, no later slot has either.
			break
		}
		if err := e.stampEventSize(entry, length); err != nil {
			return err
		}
		e.ring.Consume(slot)
		entry.Superpage.Received += e.params.DmaPageSize
		if entry.Superpage.Filled() {
			entry.Superpage.Ready = true
			e.queue.FinishArrivals()
		}
	}
	return nil
}

// startPending performs the one-time bring-up: reset, arm, fill the ring
// with the first batch of pages, start the data source, and wait (bounded)
// for the initial arrivals.
func (e *Engine) startPending(entry *spqueue.Entry) error {
	e.log.Info("starting pending DMA")

	if err := e.backend.ResetSequence(e.params.ResetLevel); err != nil {
		return fmt.Errorf("bring-up reset: %w", err)
	}
	if err := e.backend.ArmReadout(e.params.ReadoutMode); err != nil {
		return fmt.Errorf("bring-up arm: %w", err)
	}

	n := min(e.ring.Capacity(), int(entry.Unpushed()))
	for i := 0; i < n; i++ {
		if err := e.pushPage(entry); err != nil {
			return err
		}
	}
	if entry.Pushed() {
		e.queue.FinishPushing()
	}

	if e.params.GeneratorEnabled {
		e.log.Debug("starting data generator")
		if err := e.backend.StartGenerator(); err != nil {
			return fmt.Errorf("bring-up generator: %w", err)
		}
	} else if e.params.TriggerEnabled {
		e.log.Debug("starting trigger")
		if err := e.backend.StartTriggerPath(); err != nil {
			return fmt.Errorf("bring-up trigger: %w", err)
		}
	}

	if err := e.waitInitialArrivals(n - 1); err != nil {
		return err
	}

	entry.Superpage.Received += uint64(n) * e.params.DmaPageSize
	if entry.Superpage.Filled() {
		entry.Superpage.Ready = true
		e.queue.FinishArrivals()
	}

	e.ring.Reset()
	e.state = Running
	e.log.Info("DMA started")
	return nil
}

// waitInitialArrivals polls the last slot of the initial batch until it
// arrives or the configured deadline elapses.  A miss is a warning, not an
// error: the poll loop keeps trying on subsequent ticks.  Hardware status
// errors do surface.
func (e *Engine) waitInitialArrivals(lastSlot int) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Microsecond
	policy.MaxInterval = time.Millisecond
	policy.MaxElapsedTime = e.params.InitialArrivalDeadline

	err := backoff.Retry(func() error {
		status, _, err := e.ring.PollArrival(lastSlot)
		if err != nil {
			return backoff.Permanent(err)
		}
		if status != readyfifo.Arrived {
			return errNotYetArrived
		}
		return nil
	}, policy)

	if errors.Is(err, errNotYetArrived) {
		e.log.WithFields(logrus.Fields{
			"slot":     lastSlot,
			"deadline": e.params.InitialArrivalDeadline,
		}).Warn("initial pages not arrived")
		return nil
	}
	return err
}

func (e *Engine) pushPage(entry *spqueue.Entry) error {
	slot := e.ring.Push()
	bus := entry.BusAddress + uint64(entry.PushedPages)*e.params.DmaPageSize
	if err := e.backend.PushPageDescriptor(bus, slot); err != nil {
		return fmt.Errorf("push page descriptor into slot %d: %w", slot, err)
	}
	entry.PushedPages++
	return nil
}

// stampEventSize writes the decoded payload length into the page header.
// Compatibility shim for firmware that does not stamp the field itself.
func (e *Engine) stampEventSize(entry *spqueue.Entry, length uint32) error {
	if !e.stampLength {
		return nil
	}
	page, err := e.buffer.At(entry.Superpage.Offset+entry.Superpage.Received, e.params.DmaPageSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(page[sdhLengthOffset:], 0)
	binary.LittleEndian.PutUint32(page[sdhLengthOffset+4:], 0)
	binary.LittleEndian.PutUint32(page[sdhLengthOffset+8:], 0)
	binary.LittleEndian.PutUint32(page[sdhLengthOffset+12:], length)
	return nil
}
