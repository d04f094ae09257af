package roc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrChannelStopped is returned by Advance on a channel that has not been
// started.
var ErrChannelStopped = errors.New("channel is stopped")

// ConfigurationError indicates invalid channel configuration: a buffer too
// small for the descriptor ring, a missing required parameter, and so on.
// Never retried automatically.
type ConfigurationError struct {
	Reason string
}

func (e ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// InvalidSuperpageError indicates a superpage that fails the backend's size,
// offset, or alignment rules.  The queue is not mutated.
type InvalidSuperpageError struct {
	Superpage   Superpage
	Reason      string
	Granularity uint64
}

func (e InvalidSuperpageError) Error() string {
	s := fmt.Sprintf("invalid superpage (offset 0x%x, size 0x%x): %s",
		e.Superpage.Offset, e.Superpage.Size, e.Reason)
	if e.Granularity != 0 {
		s += fmt.Sprintf(" (required granularity 0x%x)", e.Granularity)
	}
	return s
}

// QueueFullError indicates the transfer queue is at capacity.  Recoverable:
// pop a filled superpage and retry.
type QueueFullError struct {
	Capacity int
}

func (e QueueFullError) Error() string {
	return fmt.Sprintf("transfer queue full (capacity %d)", e.Capacity)
}

// QueueEmptyError indicates there is no filled superpage to pop.
// Recoverable: advance the channel and retry.
type QueueEmptyError struct{}

func (e QueueEmptyError) Error() string {
	return "ready queue is empty"
}

// IsResourceExhausted returns true for the recoverable queue-pressure
// errors, QueueFullError and QueueEmptyError.
func IsResourceExhausted(err error) bool {
	var full QueueFullError
	var empty QueueEmptyError
	return errors.As(err, &full) || errors.As(err, &empty)
}

// HardwareStatusError indicates a malformed or error-flagged status word in
// the ready FIFO.  Fatal to the transfer; the cause is a hardware desync
// that cannot be repaired locally.
type HardwareStatusError struct {
	// Status is the raw status word
	Status uint32

	// Length is the length word that accompanied it
	Length uint32

	// Slot is the ready FIFO slot index
	Slot int

	// Unrecognized is true when the bit pattern matches no known status,
	// as opposed to a well-formed status with the error bit set
	Unrecognized bool
}

func (e HardwareStatusError) Error() string {
	kind := "error bits set in"
	if e.Unrecognized {
		kind = "unrecognized"
	}
	return fmt.Sprintf("%s data arrival status word 0x%08x (length 0x%x, slot %d)",
		kind, e.Status, e.Length, e.Slot)
}

// FileLockError indicates the channel's file lock could not be acquired,
// most likely because another process holds the channel.
type FileLockError struct {
	Path      string
	MutexName string
	Err       error
}

func (e FileLockError) Error() string {
	s := fmt.Sprintf("failed to acquire file lock %s (named mutex %s)", e.Path, e.MutexName)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e FileLockError) Unwrap() error { return e.Err }

// NamedMutexLockError indicates the file lock was acquired but the named
// mutex was not.  The file lock is released automatically when a process
// dies; the named mutex is not, so this usually means a previous holder
// crashed without releasing it.
type NamedMutexLockError struct {
	Path      string
	MutexName string
	Hints     []string
}

func (e NamedMutexLockError) Error() string {
	s := fmt.Sprintf("failed to acquire named mutex %s; file lock %s was acquired", e.MutexName, e.Path)
	if len(e.Hints) > 0 {
		s += " (possible causes: " + strings.Join(e.Hints, "; ") + ")"
	}
	return s
}
