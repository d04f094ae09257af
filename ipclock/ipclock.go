// Package ipclock enforces exclusive cross-process ownership of one
// channel's hardware and shared-memory state.
//
// Two independent primitives guard the same resource: an advisory file
// lock, which the kernel releases automatically when the holding process
// dies, and a named mutex sentinel, which is not released automatically.
// The redundancy is deliberate: if only the sentinel is held, the previous
// holder almost certainly crashed, and the two distinct error types let an
// operator tell "someone else is running" from "stale lock left by a dead
// process".
package ipclock

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/det-lab/rocdaq/roc"
)

// sentinelRetryInterval paces the wait for an already-held named mutex
// when acquiring in blocking mode.
const sentinelRetryInterval = 10 * time.Millisecond

// Lock holds both primitives for one channel.
type Lock struct {
	file         *os.File
	sentinelPath string
	lockPath     string
	mutexName    string
}

// Acquire takes both locks for the channel described by paths, file lock
// first.  With blocking false, an unavailable file lock fails with
// roc.FileLockError and an unavailable named mutex fails with
// roc.NamedMutexLockError (the file lock is released again).  With
// blocking true, Acquire waits for both.
func Acquire(paths roc.ChannelPaths, blocking bool) (*Lock, error) {
	l := &Lock{
		lockPath:     paths.LockFile(),
		sentinelPath: paths.NamedMutexPath(),
		mutexName:    paths.NamedMutex(),
	}

	f, err := os.OpenFile(l.lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, roc.FileLockError{Path: l.lockPath, MutexName: l.mutexName, Err: err}
	}
	l.file = f

	how := unix.LOCK_EX
	if !blocking {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, roc.FileLockError{Path: l.lockPath, MutexName: l.mutexName, Err: err}
	}

	if err := l.acquireSentinel(blocking); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Lock) acquireSentinel(blocking bool) error {
	try := func() error {
		f, err := os.OpenFile(l.sentinelPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		fmt.Fprintf(f, "%d\n", os.Getpid())
		return f.Close()
	}

	err := try()
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return roc.FileLockError{Path: l.lockPath, MutexName: l.mutexName, Err: err}
	}
	if !blocking {
		return roc.NamedMutexLockError{
			Path:      l.lockPath,
			MutexName: l.mutexName,
			Hints: []string{
				"named mutex is owned by another lock in the current process",
				"a previous holder was killed without releasing it; remove " + l.sentinelPath + " if no other process is using the channel",
			},
		}
	}
	// We hold the file lock, so a live competitor is impossible; wait for
	// the sentinel owner to release (or an operator to clean up).
	return backoff.Retry(try, backoff.NewConstantBackOff(sentinelRetryInterval))
}

// Release drops both locks in reverse acquisition order: sentinel first,
// then the file lock.  Safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := os.Remove(l.sentinelPath)
	if uerr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err == nil {
		err = uerr
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
