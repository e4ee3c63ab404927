// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package sync

import (
	"os"
	"time"

	"github.com/nxgtw/go-prodq/internal/common"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// DefaultOverrideTimeout is the time after which a lock holder is considered dead.
	DefaultOverrideTimeout = 30 * time.Second

	lockSpins = 64
)

// RegionLock is a binary interprocess lock over a semaphore.
// The semaphore value is 1, when the lock is free, and 0, when it is held.
//
// If the lock can't be acquired within the override timeout, its holder is considered
// dead, and the lock is taken forcibly. The state, protected by the lock, is trusted as is.
//
// A RegionLock instance must not be used concurrently by several goroutines.
type RegionLock struct {
	sem       *Semaphore
	name      string
	timeout   time.Duration
	logger    Logger
	held      atomix.Bool
	overrides atomix.Int32
}

// NewRegionLock returns a lock over the semaphore.
//	name - used in log messages only.
//	timeout - stale holder override timeout. if it is <= 0, DefaultOverrideTimeout is used.
//	logger - receives override messages, can be nil.
func NewRegionLock(sem *Semaphore, name string, timeout time.Duration, logger Logger) *RegionLock {
	if timeout <= 0 {
		timeout = DefaultOverrideTimeout
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &RegionLock{sem: sem, name: name, timeout: timeout, logger: logger}
}

// Acquire takes the lock. It waits for not longer, than the override timeout,
// then it takes the lock from its current holder.
func (l *RegionLock) Acquire() error {
	if l.held.Load() {
		return errors.Errorf("%s lock is already held", l.name)
	}
	ok, err := l.tryAcquire(l.timeout)
	if err != nil {
		return errors.Wrapf(err, "failed to lock %s", l.name)
	}
	if !ok {
		if err = l.sem.SetValue(0); err != nil {
			return errors.Wrapf(err, "failed to override %s lock", l.name)
		}
		l.overrides.Add(1)
		l.logger.Printf("stale lock on %s overridden after %v", l.name, l.timeout)
	}
	l.held.Store(true)
	return nil
}

func (l *RegionLock) tryAcquire(timeout time.Duration) (bool, error) {
	var sw spin.Wait
	for i := 0; i < lockSpins; i++ {
		ok, err := l.sem.TryAdd(-1)
		if ok || err != nil {
			return ok, err
		}
		sw.Once()
	}
	return l.sem.WaitTimeout(timeout)
}

// Release frees the lock. It is a no-op, if the lock is not held by this instance,
// or if the semaphore has been removed while the lock was held.
func (l *RegionLock) Release() error {
	if !l.held.Load() {
		return nil
	}
	l.held.Store(false)
	// set, not add: a lock taken by an override must not end up with the value of 2.
	if err := l.sem.SetValue(1); err != nil && !IsRemoved(err) {
		return errors.Wrapf(err, "failed to unlock %s", l.name)
	}
	return nil
}

// IsRemoved returns true, if err means, that the semaphore has been removed.
func IsRemoved(err error) bool {
	return os.IsNotExist(errors.Cause(err)) ||
		common.SyscallErrHasCode(err, unix.EIDRM) ||
		common.SyscallErrHasCode(err, unix.EINVAL)
}

// Held returns true, if the lock is held by this instance.
func (l *RegionLock) Held() bool {
	return l.held.Load()
}

// Overrides returns the number of times this instance took the lock from a stale holder.
func (l *RegionLock) Overrides() int {
	return int(l.overrides.Load())
}
