// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package common

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// sysV ipc flags and commands.
const (
	IpcCreate = 00001000 /* create if key is nonexistent */
	IpcExcl   = 00002000 /* fail if key exists */
	IpcNoWait = 00004000 /* return error on wait */

	IpcRmid = 0 /* remove resource */
	IpcStat = 2 /* get ipc_perm options */

	SemGetVal = 12 /* get semval */
	SemSetVal = 16 /* set semval */
)

// Key is a sysV ipc key.
type Key int32

// TimeoutToTimeSpec converts a relative timeout into a timespec.
// A negative timeout means 'wait forever' and yields nil.
func TimeoutToTimeSpec(timeout time.Duration) *unix.Timespec {
	if timeout >= 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		return &ts
	}
	return nil
}

// IsInterruptedSyscallErr returns true, if the syscall was interrupted by a signal.
func IsInterruptedSyscallErr(err error) bool {
	return SyscallErrHasCode(err, syscall.EINTR)
}

// IsTimeoutErr returns true, if a timed or a non-blocking operation could not complete in time.
func IsTimeoutErr(err error) bool {
	return SyscallErrHasCode(err, syscall.EAGAIN)
}

// NewTimeoutError returns a syscall error with EAGAIN code.
func NewTimeoutError(op string) error {
	return os.NewSyscallError(op, syscall.EAGAIN)
}

// UninterruptedSyscall calls f until it returns an error other than EINTR.
func UninterruptedSyscall(f func() error) error {
	for {
		if err := f(); !IsInterruptedSyscallErr(err) {
			return err
		}
	}
}

// UninterruptedSyscallTimeout calls f until it returns an error other than EINTR,
// shrinking the timeout by the time already spent on every restart.
func UninterruptedSyscallTimeout(f func(time.Duration) error, timeout time.Duration) error {
	for {
		opStart := time.Now()
		err := f(timeout)
		if !IsInterruptedSyscallErr(err) {
			return err
		}
		if timeout >= 0 {
			// we were interrupted by a signal. recalculate timeout
			elapsed := time.Since(opStart)
			if timeout <= elapsed {
				return NewTimeoutError("restart")
			}
			timeout -= elapsed
		}
	}
}
