// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package sync provides interprocess synchronization primitives built on System V semaphores:
//	Semaphore - a counting semaphore addressed by an ipc key.
//	RegionLock - a binary lock over a semaphore, which recovers from holders that died while locked.
package sync

// Logger receives diagnostic messages.
type Logger interface {
	Printf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
