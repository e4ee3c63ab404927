// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package sync

import (
	"os"
	"time"

	"github.com/nxgtw/go-prodq/internal/common"

	"github.com/pkg/errors"
)

const (
	// CSemMaxVal is the maximum semaphore value,
	// which is guaranteed to be supported on all platforms.
	CSemMaxVal = 32767
)

type sembuf struct {
	semnum uint16
	semop  int16
	semflg int16
}

// Semaphore is a sysV semaphore with one counter.
type Semaphore struct {
	key int
	id  int
}

// NewSemaphoreKey creates or opens a sysV semaphore for the given key.
//	key - ipc key. each semaphore object is identifyed by a unique key.
//	flag - a combination of os.O_CREATE and os.O_EXCL.
//	perm - object permissions.
//	initial - this value will be set as the semaphore's value, if it was created.
func NewSemaphoreKey(key int, flag int, perm os.FileMode, initial int) (*Semaphore, error) {
	if initial < 0 || initial > CSemMaxVal {
		return nil, errors.Errorf("invalid initial semaphore value %d", initial)
	}
	var id int
	creator := func(create bool) error {
		var creatorErr error
		flags := int(perm.Perm())
		if create {
			flags |= common.IpcCreate | common.IpcExcl
		}
		id, creatorErr = semget(common.Key(key), 1, flags)
		return creatorErr
	}
	created, err := common.OpenOrCreate(creator, flag)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open/create sysv semaphore")
	}
	result := &Semaphore{key: key, id: id}
	if created && initial > 0 {
		if err = result.SetValue(initial); err != nil {
			result.Destroy()
			return nil, errors.Wrap(err, "failed to set initial semaphore value")
		}
	}
	return result, nil
}

// Key returns semaphore's ipc key.
func (s *Semaphore) Key() int {
	return s.key
}

// Add adds the given value to the semaphore's value.
// It blocks, if the operation cannot be done immediately.
func (s *Semaphore) Add(value int) error {
	return common.UninterruptedSyscall(func() error { return semAdd(s.id, value, 0) })
}

// TryAdd adds the given value to the semaphore's value, if it can be done without blocking.
// It returns false, if the operation would block.
func (s *Semaphore) TryAdd(value int) (bool, error) {
	err := common.UninterruptedSyscall(func() error { return semAdd(s.id, value, common.IpcNoWait) })
	if err == nil {
		return true, nil
	}
	if common.IsTimeoutErr(err) {
		return false, nil
	}
	return false, err
}

// WaitTimeout decrements the value of semaphore variable by 1.
// If the value becomes negative, it waits for not longer than timeout.
// It returns false, if the timeout has expired.
func (s *Semaphore) WaitTimeout(timeout time.Duration) (bool, error) {
	err := common.UninterruptedSyscallTimeout(func(curTimeout time.Duration) error {
		b := sembuf{semnum: 0, semop: -1, semflg: 0}
		return semtimedop(s.id, []sembuf{b}, common.TimeoutToTimeSpec(curTimeout))
	}, timeout)
	if err == nil {
		return true, nil
	}
	if common.IsTimeoutErr(err) {
		return false, nil
	}
	return false, err
}

// Value returns current value of the semaphore.
func (s *Semaphore) Value() (int, error) {
	return semctl(s.id, 0, common.SemGetVal, 0)
}

// SetValue sets the value of the semaphore, waking waiting processes if needed.
func (s *Semaphore) SetValue(value int) error {
	if value < 0 || value > CSemMaxVal {
		return errors.Errorf("invalid semaphore value %d", value)
	}
	_, err := semctl(s.id, 0, common.SemSetVal, value)
	return err
}

// Close is a no-op on unix.
func (s *Semaphore) Close() error {
	return nil
}

// Destroy removes the semaphore permanently.
func (s *Semaphore) Destroy() error {
	return removeSysVSemaByID(s.id)
}

// DestroySemaphoreKey permanently removes a semaphore with the given key.
// It is not an error, if the semaphore does not exist.
func DestroySemaphoreKey(key int) error {
	id, err := semget(common.Key(key), 1, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to get semaphore id")
	}
	return removeSysVSemaByID(id)
}

func removeSysVSemaByID(id int) error {
	_, err := semctl(id, 0, common.IpcRmid, 0)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "semctl failed")
}

func semAdd(id, value, flag int) error {
	b := sembuf{semnum: 0, semop: int16(value), semflg: int16(flag)}
	return semop(id, []sembuf{b})
}
