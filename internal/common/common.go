// Copyright 2016 Aleksandr Demakin. All rights reserved.

package common

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// OpenOrCreate opens or creates an object using creator.
// flag is a combination of os.O_CREATE and os.O_EXCL:
//	0 - open an existing object.
//	os.O_CREATE|os.O_EXCL - create a new one, fail if it exists.
//	os.O_CREATE - create or open an existing one.
// It returns true, if the object was created.
func OpenOrCreate(creator func(bool) error, flag int) (bool, error) {
	switch flag & (os.O_CREATE | os.O_EXCL) {
	case 0:
		return false, creator(false)
	case os.O_CREATE | os.O_EXCL:
		if err := creator(true); err != nil {
			return false, err
		}
		return true, nil
	case os.O_CREATE:
		const attempts = 16
		var err error
		for attempt := 0; attempt < attempts; attempt++ {
			if err = creator(true); !os.IsExist(err) {
				return err == nil, err
			}
			if err = creator(false); !os.IsNotExist(err) {
				return false, err
			}
		}
		return false, err
	default:
		return false, errors.New("os.O_EXCL without os.O_CREATE")
	}
}

// SyscallErrHasCode returns true, if err is an *os.SyscallError or *os.PathError with the given errno.
func SyscallErrHasCode(err error, code syscall.Errno) bool {
	err = errors.Cause(err)
	switch typed := err.(type) {
	case *os.SyscallError:
		err = typed.Err
	case *os.PathError:
		err = typed.Err
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno == code
	}
	return false
}
