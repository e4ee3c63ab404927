// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package shm provides shared memory segments addressed by integer keys.
//
// Two backends are available:
//	SysV - System V segments (shmget/shmat), the key is the ipc key.
//	Tmpfs - files in the shared memory filesystem (/dev/shm on linux), mapped with mmap.
// All processes, that want to share a segment, must use the same backend and key.
package shm

import (
	"os"

	"github.com/pkg/errors"
)

// Backend selects an os mechanism for shared memory segments.
type Backend int

const (
	// SysV is the System V shared memory.
	SysV Backend = iota
	// Tmpfs uses memory-mapped files in the shared memory filesystem.
	Tmpfs
)

// String implements fmt.Stringer.
func (b Backend) String() string {
	switch b {
	case SysV:
		return "sysv"
	case Tmpfs:
		return "tmpfs"
	default:
		return "unknown"
	}
}

// ParseBackend converts a backend name into Backend.
func ParseBackend(name string) (Backend, error) {
	switch name {
	case "sysv":
		return SysV, nil
	case "tmpfs":
		return Tmpfs, nil
	}
	return 0, errors.Errorf("unknown shm backend %q", name)
}

// Segment is a shared memory segment attached to the address space of the process.
type Segment interface {
	// Data returns the mapped memory.
	Data() []byte
	// Size returns the size of the segment.
	Size() int
	// Key returns the key of the segment.
	Key() int
	// Detach unmaps the segment. Data can't be used after that.
	Detach() error
	// Attached returns the number of attachments of the segment in all processes,
	// or -1, if the backend does not track them.
	Attached() (int, error)
	// Remove marks the segment for removal. The memory remains valid for all the
	// processes, which has it mapped.
	Remove() error
}

// Create creates and attaches a new segment of the given size.
// It returns an error satisfying os.IsExist, if the segment for the key already exists.
func Create(backend Backend, key int, size int, perm os.FileMode) (Segment, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Errorf("invalid segment size %d", size)
	}
	var seg Segment
	var err error
	switch backend {
	case SysV:
		seg, err = createSysvSegment(key, size, perm)
	case Tmpfs:
		seg, err = createTmpfsSegment(key, size, perm)
	default:
		return nil, errors.Errorf("unknown shm backend %d", backend)
	}
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// Open attaches an existing segment.
// It returns an error satisfying os.IsNotExist, if there is no segment for the key.
func Open(backend Backend, key int) (Segment, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var seg Segment
	var err error
	switch backend {
	case SysV:
		seg, err = openSysvSegment(key)
	case Tmpfs:
		seg, err = openTmpfsSegment(key)
	default:
		return nil, errors.Errorf("unknown shm backend %d", backend)
	}
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// Destroy removes a segment with the given key. It is not an error, if the segment does not exist.
func Destroy(backend Backend, key int) error {
	if err := checkKey(key); err != nil {
		return err
	}
	switch backend {
	case SysV:
		return destroySysvSegment(key)
	case Tmpfs:
		return destroyTmpfsSegment(key)
	}
	return errors.Errorf("unknown shm backend %d", backend)
}

// IsExist returns true, if err means that the segment already exists.
func IsExist(err error) bool {
	return os.IsExist(errors.Cause(err))
}

// IsNotExist returns true, if err means that the segment does not exist.
func IsNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}

func checkKey(key int) error {
	if key <= 0 || int64(key) > int64(^uint32(0)>>1) {
		return errors.Errorf("invalid shm key %d", key)
	}
	return nil
}
