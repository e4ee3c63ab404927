// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"os"

	"github.com/nxgtw/go-prodq/internal/common"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type sysvSegment struct {
	key  int
	id   int
	data []byte
}

func createSysvSegment(key int, size int, perm os.FileMode) (*sysvSegment, error) {
	id, err := shmget(key, size, int(perm.Perm())|unix.IPC_CREAT|unix.IPC_EXCL)
	if err != nil {
		return nil, err
	}
	result, err := attachSysvSegment(key, id)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, err
	}
	return result, nil
}

func openSysvSegment(key int) (*sysvSegment, error) {
	id, err := shmget(key, 0, 0)
	if err != nil {
		return nil, err
	}
	return attachSysvSegment(key, id)
}

func attachSysvSegment(key, id int) (*sysvSegment, error) {
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, errors.Wrap(os.NewSyscallError("SHMAT", err), "failed to attach sysv segment")
	}
	return &sysvSegment{key: key, id: id, data: data}, nil
}

func destroySysvSegment(key int) error {
	id, err := shmget(key, 0, 0)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	return removeSysvSegment(id)
}

func removeSysvSegment(id int) error {
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		if err == unix.EINVAL || err == unix.EIDRM {
			return nil
		}
		return errors.Wrap(os.NewSyscallError("SHMCTL", err), "failed to remove sysv segment")
	}
	return nil
}

func shmget(key, size, flag int) (int, error) {
	id, err := unix.SysvShmGet(key, size, flag)
	if err != nil {
		if err == unix.EEXIST || err == unix.ENOENT {
			return 0, &os.PathError{Op: "SHMGET", Path: sysvPath(key), Err: err}
		}
		return 0, errors.Wrap(os.NewSyscallError("SHMGET", err), "failed to get sysv segment")
	}
	return id, nil
}

func sysvPath(key int) string {
	return "sysv:" + keyName(key)
}

func (s *sysvSegment) Data() []byte {
	return s.data
}

func (s *sysvSegment) Size() int {
	return len(s.data)
}

func (s *sysvSegment) Key() int {
	return s.key
}

func (s *sysvSegment) Detach() error {
	if s.data == nil {
		return nil
	}
	err := unix.SysvShmDetach(s.data)
	s.data = nil
	if err != nil {
		return errors.Wrap(os.NewSyscallError("SHMDT", err), "failed to detach sysv segment")
	}
	return nil
}

// Attached returns shm_nattch of the segment. The kernel detaches the segment
// from exited processes, so crashed users are not counted.
func (s *sysvSegment) Attached() (int, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(s.id, common.IpcStat, &desc); err != nil {
		return 0, errors.Wrap(os.NewSyscallError("SHMCTL", err), "failed to stat sysv segment")
	}
	return int(desc.Nattch), nil
}

func (s *sysvSegment) Remove() error {
	return removeSysvSegment(s.id)
}
