// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

type tmpfsSegment struct {
	key  int
	path string
	data mmap.MMap
}

func createTmpfsSegment(key int, size int, perm os.FileMode) (*tmpfsSegment, error) {
	path, err := shmPathForKey(key)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err = file.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "failed to truncate shm file")
	}
	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "mmap failed")
	}
	return &tmpfsSegment{key: key, path: path, data: data}, nil
}

func openTmpfsSegment(key int) (*tmpfsSegment, error) {
	path, err := shmPathForKey(key)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	fi, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat shm file")
	}
	if fi.Size() == 0 {
		// the creator has not resized the file yet.
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mmap failed")
	}
	return &tmpfsSegment{key: key, path: path, data: data}, nil
}

func destroyTmpfsSegment(key int) error {
	path, err := shmPathForKey(key)
	if err != nil {
		return err
	}
	return removeTmpfsFile(path)
}

func removeTmpfsFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove shm file")
	}
	return nil
}

func (s *tmpfsSegment) Data() []byte {
	return s.data
}

func (s *tmpfsSegment) Size() int {
	return len(s.data)
}

func (s *tmpfsSegment) Key() int {
	return s.key
}

func (s *tmpfsSegment) Detach() error {
	if s.data == nil {
		return nil
	}
	err := s.data.Unmap()
	s.data = nil
	return errors.Wrap(err, "munmap failed")
}

// Attached returns -1, mappings of a file are not counted anywhere.
func (s *tmpfsSegment) Attached() (int, error) {
	return -1, nil
}

func (s *tmpfsSegment) Remove() error {
	return removeTmpfsFile(s.path)
}
