// Copyright 2016 Aleksandr Demakin. All rights reserved.

package shm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	testSegmentKey = 0x50510001
)

var backends = []Backend{SysV, Tmpfs}

func TestCreateOpenSegment(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			a := assert.New(t)
			if !a.NoError(Destroy(backend, testSegmentKey)) {
				return
			}
			seg, err := Create(backend, testSegmentKey, 4096, 0666)
			if !a.NoError(err) {
				return
			}
			defer func() {
				a.NoError(seg.Remove())
				a.NoError(seg.Detach())
			}()
			a.Equal(testSegmentKey, seg.Key())
			a.True(seg.Size() >= 4096)
			copy(seg.Data(), []byte{1, 2, 3, 4})

			_, err = Create(backend, testSegmentKey, 4096, 0666)
			a.True(IsExist(err))

			seg2, err := Open(backend, testSegmentKey)
			if !a.NoError(err) {
				return
			}
			a.Equal([]byte{1, 2, 3, 4}, seg2.Data()[:4])
			seg2.Data()[4] = 5
			a.Equal(byte(5), seg.Data()[4])
			a.NoError(seg2.Detach())
			a.NoError(seg2.Detach())
		})
	}
}

func TestOpenMissingSegment(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend.String(), func(t *testing.T) {
			a := assert.New(t)
			if !a.NoError(Destroy(backend, testSegmentKey+1)) {
				return
			}
			_, err := Open(backend, testSegmentKey+1)
			a.True(IsNotExist(err))
			a.NoError(Destroy(backend, testSegmentKey+1))
		})
	}
}

func TestInvalidSegmentArgs(t *testing.T) {
	a := assert.New(t)
	_, err := Create(SysV, 0, 1024, 0666)
	a.Error(err)
	_, err = Create(SysV, -5, 1024, 0666)
	a.Error(err)
	_, err = Create(Tmpfs, testSegmentKey, 0, 0666)
	a.Error(err)
	_, err = Create(Backend(7), testSegmentKey, 1024, 0666)
	a.Error(err)
	_, err = Open(Backend(7), testSegmentKey)
	a.Error(err)
	a.False(IsExist(err))
	a.True(IsNotExist(&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}))
}

func TestParseBackend(t *testing.T) {
	a := assert.New(t)
	for _, backend := range backends {
		parsed, err := ParseBackend(backend.String())
		a.NoError(err)
		a.Equal(backend, parsed)
	}
	_, err := ParseBackend("posix")
	a.Error(err)
	a.Equal("unknown", Backend(9).String())
}

func TestSegmentAttached(t *testing.T) {
	a := assert.New(t)
	key := testSegmentKey + 2
	if !a.NoError(Destroy(SysV, key)) {
		return
	}
	seg, err := Create(SysV, key, 4096, 0666)
	if !a.NoError(err) {
		return
	}
	defer seg.Detach()
	defer seg.Remove()
	n, err := seg.Attached()
	a.NoError(err)
	a.Equal(1, n)
	seg2, err := Open(SysV, key)
	if !a.NoError(err) {
		return
	}
	n, err = seg.Attached()
	a.NoError(err)
	a.Equal(2, n)
	a.NoError(seg2.Detach())
	n, err = seg.Attached()
	a.NoError(err)
	a.Equal(1, n)

	// a removed segment is still counted until the last detach.
	a.NoError(seg.Remove())
	n, err = seg.Attached()
	a.NoError(err)
	a.Equal(1, n)

	if !a.NoError(Destroy(Tmpfs, key)) {
		return
	}
	file, err := Create(Tmpfs, key, 4096, 0666)
	if !a.NoError(err) {
		return
	}
	defer file.Detach()
	defer file.Remove()
	n, err = file.Attached()
	a.NoError(err)
	a.Equal(-1, n)
}
