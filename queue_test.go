// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nxgtw/go-prodq/shm"
	ipcsync "github.com/nxgtw/go-prodq/sync"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const (
	testKeyBase = 0x50520000
)

var (
	testTypes = []ProductType{
		{Type: 1, Slots: 3, Label: "A"},
		{Type: 2, Slots: 2, Label: "B"},
	}
)

// testConfig returns a config with unique keys for the n-th test and removes leftovers.
func testConfig(t *testing.T, n int, bufSize int) Config {
	cfg := DefaultConfig(testKeyBase+2*n, testKeyBase+2*n+1)
	cfg.BufferSize = bufSize
	cfg.Types = testTypes
	cfg.Logger = NopLogger
	if !assert.NoError(t, Remove(cfg)) {
		t.FailNow()
	}
	return cfg
}

func createTestQueue(t *testing.T, cfg Config) *Queue {
	q, err := Create(cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return q
}

func TestConfigValidate(t *testing.T) {
	a := assert.New(t)
	cfg := DefaultConfig(1, 2)
	cfg.BufferSize = 1024
	cfg.Types = testTypes
	a.NoError(cfg.validate())
	bad := []func(c *Config){
		func(c *Config) { c.StatusKey = 0 },
		func(c *Config) { c.BufferKey = c.StatusKey },
		func(c *Config) { c.BufferSize = 1001 },
		func(c *Config) { c.BufferSize = 8 },
		func(c *Config) { c.Types = nil },
		func(c *Config) { c.Types = []ProductType{{Type: 1, Slots: 0}} },
		func(c *Config) { c.Types = []ProductType{{Type: 1, Slots: 1}, {Type: 1, Slots: 1}} },
		func(c *Config) { c.Types = []ProductType{{Type: 1, Slots: 1, Label: string(make([]byte, 64))}} },
		func(c *Config) { c.Types = []ProductType{{Type: 1, Slots: 1}, {Type: 1<<32 + 1, Slots: 1}} },
		func(c *Config) { c.BufferKey = 1 << 40 },
	}
	for i, modify := range bad {
		c := cfg
		modify(&c)
		a.Error(c.validate(), "case %d", i)
	}
	wide := cfg
	wide.Types = []ProductType{{Type: 1, Slots: 1}, {Type: 1<<32 + 1, Slots: 1}}
	a.Equal(ErrOutOfRange, errors.Cause(wide.validate()))
	withDefaults := (&Config{}).withDefaults()
	a.Equal(OverrideTimeout, withDefaults.OverrideTimeout)
	a.Equal(NopLogger, withDefaults.Logger)
}

func TestCreateAttachDestroy(t *testing.T) {
	for _, backend := range []shm.Backend{shm.SysV, shm.Tmpfs} {
		t.Run(backend.String(), func(t *testing.T) {
			a := assert.New(t)
			cfg := testConfig(t, 1, 1024)
			cfg.Backend = backend
			if !a.NoError(Remove(cfg)) {
				return
			}
			_, err := AttachNoWait(cfg)
			a.Equal(ErrWouldBlock, errors.Cause(err))
			a.True(IsWouldBlock(err))

			q := createTestQueue(t, cfg)
			a.True(q.Creator())
			_, err = Create(cfg)
			a.Equal(ErrExists, errors.Cause(err))

			user, err := AttachNoWait(cfg)
			if !a.NoError(err) {
				q.Destroy()
				return
			}
			a.False(user.Creator())
			stats, err := q.Stats()
			a.NoError(err)
			a.Equal(2, stats.Attached)
			a.Equal(5, stats.TotalSlots)
			a.Equal(int64(1024), stats.BufferSize)
			a.Equal(int64(1024), stats.FreeBytes)

			res, err := q.AddProduct(Product{Type: 1, Data: []byte("shared")})
			a.NoError(err)
			data, err := user.Payload(res.Key)
			a.NoError(err)
			a.Equal([]byte("shared"), data)

			a.NoError(user.Close())
			a.NoError(user.Close())
			_, err = user.Stats()
			a.Equal(ErrClosed, errors.Cause(err))

			a.NoError(q.Destroy())
			_, err = AttachNoWait(cfg)
			a.True(IsWouldBlock(err))
		})
	}
}

func TestDestroyKeepsQueueForOthers(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig(t, 2, 1024)
	q := createTestQueue(t, cfg)
	user, err := AttachNoWait(cfg)
	if !a.NoError(err) {
		q.Destroy()
		return
	}
	defer Remove(cfg)
	a.NoError(q.Destroy())
	res, err := user.AddProduct(Product{Type: 2, Data: []byte{1, 2, 3}})
	a.NoError(err)
	a.NotZero(res.Key)
	stats, err := user.Stats()
	a.NoError(err)
	a.Equal(1, stats.Attached)
	a.NoError(user.Destroy())

	// the user is not the creator, so the queue survives.
	again, err := AttachNoWait(cfg)
	if a.NoError(err) {
		a.NoError(again.Close())
	}
}

type recordLogger struct {
	mut  sync.Mutex
	msgs []string
}

func (l *recordLogger) Printf(format string, args ...interface{}) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, args...))
}

func TestDestroyRemovesUnderLock(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig(t, 8, 1024)
	logger := &recordLogger{}
	cfg.Logger = logger
	q := createTestQueue(t, cfg)
	user, err := AttachNoWait(cfg)
	if !a.NoError(err) {
		q.Destroy()
		return
	}
	a.NoError(user.Close())
	a.NoError(q.Destroy())
	a.Empty(logger.msgs)

	_, err = shm.Open(cfg.Backend, cfg.StatusKey)
	a.True(shm.IsNotExist(err))
	_, err = shm.Open(cfg.Backend, cfg.BufferKey)
	a.True(shm.IsNotExist(err))
	for _, key := range []int{cfg.StatusKey, cfg.BufferKey} {
		_, err = ipcsync.NewSemaphoreKey(key, 0, 0666, 0)
		a.True(os.IsNotExist(errors.Cause(err)))
	}
	a.NoError(q.Destroy())
	_, err = q.Stats()
	a.Equal(ErrClosed, errors.Cause(err))
}

func TestAttachWaitsForCreate(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig(t, 3, 1024)
	cfg.AttachPoll = 10 * time.Millisecond
	type result struct {
		q   *Queue
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		q, err := Attach(ctx, cfg)
		ch <- result{q, err}
	}()
	time.Sleep(100 * time.Millisecond)
	q := createTestQueue(t, cfg)
	defer q.Destroy()
	select {
	case res := <-ch:
		if a.NoError(res.err) {
			a.NoError(res.q.Close())
		}
	case <-time.After(10 * time.Second):
		a.Fail("attach did not return")
	}
}

func TestAttachCancel(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig(t, 4, 1024)
	cfg.AttachPoll = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	q, err := Attach(ctx, cfg)
	a.Nil(q)
	a.Equal(context.DeadlineExceeded, err)
}

func TestAttachKeyMismatch(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig(t, 5, 1024)
	other := testConfig(t, 6, 1024)
	q := createTestQueue(t, cfg)
	defer q.Destroy()
	second := createTestQueue(t, other)
	defer second.Destroy()
	mixed := cfg
	mixed.BufferKey = other.BufferKey
	_, err := AttachNoWait(mixed)
	a.Equal(ErrKeyMismatch, errors.Cause(err))
}

func TestLockOverride(t *testing.T) {
	a := assert.New(t)
	cfg := testConfig(t, 7, 1024)
	cfg.OverrideTimeout = 100 * time.Millisecond
	q := createTestQueue(t, cfg)
	defer q.Destroy()
	if _, err := q.AddProduct(Product{Type: 1, Data: []byte{1}}); !a.NoError(err) {
		return
	}
	// a holder, which dies with the status lock taken.
	dead := ipcsync.NewRegionLock(q.statusSem, "status", 0, nil)
	if !a.NoError(dead.Acquire()) {
		return
	}
	start := time.Now()
	res, err := q.AddProduct(Product{Type: 1, Data: []byte{2}})
	elapsed := time.Since(start)
	a.NoError(err)
	a.NotZero(res.Key)
	a.True(elapsed >= 90*time.Millisecond)
	a.True(elapsed < cfg.OverrideTimeout+2*time.Second)
	a.Equal(1, q.LockOverrides())
	a.NoError(q.Verify())
	infos, err := q.FindByType(1)
	a.NoError(err)
	a.Len(infos, 2)
}
