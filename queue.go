// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nxgtw/go-prodq/internal/ring"
	"github.com/nxgtw/go-prodq/shm"
	ipcsync "github.com/nxgtw/go-prodq/sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
)

const (
	attachBackoffAttempts = 16
)

// Queue is a process-local handle of a product queue.
// It is safe for concurrent use by multiple goroutines.
type Queue struct {
	mut        sync.Mutex
	cfg        Config
	creator    bool
	closed     atomix.Bool
	status     shm.Segment
	buffer     shm.Segment
	statusSem  *ipcsync.Semaphore
	bufferSem  *ipcsync.Semaphore
	statusLock *ipcsync.RegionLock
	bufferLock *ipcsync.RegionLock
	view       *statusView
	arena      *ring.Arena
	logger     Logger
}

// Create creates a new queue. It fails with ErrExists, if any of the queue segments exists.
// The caller becomes the creator of the queue.
func Create(cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid queue config")
	}
	q := &Queue{cfg: cfg, creator: true, logger: cfg.Logger}
	if err := q.create(); err != nil {
		q.cleanup()
		return nil, err
	}
	return q, nil
}

func (q *Queue) create() error {
	var err error
	cfg := q.cfg
	size := statusSize(len(cfg.Types), totalSlots(cfg.Types))
	if q.status, err = shm.Create(cfg.Backend, cfg.StatusKey, size, cfg.Perm); err != nil {
		return createError(err, "status segment")
	}
	if q.buffer, err = shm.Create(cfg.Backend, cfg.BufferKey, cfg.BufferSize, cfg.Perm); err != nil {
		return createError(err, "buffer segment")
	}
	// semaphores are created locked, so nobody can touch the queue before it is formatted.
	if q.statusSem, err = ipcsync.NewSemaphoreKey(cfg.StatusKey, os.O_CREATE|os.O_EXCL, cfg.Perm, 0); err != nil {
		return createError(err, "status semaphore")
	}
	if q.bufferSem, err = ipcsync.NewSemaphoreKey(cfg.BufferKey, os.O_CREATE|os.O_EXCL, cfg.Perm, 0); err != nil {
		return createError(err, "buffer semaphore")
	}
	if q.view, err = formatStatus(q.status.Data(), cfg.Types, int64(cfg.BufferSize), cfg.BufferKey); err != nil {
		return err
	}
	if q.arena, err = ring.New(q.buffer.Data()[:cfg.BufferSize], &q.view.hdr.cursors); err != nil {
		return errors.Wrap(err, "failed to map the buffer")
	}
	if err = q.arena.Format(); err != nil {
		return errors.Wrap(err, "failed to format the buffer")
	}
	q.view.hdr.attached = 1
	q.view.publish()
	q.initLocks()
	if err = q.statusSem.SetValue(1); err != nil {
		return errors.Wrap(err, "failed to unlock status semaphore")
	}
	if err = q.bufferSem.SetValue(1); err != nil {
		return errors.Wrap(err, "failed to unlock buffer semaphore")
	}
	return nil
}

func createError(err error, what string) error {
	if os.IsExist(errors.Cause(err)) {
		return errors.Wrap(ErrExists, what)
	}
	return errors.Wrapf(err, "failed to create %s", what)
}

// cleanup removes everything a failed Create has made.
func (q *Queue) cleanup() {
	for _, seg := range []shm.Segment{q.status, q.buffer} {
		if seg != nil {
			seg.Remove()
			seg.Detach()
		}
	}
	for _, sem := range []*ipcsync.Semaphore{q.statusSem, q.bufferSem} {
		if sem != nil {
			sem.Destroy()
		}
	}
}

// AttachNoWait attaches to an existing queue.
// It returns ErrWouldBlock, if the queue has not been created yet.
func AttachNoWait(cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validateKeys(); err != nil {
		return nil, errors.Wrap(err, "invalid queue config")
	}
	q := &Queue{cfg: cfg, logger: cfg.Logger}
	if err := q.attach(); err != nil {
		q.detachSegments()
		return nil, err
	}
	return q, nil
}

// Attach attaches to a queue waiting for it to be created.
// It returns, when ctx is done, or if an error other than ErrWouldBlock occurs.
func Attach(ctx context.Context, cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	var backoff iox.Backoff
	for attempt := 0; ; attempt++ {
		q, err := AttachNoWait(cfg)
		if !IsWouldBlock(err) {
			return q, err
		}
		if attempt < attachBackoffAttempts {
			backoff.Wait()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.AttachPoll):
		}
	}
}

func (q *Queue) attach() error {
	var err error
	cfg := q.cfg
	if q.status, err = shm.Open(cfg.Backend, cfg.StatusKey); err != nil {
		return attachError(err, "status segment")
	}
	if q.buffer, err = shm.Open(cfg.Backend, cfg.BufferKey); err != nil {
		return attachError(err, "buffer segment")
	}
	if q.statusSem, err = ipcsync.NewSemaphoreKey(cfg.StatusKey, 0, cfg.Perm, 0); err != nil {
		return attachError(err, "status semaphore")
	}
	if q.bufferSem, err = ipcsync.NewSemaphoreKey(cfg.BufferKey, 0, cfg.Perm, 0); err != nil {
		return attachError(err, "buffer semaphore")
	}
	if q.view, err = openStatus(q.status.Data()); err != nil {
		return err
	}
	hdr := q.view.hdr
	if int(hdr.bufferKey) != cfg.BufferKey {
		return errors.Wrapf(ErrKeyMismatch, "queue buffer key is %d, not %d", hdr.bufferKey, cfg.BufferKey)
	}
	if int64(q.buffer.Size()) < hdr.bufSize {
		return errors.Wrapf(ErrKeyMismatch, "buffer segment is smaller, than %d", hdr.bufSize)
	}
	if q.arena, err = ring.New(q.buffer.Data()[:hdr.bufSize], &hdr.cursors); err != nil {
		return errors.Wrap(err, "failed to map the buffer")
	}
	q.initLocks()
	err = q.locked(func() error {
		// the creator may have destroyed the queue after the segments were opened.
		if atomic.LoadUint32(&q.view.hdr.magic) != layoutMagic {
			return ErrWouldBlock
		}
		q.view.hdr.attached++
		return nil
	})
	if ipcsync.IsRemoved(err) {
		return ErrWouldBlock
	}
	return err
}

func attachError(err error, what string) error {
	if os.IsNotExist(errors.Cause(err)) {
		return ErrWouldBlock
	}
	return errors.Wrapf(err, "failed to open %s", what)
}

func (q *Queue) initLocks() {
	q.statusLock = ipcsync.NewRegionLock(q.statusSem, "status", q.cfg.OverrideTimeout, q.logger)
	q.bufferLock = ipcsync.NewRegionLock(q.bufferSem, "buffer", q.cfg.OverrideTimeout, q.logger)
}

// Creator returns true, if the queue was created with this handle.
func (q *Queue) Creator() bool {
	return q.creator
}

// Close detaches from the queue. The queue stays alive.
func (q *Queue) Close() error {
	return q.detach(func() error {
		q.view.hdr.attached--
		return nil
	})
}

// Destroy detaches from the queue. If the handle is the creator, and no other
// handles are attached, it also removes the queue segments and semaphores.
func (q *Queue) Destroy() error {
	if !q.creator {
		return q.Close()
	}
	return q.detach(q.destroy)
}

// destroy is called with both locks held, so nobody can attach, while
// the queue is being removed.
func (q *Queue) destroy() error {
	handles, err := q.handles()
	if err != nil {
		return err
	}
	q.view.hdr.attached--
	if handles > 1 {
		return nil
	}
	q.view.unpublish()
	return Remove(q.cfg)
}

// handles returns the number of handles attached to the queue, this one included.
// For sysv segments the kernel count is used, as it does not include crashed processes.
func (q *Queue) handles() (int, error) {
	n, err := q.status.Attached()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get the number of attached handles")
	}
	if n < 0 {
		return int(q.view.hdr.attached), nil
	}
	return n, nil
}

func (q *Queue) detach(fn func() error) error {
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.closed.Load() {
		return nil
	}
	err := q.locked(fn)
	q.closed.Store(true)
	if detachErr := q.detachSegments(); err == nil {
		err = detachErr
	}
	return err
}

func (q *Queue) detachSegments() error {
	var result error
	for _, seg := range []shm.Segment{q.status, q.buffer} {
		if seg == nil {
			continue
		}
		if err := seg.Detach(); err != nil && result == nil {
			result = errors.Wrap(err, "failed to detach segment")
		}
	}
	return result
}

// Remove removes the queue segments and semaphores for the keys in cfg.
// It can be used to clean up after a crashed creator. Missing objects are ignored.
func Remove(cfg Config) error {
	if err := cfg.validateKeys(); err != nil {
		return err
	}
	var result error
	keep := func(err error) {
		if err != nil && result == nil {
			result = err
		}
	}
	keep(shm.Destroy(cfg.Backend, cfg.StatusKey))
	keep(shm.Destroy(cfg.Backend, cfg.BufferKey))
	keep(ipcsync.DestroySemaphoreKey(cfg.StatusKey))
	keep(ipcsync.DestroySemaphoreKey(cfg.BufferKey))
	return result
}

// transact runs fn holding both queue locks.
func (q *Queue) transact(fn func() error) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.closed.Load() {
		return ErrClosed
	}
	return q.locked(fn)
}

// locked must be called with q.mut held. Locks are always taken status first.
func (q *Queue) locked(fn func() error) error {
	if err := q.statusLock.Acquire(); err != nil {
		return err
	}
	defer q.release(q.statusLock)
	if err := q.bufferLock.Acquire(); err != nil {
		return err
	}
	defer q.release(q.bufferLock)
	return fn()
}

func (q *Queue) release(l *ipcsync.RegionLock) {
	if err := l.Release(); err != nil {
		q.logger.Printf("%v", err)
	}
}

// LockOverrides returns the number of stale locks this handle has overridden.
func (q *Queue) LockOverrides() int {
	return q.statusLock.Overrides() + q.bufferLock.Overrides()
}
