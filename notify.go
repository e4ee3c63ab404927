// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"sync/atomic"
	"time"
)

// Time negotiation.
//
// A consumer requests data as of some time by setting the display time
// (or the display data time, if UseDisplayDataTime is set). The zero time.Time requests realtime data.
// A producer, having satisfied the request, sets the data time to the same value.
// DataCurrent reports, whether the last request has been satisfied.

// IsRealtime returns true, if t is the realtime request.
func IsRealtime(t time.Time) bool {
	return t.IsZero()
}

// CheckServerUpdate returns true, if products have changed since the last call,
// and clears the flag.
func (q *Queue) CheckServerUpdate() (bool, error) {
	return q.pollFlag(&q.view.hdr.serverUpdate)
}

// CheckDisplayUpdate returns true, if display settings or requested times have changed
// since the last call, and clears the flag.
func (q *Queue) CheckDisplayUpdate() (bool, error) {
	return q.pollFlag(&q.view.hdr.displayUpdate)
}

func (q *Queue) pollFlag(flag *int32) (bool, error) {
	var result bool
	err := q.transact(func() error {
		result = atomic.SwapInt32(flag, 0) != 0
		return nil
	})
	return result, err
}

// PeekServerUpdate returns the product update flag without taking the queue locks and clearing it.
// It is only a hint, whether it is worth calling CheckServerUpdate.
func (q *Queue) PeekServerUpdate() bool {
	return q.peekFlag(func() *int32 { return &q.view.hdr.serverUpdate })
}

// PeekDisplayUpdate returns the display update flag without taking the queue locks and clearing it.
func (q *Queue) PeekDisplayUpdate() bool {
	return q.peekFlag(func() *int32 { return &q.view.hdr.displayUpdate })
}

// peekFlag holds q.mut only, so Close can't unmap the segment during the read.
func (q *Queue) peekFlag(flag func() *int32) bool {
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.closed.Load() {
		return false
	}
	return atomic.LoadInt32(flag()) != 0
}

func (q *Queue) loadTime(field *int64) (time.Time, error) {
	var result time.Time
	err := q.transact(func() error {
		result = timeFromShared(*field)
		return nil
	})
	return result, err
}

func (q *Queue) storeTime(field *int64, t time.Time, server bool) error {
	return q.transact(func() error {
		*field = timeToShared(t)
		if server {
			q.view.setServerUpdate()
		} else {
			q.view.setDisplayUpdate()
		}
		return nil
	})
}

// DisplayTime returns the time requested by a consumer.
func (q *Queue) DisplayTime() (time.Time, error) {
	return q.loadTime(&q.view.hdr.displayTime)
}

// SetDisplayTime requests data as of t. It raises the display update flag.
func (q *Queue) SetDisplayTime(t time.Time) error {
	return q.storeTime(&q.view.hdr.displayTime, t, false)
}

// DisplayDataTime returns the data time requested by a consumer.
func (q *Queue) DisplayDataTime() (time.Time, error) {
	return q.loadTime(&q.view.hdr.displayDataTime)
}

// SetDisplayDataTime requests data with the data time t. It raises the display update flag.
func (q *Queue) SetDisplayDataTime(t time.Time) error {
	return q.storeTime(&q.view.hdr.displayDataTime, t, false)
}

// DataTime returns the time of the data, which the producer has provided.
func (q *Queue) DataTime() (time.Time, error) {
	return q.loadTime(&q.view.hdr.dataTime)
}

// SetDataTime is called by a producer, when it has satisfied a request. It raises the server update flag.
func (q *Queue) SetDataTime(t time.Time) error {
	return q.storeTime(&q.view.hdr.dataTime, t, true)
}

// UseDisplayDataTime returns true, if requests are made with the display data time.
func (q *Queue) UseDisplayDataTime() (bool, error) {
	var result bool
	err := q.transact(func() error {
		result = q.view.hdr.useDisplayDataTime != 0
		return nil
	})
	return result, err
}

// SetUseDisplayDataTime selects, which of the display times is the request.
func (q *Queue) SetUseDisplayDataTime(use bool) error {
	return q.transact(func() error {
		q.view.hdr.useDisplayDataTime = boolToInt32(use)
		q.view.setDisplayUpdate()
		return nil
	})
}

// DataCurrent returns true, if the producer has satisfied the last time request.
func (q *Queue) DataCurrent() (bool, error) {
	var result bool
	err := q.transact(func() error {
		hdr := q.view.hdr
		requested := hdr.displayTime
		if hdr.useDisplayDataTime != 0 {
			requested = hdr.displayDataTime
		}
		result = requested == hdr.dataTime
		return nil
	})
	return result, err
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
