// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package ring implements a boundary-tag allocator over a circular byte arena.
//
// The arena is always tiled by spans. Every span starts with a begin tag
// (active flag, owner slot, span length) and ends with an end tag (span length),
// so it is possible to walk the arena forward and backward and to coalesce
// neighbouring free spans without a separate free list.
//
// Two free extents are tracked by cursors, which are kept outside of the arena:
//	insert region [BeginInsert, EndInsert) - the last reclaimed free span, used first.
//	append region - the free span starting at BeginAppend, the write frontier.
// The frontier wraps to the beginning of the arena, when the span at the frontier
// runs to the physical end of the arena and can't hold the allocation.
package ring

import (
	"unsafe"

	"github.com/nxgtw/go-prodq/internal/allocator"

	"github.com/pkg/errors"
)

const (
	// Align is the alignment of every span.
	Align = 8
	// BeginTagSize is the size of the tag placed before the payload.
	BeginTagSize = int64(unsafe.Sizeof(beginTag{}))
	// EndTagSize is the size of the tag placed after the payload.
	EndTagSize = int64(unsafe.Sizeof(endTag{}))
	// Overhead is the number of bytes spent on tags for every span.
	Overhead = BeginTagSize + EndTagSize
	// MinSpan is the size of the smallest possible span.
	MinSpan = Overhead

	noSlot = -1
)

var (
	// ErrNoSpace is returned, if there is no contiguous free span for the allocation.
	ErrNoSpace = errors.New("no contiguous free space in the buffer")
	// ErrTooLarge is returned, if the allocation can't fit even into an empty buffer.
	ErrTooLarge = errors.New("allocation is larger than the buffer")
	// ErrCorrupt is returned, if the tags are inconsistent.
	ErrCorrupt = errors.New("buffer tags are corrupted")
)

type beginTag struct {
	active int32
	slot   int32
	len    int64
}

type endTag struct {
	len int64
}

// Cursors describes free extents of the arena.
// It is a plain value, so it can be placed into shared memory.
type Cursors struct {
	BeginInsert int64
	EndInsert   int64
	BeginAppend int64
}

// InsertLen returns the size of the insert region.
func (c *Cursors) InsertLen() int64 {
	return c.EndInsert - c.BeginInsert
}

func (c *Cursors) dropInsert() {
	c.BeginInsert, c.EndInsert = 0, 0
}

// Span describes one tagged span of the arena.
type Span struct {
	Offset int64
	Len    int64
	Slot   int32
	Active bool
}

// End returns the offset right after the span.
func (s Span) End() int64 {
	return s.Offset + s.Len
}

// Allocator is the minimal interface of a span allocator.
type Allocator interface {
	Alloc(n int, slot int32) (Span, error)
	Free(offset int64) error
	Coalesce() (int64, error)
}

var (
	_ Allocator = (*Arena)(nil)
)

// Arena is a boundary-tag allocator over buf. Cursors are owned by the caller.
type Arena struct {
	buf  []byte
	size int64
	cur  *Cursors
}

// SpanLen returns the size of the span needed to store n bytes of payload.
func SpanLen(n int) int64 {
	return Overhead + alignUp(int64(n))
}

func alignUp(n int64) int64 {
	return (n + Align - 1) &^ (Align - 1)
}

// New binds buf and cursors into an arena. It does not modify the buffer.
func New(buf []byte, cur *Cursors) (*Arena, error) {
	size := int64(len(buf))
	if size < MinSpan || size%Align != 0 {
		return nil, errors.Errorf("invalid arena size %d", size)
	}
	if uintptr(allocator.ByteSliceData(buf))%Align != 0 {
		return nil, errors.New("arena memory is not aligned")
	}
	if cur == nil {
		return nil, errors.New("nil cursors")
	}
	return &Arena{buf: buf, size: size, cur: cur}, nil
}

// Size returns the size of the arena.
func (a *Arena) Size() int64 {
	return a.size
}

// Format makes the whole arena one free span and resets the cursors.
func (a *Arena) Format() error {
	a.cur.dropInsert()
	a.cur.BeginAppend = 0
	return a.writeSpan(0, a.size, false, noSlot)
}

// Alloc reserves a span for n bytes of payload and tags it with the owner slot.
func (a *Arena) Alloc(n int, slot int32) (Span, error) {
	if n < 0 {
		return Span{}, errors.Errorf("invalid allocation size %d", n)
	}
	need := SpanLen(n)
	if need > a.size {
		return Span{}, ErrTooLarge
	}
	if span, ok, err := a.allocInsert(need, slot); ok || err != nil {
		return span, err
	}
	if span, ok, err := a.allocAppend(need, slot); ok || err != nil {
		return span, err
	}
	largest, err := a.Coalesce()
	if err != nil {
		return Span{}, err
	}
	if largest < need {
		return Span{}, ErrNoSpace
	}
	span, _, err := a.allocInsert(need, slot)
	return span, err
}

func (a *Arena) allocInsert(need int64, slot int32) (Span, bool, error) {
	if a.cur.InsertLen() < need {
		return Span{}, false, nil
	}
	free, err := a.spanAt(a.cur.BeginInsert)
	if err != nil || free.Active || free.End() != a.cur.EndInsert {
		// the region is stale. forget it, Coalesce will find the space again.
		a.cur.dropInsert()
		return Span{}, false, nil
	}
	span, err := a.carve(free, need, slot)
	if err != nil {
		return Span{}, false, err
	}
	a.cur.BeginInsert = span.End()
	if a.cur.BeginInsert == a.cur.EndInsert {
		a.cur.dropInsert()
	}
	return span, true, nil
}

func (a *Arena) allocAppend(need int64, slot int32) (Span, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if a.cur.BeginAppend >= a.size {
			a.cur.BeginAppend = 0
		}
		frontier, err := a.spanAt(a.cur.BeginAppend)
		if err != nil {
			return Span{}, false, err
		}
		if frontier.Active {
			return Span{}, false, nil
		}
		if a.cur.InsertLen() > 0 && frontier.Offset == a.cur.BeginInsert {
			// wrapped onto the insert region, it becomes the frontier.
			a.cur.dropInsert()
		}
		if frontier, err = a.absorbForward(frontier); err != nil {
			return Span{}, false, err
		}
		if frontier.Len >= need {
			span, err := a.carve(frontier, need, slot)
			if err != nil {
				return Span{}, false, err
			}
			a.cur.BeginAppend = span.End()
			return span, true, nil
		}
		if frontier.End() != a.size || frontier.Offset == 0 {
			return Span{}, false, nil
		}
		// the allocation can't span the seam, wrap the frontier.
		a.cur.BeginAppend = a.size
	}
	return Span{}, false, nil
}

// absorbForward merges all the free spans following the given free span into it.
func (a *Arena) absorbForward(free Span) (Span, error) {
	end := free.End()
	for end < a.size {
		next, err := a.spanAt(end)
		if err != nil {
			return Span{}, err
		}
		if next.Active {
			break
		}
		if a.cur.InsertLen() > 0 && next.Offset == a.cur.BeginInsert {
			a.cur.dropInsert()
		}
		end = next.End()
	}
	if end != free.End() {
		free.Len = end - free.Offset
		if err := a.writeSpan(free.Offset, free.Len, false, noSlot); err != nil {
			return Span{}, err
		}
	}
	return free, nil
}

// carve places an active span of need bytes at the beginning of a free span.
// If the rest is too small to hold a span, the whole free span is used.
func (a *Arena) carve(free Span, need int64, slot int32) (Span, error) {
	used := need
	if free.Len-need < MinSpan {
		used = free.Len
	}
	if err := a.writeSpan(free.Offset, used, true, slot); err != nil {
		return Span{}, err
	}
	if used < free.Len {
		if err := a.writeSpan(free.Offset+used, free.Len-used, false, noSlot); err != nil {
			return Span{}, err
		}
	}
	return Span{Offset: free.Offset, Len: used, Slot: slot, Active: true}, nil
}

// Free releases an active span and merges it with its free neighbours.
// The merged span becomes the insert region.
func (a *Arena) Free(offset int64) error {
	span, err := a.spanAt(offset)
	if err != nil {
		return err
	}
	if !span.Active {
		return errors.Wrapf(ErrCorrupt, "span at %d is already free", offset)
	}
	start, end := span.Offset, span.End()
	for end < a.size {
		next, err := a.spanAt(end)
		if err != nil {
			return err
		}
		if next.Active {
			break
		}
		end = next.End()
	}
	for start > 0 {
		prev, err := a.spanBefore(start)
		if err != nil {
			return err
		}
		if prev.Active {
			break
		}
		start = prev.Offset
	}
	if err := a.writeSpan(start, end-start, false, noSlot); err != nil {
		return err
	}
	a.cur.BeginInsert, a.cur.EndInsert = start, end
	if a.cur.BeginAppend >= start && a.cur.BeginAppend < end {
		a.cur.BeginAppend = end
	}
	return nil
}

// Coalesce merges all adjacent free spans and makes the largest free span the insert region.
// It returns the size of that span.
func (a *Arena) Coalesce() (int64, error) {
	var largest Span
	var off int64
	for off < a.size {
		span, err := a.spanAt(off)
		if err != nil {
			return 0, err
		}
		if !span.Active {
			end := span.End()
			for end < a.size {
				next, err := a.spanAt(end)
				if err != nil {
					return 0, err
				}
				if next.Active {
					break
				}
				end = next.End()
			}
			if end != span.End() {
				if a.cur.BeginAppend > span.Offset && a.cur.BeginAppend < end {
					a.cur.BeginAppend = span.Offset
				}
				span.Len = end - span.Offset
				if err = a.writeSpan(span.Offset, span.Len, false, noSlot); err != nil {
					return 0, err
				}
			}
			if span.Len > largest.Len {
				largest = span
			}
		}
		off = span.End()
	}
	if largest.Len == 0 {
		a.cur.dropInsert()
		return 0, nil
	}
	a.cur.BeginInsert, a.cur.EndInsert = largest.Offset, largest.End()
	if a.cur.BeginAppend >= largest.Offset && a.cur.BeginAppend < largest.End() {
		a.cur.BeginAppend = largest.End()
	}
	return largest.Len, nil
}

// Payload returns n payload bytes of the active span at offset.
// The returned slice references the arena memory.
func (a *Arena) Payload(offset int64, n int) ([]byte, error) {
	span, err := a.spanAt(offset)
	if err != nil {
		return nil, err
	}
	if !span.Active {
		return nil, errors.Wrapf(ErrCorrupt, "span at %d is not active", offset)
	}
	if n < 0 || int64(n) > span.Len-Overhead {
		return nil, errors.Wrapf(ErrCorrupt, "payload of %d bytes does not fit span of %d bytes", n, span.Len)
	}
	from := offset + BeginTagSize
	return a.buf[from : from+int64(n) : from+int64(n)], nil
}

// SpanAt returns a span starting at offset.
func (a *Arena) SpanAt(offset int64) (Span, error) {
	return a.spanAt(offset)
}

// Walk calls fn for every span from the beginning of the arena, until fn returns false.
func (a *Arena) Walk(fn func(Span) bool) error {
	var off int64
	for off < a.size {
		span, err := a.spanAt(off)
		if err != nil {
			return err
		}
		if !fn(span) {
			return nil
		}
		off = span.End()
	}
	return nil
}

// FreeBytes returns the total size of all free spans, including tags.
func (a *Arena) FreeBytes() (int64, error) {
	var total int64
	err := a.Walk(func(s Span) bool {
		if !s.Active {
			total += s.Len
		}
		return true
	})
	return total, err
}

// Check verifies, that the arena is tiled by consistent spans and the cursors point to span boundaries.
func (a *Arena) Check() error {
	boundaries := make(map[int64]Span)
	var off int64
	for off < a.size {
		span, err := a.spanAt(off)
		if err != nil {
			return err
		}
		boundaries[off] = span
		off = span.End()
	}
	if off != a.size {
		return errors.Wrapf(ErrCorrupt, "spans end at %d, arena size is %d", off, a.size)
	}
	if a.cur.InsertLen() < 0 {
		return errors.Wrapf(ErrCorrupt, "insert region [%d, %d) is reversed", a.cur.BeginInsert, a.cur.EndInsert)
	}
	if a.cur.InsertLen() > 0 {
		span, ok := boundaries[a.cur.BeginInsert]
		if !ok || span.Active || span.End() != a.cur.EndInsert {
			return errors.Wrapf(ErrCorrupt, "insert region [%d, %d) is not a free span", a.cur.BeginInsert, a.cur.EndInsert)
		}
		if a.cur.BeginAppend >= a.cur.BeginInsert && a.cur.BeginAppend < a.cur.EndInsert {
			return errors.Wrapf(ErrCorrupt, "append cursor %d is inside the insert region", a.cur.BeginAppend)
		}
	}
	if _, ok := boundaries[a.cur.BeginAppend]; !ok && a.cur.BeginAppend != a.size {
		return errors.Wrapf(ErrCorrupt, "append cursor %d is not at a span boundary", a.cur.BeginAppend)
	}
	return nil
}

func (a *Arena) spanAt(offset int64) (Span, error) {
	if offset < 0 || offset%Align != 0 || offset+MinSpan > a.size {
		return Span{}, errors.Wrapf(ErrCorrupt, "invalid span offset %d", offset)
	}
	begin, err := allocator.ObjectAt[beginTag](a.buf, int(offset))
	if err != nil {
		return Span{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	if begin.len < MinSpan || begin.len%Align != 0 || offset+begin.len > a.size {
		return Span{}, errors.Wrapf(ErrCorrupt, "invalid length %d of span at %d", begin.len, offset)
	}
	end, err := allocator.ObjectAt[endTag](a.buf, int(offset+begin.len-EndTagSize))
	if err != nil {
		return Span{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	if end.len != begin.len {
		return Span{}, errors.Wrapf(ErrCorrupt, "span at %d: begin tag length %d, end tag length %d", offset, begin.len, end.len)
	}
	return Span{Offset: offset, Len: begin.len, Slot: begin.slot, Active: begin.active != 0}, nil
}

func (a *Arena) spanBefore(offset int64) (Span, error) {
	end, err := allocator.ObjectAt[endTag](a.buf, int(offset-EndTagSize))
	if err != nil {
		return Span{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	return a.spanAt(offset - end.len)
}

func (a *Arena) writeSpan(offset, length int64, active bool, slot int32) error {
	begin, err := allocator.ObjectAt[beginTag](a.buf, int(offset))
	if err != nil {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	end, err := allocator.ObjectAt[endTag](a.buf, int(offset+length-EndTagSize))
	if err != nil {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	begin.active = 0
	if active {
		begin.active = 1
	}
	begin.slot = slot
	begin.len = length
	end.len = length
	return nil
}
