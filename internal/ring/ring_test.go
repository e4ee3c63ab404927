// Copyright 2016 Aleksandr Demakin. All rights reserved.

package ring

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func alignedBuffer(size int) []byte {
	backing := make([]int64, size/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), size)
}

func newTestArena(t *testing.T, size int) (*Arena, *Cursors) {
	cur := &Cursors{}
	a, err := New(alignedBuffer(size), cur)
	if err != nil {
		t.Fatal(err)
	}
	if err = a.Format(); err != nil {
		t.Fatal(err)
	}
	return a, cur
}

func TestNewArena(t *testing.T) {
	a := assert.New(t)
	cur := &Cursors{}
	_, err := New(alignedBuffer(16), cur)
	a.Error(err)
	_, err = New(alignedBuffer(64)[:60], cur)
	a.Error(err)
	_, err = New(alignedBuffer(64)[4:], cur)
	a.Error(err)
	_, err = New(alignedBuffer(64), nil)
	a.Error(err)
	arena, err := New(alignedBuffer(64), cur)
	if a.NoError(err) {
		a.Equal(int64(64), arena.Size())
	}
}

func TestSpanLen(t *testing.T) {
	a := assert.New(t)
	a.Equal(Overhead, SpanLen(0))
	a.Equal(Overhead+8, SpanLen(1))
	a.Equal(Overhead+8, SpanLen(8))
	a.Equal(Overhead+16, SpanLen(9))
}

func TestAllocAppends(t *testing.T) {
	a := assert.New(t)
	arena, cur := newTestArena(t, 1024)
	s1, err := arena.Alloc(10, 1)
	if !a.NoError(err) {
		return
	}
	a.Equal(int64(0), s1.Offset)
	a.Equal(SpanLen(10), s1.Len)
	s2, err := arena.Alloc(100, 2)
	if !a.NoError(err) {
		return
	}
	a.Equal(s1.End(), s2.Offset)
	a.Equal(s2.End(), cur.BeginAppend)
	a.Equal(int64(0), cur.InsertLen())
	a.NoError(arena.Check())

	span, err := arena.SpanAt(s2.Offset)
	if a.NoError(err) {
		a.True(span.Active)
		a.Equal(int32(2), span.Slot)
		a.Equal(s2.Len, span.Len)
	}
}

func TestBoundaryTags(t *testing.T) {
	a := assert.New(t)
	arena, _ := newTestArena(t, 512)
	s, err := arena.Alloc(33, 7)
	if !a.NoError(err) {
		return
	}
	begin := (*beginTag)(unsafe.Pointer(&arena.buf[s.Offset]))
	end := (*endTag)(unsafe.Pointer(&arena.buf[s.End()-EndTagSize]))
	a.Equal(begin.len, end.len)
	a.Equal(int32(7), begin.slot)
	a.Equal(int32(1), begin.active)
}

func TestPayload(t *testing.T) {
	a := assert.New(t)
	arena, _ := newTestArena(t, 256)
	s, err := arena.Alloc(5, 0)
	if !a.NoError(err) {
		return
	}
	p, err := arena.Payload(s.Offset, 5)
	if !a.NoError(err) {
		return
	}
	copy(p, "hello")
	p2, err := arena.Payload(s.Offset, 5)
	if a.NoError(err) {
		a.Equal("hello", string(p2))
	}
	a.Equal(5, cap(p))
	_, err = arena.Payload(s.Offset, int(s.Len))
	a.Equal(ErrCorrupt, errors.Cause(err))
	_, err = arena.Payload(s.End(), 1)
	a.Equal(ErrCorrupt, errors.Cause(err))
}

func TestFreeReusesSpan(t *testing.T) {
	a := assert.New(t)
	arena, cur := newTestArena(t, 1024)
	s1, err := arena.Alloc(40, 0)
	a.NoError(err)
	_, err = arena.Alloc(40, 1)
	a.NoError(err)
	appendBefore := cur.BeginAppend
	if !a.NoError(arena.Free(s1.Offset)) {
		return
	}
	a.Equal(s1.Offset, cur.BeginInsert)
	a.Equal(s1.End(), cur.EndInsert)
	a.Equal(appendBefore, cur.BeginAppend)
	s3, err := arena.Alloc(40, 2)
	if !a.NoError(err) {
		return
	}
	a.Equal(s1.Offset, s3.Offset)
	a.Equal(appendBefore, cur.BeginAppend)
	a.Equal(int64(0), cur.InsertLen())
	a.NoError(arena.Check())
}

func TestFreeMergesWithTail(t *testing.T) {
	a := assert.New(t)
	arena, cur := newTestArena(t, 1024)
	_, err := arena.Alloc(40, 0)
	a.NoError(err)
	s2, err := arena.Alloc(40, 1)
	a.NoError(err)
	if !a.NoError(arena.Free(s2.Offset)) {
		return
	}
	// the freed span and the free tail are the insert region now.
	a.Equal(s2.Offset, cur.BeginInsert)
	a.Equal(arena.Size(), cur.EndInsert)
	appendAfterFree := cur.BeginAppend
	big := int(arena.Size()-s2.Offset-Overhead) - 8
	s3, err := arena.Alloc(big, 2)
	if !a.NoError(err) {
		return
	}
	a.Equal(s2.Offset, s3.Offset)
	a.Equal(appendAfterFree, cur.BeginAppend)
	a.NoError(arena.Check())
}

func TestFreeCoalescesNeighbours(t *testing.T) {
	a := assert.New(t)
	arena, cur := newTestArena(t, 1024)
	var spans []Span
	for i := 0; i < 4; i++ {
		s, err := arena.Alloc(24, int32(i))
		if !a.NoError(err) {
			return
		}
		spans = append(spans, s)
	}
	a.NoError(arena.Free(spans[0].Offset))
	a.NoError(arena.Free(spans[2].Offset))
	a.NoError(arena.Free(spans[1].Offset))
	a.Equal(int64(0), cur.BeginInsert)
	a.Equal(spans[2].End(), cur.EndInsert)
	span, err := arena.SpanAt(0)
	if a.NoError(err) {
		a.False(span.Active)
		a.Equal(spans[2].End(), span.Len)
	}
	a.NoError(arena.Check())
}

func TestDoubleFree(t *testing.T) {
	a := assert.New(t)
	arena, _ := newTestArena(t, 256)
	s, err := arena.Alloc(8, 0)
	a.NoError(err)
	a.NoError(arena.Free(s.Offset))
	a.Equal(ErrCorrupt, errors.Cause(arena.Free(s.Offset)))
	a.Equal(ErrCorrupt, errors.Cause(arena.Free(s.Offset+8)))
}

func TestNoSpaceAcrossSeam(t *testing.T) {
	a := assert.New(t)
	arena, cur := newTestArena(t, 256)
	// 3 spans of 64 bytes, 64 bytes of free tail.
	var spans []Span
	for i := 0; i < 3; i++ {
		s, err := arena.Alloc(40, int32(i))
		if !a.NoError(err) {
			return
		}
		spans = append(spans, s)
	}
	a.Equal(int64(192), cur.BeginAppend)
	a.NoError(arena.Free(spans[0].Offset))
	cur.dropInsert()
	// 72 bytes need a 96 bytes span. [0, 64) and the tail [192, 256) are free,
	// but a span never crosses the seam.
	_, err := arena.Alloc(72, 3)
	a.Equal(ErrNoSpace, errors.Cause(err))
	a.Equal(int64(0), cur.BeginInsert)
	a.Equal(int64(64), cur.EndInsert)
	a.NoError(arena.Check())
}

func TestWrapAroundStartsNewSpanAtZero(t *testing.T) {
	a := assert.New(t)
	arena, cur := newTestArena(t, 256)
	var spans []Span
	for i := 0; i < 3; i++ {
		s, err := arena.Alloc(40, int32(i))
		if !a.NoError(err) {
			return
		}
		spans = append(spans, s)
	}
	a.NoError(arena.Free(spans[0].Offset))
	a.NoError(arena.Free(spans[1].Offset))
	cur.dropInsert()
	// the tail is 64 bytes, the allocation needs 88: the frontier wraps.
	s, err := arena.Alloc(64, 9)
	if !a.NoError(err) {
		return
	}
	a.Equal(int64(0), s.Offset)
	a.Equal(s.End(), cur.BeginAppend)
	tail, err := arena.SpanAt(192)
	if a.NoError(err) {
		a.False(tail.Active)
	}
	a.NoError(arena.Check())
}

func TestNoSpace(t *testing.T) {
	a := assert.New(t)
	arena, _ := newTestArena(t, 256)
	_, err := arena.Alloc(1000, 0)
	a.Equal(ErrTooLarge, errors.Cause(err))
	var spans []Span
	for i := 0; i < 4; i++ {
		s, err := arena.Alloc(40, int32(i))
		if !a.NoError(err) {
			return
		}
		spans = append(spans, s)
	}
	_, err = arena.Alloc(0, 5)
	a.Equal(ErrNoSpace, errors.Cause(err))
	// free two non-adjacent spans: 128 bytes are free, but not contiguous.
	a.NoError(arena.Free(spans[0].Offset))
	a.NoError(arena.Free(spans[2].Offset))
	_, err = arena.Alloc(100, 5)
	a.Equal(ErrNoSpace, errors.Cause(err))
	free, err := arena.FreeBytes()
	a.NoError(err)
	a.Equal(int64(128), free)
	a.NoError(arena.Check())
}

func TestCoalesceFindsLargest(t *testing.T) {
	a := assert.New(t)
	arena, cur := newTestArena(t, 512)
	var spans []Span
	for i := 0; i < 8; i++ {
		s, err := arena.Alloc(40, int32(i))
		if !a.NoError(err) {
			return
		}
		spans = append(spans, s)
	}
	a.NoError(arena.Free(spans[1].Offset))
	a.NoError(arena.Free(spans[4].Offset))
	a.NoError(arena.Free(spans[5].Offset))
	a.NoError(arena.Free(spans[6].Offset))
	a.NoError(arena.Free(spans[0].Offset))
	largest, err := arena.Coalesce()
	if !a.NoError(err) {
		return
	}
	a.Equal(int64(192), largest)
	a.Equal(spans[4].Offset, cur.BeginInsert)
	a.Equal(spans[6].End(), cur.EndInsert)
	s, err := arena.Alloc(150, 10)
	if a.NoError(err) {
		a.Equal(spans[4].Offset, s.Offset)
	}
	a.NoError(arena.Check())
}

func TestRandomOperations(t *testing.T) {
	a := assert.New(t)
	arena, _ := newTestArena(t, 4096)
	rnd := rand.New(rand.NewSource(42))
	live := make(map[int64]int32)
	var slot int32
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			for off := range live {
				if !a.NoError(arena.Free(off)) {
					return
				}
				delete(live, off)
				break
			}
		} else {
			s, err := arena.Alloc(rnd.Intn(300), slot)
			if err != nil {
				if !a.Equal(ErrNoSpace, errors.Cause(err)) {
					return
				}
				continue
			}
			_, exists := live[s.Offset]
			a.False(exists)
			live[s.Offset] = slot
			slot++
		}
		if !a.NoError(arena.Check()) {
			return
		}
	}
	active := 0
	a.NoError(arena.Walk(func(s Span) bool {
		if s.Active {
			active++
			a.Equal(live[s.Offset], s.Slot)
		}
		return true
	}))
	a.Equal(len(live), active)
}
