// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/nxgtw/go-prodq/internal/allocator"
	"github.com/nxgtw/go-prodq/internal/ring"

	"github.com/pkg/errors"
)

const (
	layoutMagic   = 0x50524f51 // "PROQ"
	layoutVersion = 1

	// MaxInstanceKey is the largest instance key. Keys wrap to 1 after it.
	MaxInstanceKey = 1<<31 - 1

	maxSlots = 1 << 20

	labelSize = MaxLabelLen + 1
	noSlot    = -1

	// unsetTime is stored in time fields for the zero time.Time.
	// It is out of the range of UnixNano, so every real time is distinct from it.
	// In request times it means realtime.
	unsetTime = math.MinInt64

	headerSize = int(unsafe.Sizeof(header{}))
	descSize   = int(unsafe.Sizeof(prodDesc{}))
	slotSize   = int(unsafe.Sizeof(slot{}))
)

// header is the beginning of the status segment.
// Its layout is shared by all processes, it must not contain any references.
type header struct {
	magic              uint32
	version            uint32
	serverUpdate       int32
	displayUpdate      int32
	totalSlots         int32
	numProds           int32
	slotOffset         int64
	bufSize            int64
	bufferKey          int32
	attached           int32
	useDisplayDataTime int32
	mapFlag            int32
	displayTime        int64
	displayDataTime    int64
	dataTime           int64
	nextKey            int64
	nextSeq            int64
	cursors            ring.Cursors
}

// prodDesc describes a product type partition. latest and oldest are relative
// to beginSlot, noSlot means, that the partition is empty.
type prodDesc struct {
	typ       int32
	display   int32
	numSlots  int32
	beginSlot int32
	latest    int32
	oldest    int32
	label     [labelSize]byte
}

// slot is one product instance record.
type slot struct {
	active       int32
	expired      int32
	display      int32
	prodIndex    int32
	instanceKey  int32
	subtype      int32
	generateTime int64
	receivedTime int64
	startTime    int64
	expireTime   int64
	offset       int64
	spanLen      int64
	dataLen      int64
	seq          int64
}

// statusView is a typed view of the status segment.
type statusView struct {
	hdr   *header
	prods []prodDesc
	slots []slot
}

func alignUp(n int) int {
	return (n + ring.Align - 1) &^ (ring.Align - 1)
}

func slotTableOffset(numProds int) int {
	return alignUp(headerSize + numProds*descSize)
}

func statusSize(numProds, totalSlots int) int {
	return slotTableOffset(numProds) + totalSlots*slotSize
}

func totalSlots(types []ProductType) int {
	var total int
	for _, pt := range types {
		total += pt.Slots
	}
	return total
}

// formatStatus initializes the status segment for the given types.
// The magic is published last, by the caller.
func formatStatus(data []byte, types []ProductType, bufSize int64, bufferKey int) (*statusView, error) {
	total := totalSlots(types)
	if len(data) < statusSize(len(types), total) {
		return nil, errors.Errorf("status segment is too small: %d bytes", len(data))
	}
	hdr, err := allocator.ObjectAt[header](data, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map the header")
	}
	*hdr = header{
		version:         layoutVersion,
		totalSlots:      int32(total),
		numProds:        int32(len(types)),
		slotOffset:      int64(slotTableOffset(len(types))),
		bufSize:         bufSize,
		bufferKey:       int32(bufferKey),
		displayTime:     unsetTime,
		displayDataTime: unsetTime,
		dataTime:        unsetTime,
		nextKey:         1,
	}
	view, err := mapStatus(data, hdr)
	if err != nil {
		return nil, err
	}
	begin := 0
	for i, pt := range types {
		desc := &view.prods[i]
		*desc = prodDesc{
			typ:       int32(pt.Type),
			display:   1,
			numSlots:  int32(pt.Slots),
			beginSlot: int32(begin),
			latest:    noSlot,
			oldest:    noSlot,
		}
		copy(desc.label[:MaxLabelLen], pt.Label)
		for j := begin; j < begin+pt.Slots; j++ {
			view.slots[j] = slot{prodIndex: int32(i)}
		}
		begin += pt.Slots
	}
	return view, nil
}

// openStatus maps an existing status segment.
// It returns ErrWouldBlock, if the segment has not been initialized yet.
func openStatus(data []byte) (*statusView, error) {
	hdr, err := allocator.ObjectAt[header](data, 0)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	switch atomic.LoadUint32(&hdr.magic) {
	case 0:
		return nil, ErrWouldBlock
	case layoutMagic:
	default:
		return nil, errors.Wrap(ErrKeyMismatch, "status segment is not a product queue")
	}
	if hdr.version != layoutVersion {
		return nil, errors.Errorf("unsupported queue layout version %d", hdr.version)
	}
	return mapStatus(data, hdr)
}

func mapStatus(data []byte, hdr *header) (*statusView, error) {
	numProds, total := int(hdr.numProds), int(hdr.totalSlots)
	if numProds <= 0 || numProds > MaxTypes || total < 0 || total > maxSlots {
		return nil, errors.Wrapf(ErrCorrupt, "invalid header: %d types, %d slots", numProds, total)
	}
	if hdr.slotOffset != int64(slotTableOffset(numProds)) {
		return nil, errors.Wrapf(ErrCorrupt, "invalid slot table offset %d", hdr.slotOffset)
	}
	prods, err := allocator.SliceAt[prodDesc](data, headerSize, numProds)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	slots, err := allocator.SliceAt[slot](data, int(hdr.slotOffset), total)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return &statusView{hdr: hdr, prods: prods, slots: slots}, nil
}

func (v *statusView) publish() {
	atomic.StoreUint32(&v.hdr.magic, layoutMagic)
}

// unpublish makes attachers treat the queue as not created.
func (v *statusView) unpublish() {
	atomic.StoreUint32(&v.hdr.magic, 0)
}

func (v *statusView) typeIndex(typ int) (int, error) {
	for i := range v.prods {
		if int(v.prods[i].typ) == typ {
			return i, nil
		}
	}
	return -1, errors.Wrapf(ErrUnknownType, "type %d", typ)
}

// partition returns the slots of the i-th product type.
func (v *statusView) partition(i int) []slot {
	desc := &v.prods[i]
	return v.slots[desc.beginSlot : desc.beginSlot+desc.numSlots]
}

// findActive returns the index of an active slot with the given instance key or -1.
func (v *statusView) findActive(key int) int {
	for i := range v.slots {
		if v.slots[i].active != 0 && int(v.slots[i].instanceKey) == key {
			return i
		}
	}
	return -1
}

// updateAges recalculates latest and oldest slots of the i-th product type.
func (v *statusView) updateAges(i int) {
	desc := &v.prods[i]
	desc.latest, desc.oldest = noSlot, noSlot
	for j, s := range v.partition(i) {
		if s.active == 0 {
			continue
		}
		if desc.latest == noSlot || s.seq > v.slots[int(desc.beginSlot)+int(desc.latest)].seq {
			desc.latest = int32(j)
		}
		if desc.oldest == noSlot || s.seq < v.slots[int(desc.beginSlot)+int(desc.oldest)].seq {
			desc.oldest = int32(j)
		}
	}
}

// nextInstanceKey returns a key, which is not used by any active slot.
func (v *statusView) nextInstanceKey() int32 {
	used := make(map[int32]struct{})
	for i := range v.slots {
		if v.slots[i].active != 0 {
			used[v.slots[i].instanceKey] = struct{}{}
		}
	}
	for {
		key := v.hdr.nextKey
		v.hdr.nextKey++
		if v.hdr.nextKey > MaxInstanceKey {
			v.hdr.nextKey = 1
		}
		if key < 1 || key > MaxInstanceKey {
			continue
		}
		if _, ok := used[int32(key)]; !ok {
			return int32(key)
		}
	}
}

func (v *statusView) setServerUpdate() {
	atomic.StoreInt32(&v.hdr.serverUpdate, 1)
}

func (v *statusView) setDisplayUpdate() {
	atomic.StoreInt32(&v.hdr.displayUpdate, 1)
}

func labelString(label *[labelSize]byte) string {
	for i, b := range label {
		if b == 0 {
			return string(label[:i])
		}
	}
	return string(label[:])
}

// times are stored as unix nanoseconds, unsetTime stands for the zero time.
func timeToShared(t time.Time) int64 {
	if t.IsZero() {
		return unsetTime
	}
	return t.UnixNano()
}

func timeFromShared(v int64) time.Time {
	if v == unsetTime {
		return time.Time{}
	}
	return time.Unix(0, v)
}
