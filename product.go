// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"sort"
	"time"

	"github.com/nxgtw/go-prodq/internal/ring"

	"github.com/pkg/errors"
)

// Product is a product to be added into a queue.
type Product struct {
	Type         int
	Subtype      int
	GenerateTime time.Time
	ReceivedTime time.Time
	StartTime    time.Time
	// ExpireTime is the time, after which ExpireProducts removes the product.
	// Zero time means, that the product never expires.
	ExpireTime time.Time
	Data       []byte
}

// AddResult is the result of AddProduct.
type AddResult struct {
	// Key is the instance key of the new product.
	Key int
	// Freed is true, if another product was evicted to make room for this one.
	Freed bool
}

// ProductInfo describes a product instance stored in a queue.
type ProductInfo struct {
	Key          int
	Type         int
	Subtype      int
	Label        string
	GenerateTime time.Time
	ReceivedTime time.Time
	StartTime    time.Time
	ExpireTime   time.Time
	Len          int
	Display      bool
	Slot         int
	Offset       int64
}

// AddProduct stores a product in the queue.
// If all the slots of the product type are used, the oldest product of the type is evicted.
// A payload, which does not fit into the buffer after eviction and coalescing, is rejected
// with ErrNoSpace. In this case the result still reports the eviction.
func (q *Queue) AddProduct(p Product) (AddResult, error) {
	var result AddResult
	err := q.transact(func() error {
		var err error
		result, err = q.addProduct(p)
		return err
	})
	return result, err
}

func (q *Queue) addProduct(p Product) (AddResult, error) {
	var result AddResult
	v := q.view
	if err := checkInt32("product type", p.Type); err != nil {
		return result, err
	}
	if err := checkInt32("subtype", p.Subtype); err != nil {
		return result, err
	}
	pi, err := v.typeIndex(p.Type)
	if err != nil {
		return result, err
	}
	if ring.SpanLen(len(p.Data)) > q.arena.Size() {
		return result, errors.Wrapf(ErrTooLarge, "payload of %d bytes", len(p.Data))
	}
	desc := &v.prods[pi]
	idx := -1
	for j, s := range v.partition(pi) {
		if s.active == 0 {
			idx = int(desc.beginSlot) + j
			break
		}
	}
	if idx < 0 {
		if desc.oldest == noSlot {
			return result, errors.Wrapf(ErrCorrupt, "type %d has no free and no oldest slot", p.Type)
		}
		idx = int(desc.beginSlot) + int(desc.oldest)
		evicted := v.slots[idx].instanceKey
		if err = q.releaseSlot(idx, false); err != nil {
			return result, err
		}
		result.Freed = true
		q.logger.Printf("product %d of type %d evicted", evicted, p.Type)
	}
	span, err := q.arena.Alloc(len(p.Data), int32(idx))
	if err != nil {
		if result.Freed {
			v.updateAges(pi)
			v.setServerUpdate()
		}
		return result, errors.Wrapf(err, "failed to allocate %d bytes", len(p.Data))
	}
	payload, err := q.arena.Payload(span.Offset, len(p.Data))
	if err != nil {
		return result, err
	}
	copy(payload, p.Data)
	key := v.nextInstanceKey()
	v.slots[idx] = slot{
		active:       1,
		display:      1,
		prodIndex:    int32(pi),
		instanceKey:  key,
		subtype:      int32(p.Subtype),
		generateTime: timeToShared(p.GenerateTime),
		receivedTime: timeToShared(p.ReceivedTime),
		startTime:    timeToShared(p.StartTime),
		expireTime:   timeToShared(p.ExpireTime),
		offset:       span.Offset,
		spanLen:      span.Len,
		dataLen:      int64(len(p.Data)),
		seq:          v.hdr.nextSeq,
	}
	v.hdr.nextSeq++
	v.updateAges(pi)
	v.setServerUpdate()
	result.Key = int(key)
	return result, nil
}

// releaseSlot frees the slot's buffer span and makes the slot inactive.
// The caller must update the partition ages.
func (q *Queue) releaseSlot(idx int, expired bool) error {
	s := &q.view.slots[idx]
	if s.active == 0 {
		return errors.Wrapf(ErrCorrupt, "slot %d is not active", idx)
	}
	if err := q.arena.Free(s.offset); err != nil {
		return errors.Wrapf(err, "failed to free the span of slot %d", idx)
	}
	s.active = 0
	s.expired = 0
	if expired {
		s.expired = 1
	}
	s.offset, s.spanLen, s.dataLen = 0, 0, 0
	return nil
}

// DeleteProduct removes a product. It returns false, if there is no such product.
func (q *Queue) DeleteProduct(typ, key int) (bool, error) {
	return q.removeProduct(typ, key, false)
}

// ExpireProduct marks a product as expired and reclaims its space.
// It returns false, if there is no such product.
func (q *Queue) ExpireProduct(typ, key int) (bool, error) {
	return q.removeProduct(typ, key, true)
}

func (q *Queue) removeProduct(typ, key int, expired bool) (bool, error) {
	var found bool
	err := q.transact(func() error {
		v := q.view
		pi, err := v.typeIndex(typ)
		if err != nil {
			return err
		}
		desc := &v.prods[pi]
		for j, s := range v.partition(pi) {
			if s.active == 0 || int(s.instanceKey) != key {
				continue
			}
			if err = q.releaseSlot(int(desc.beginSlot)+j, expired); err != nil {
				return err
			}
			found = true
			v.updateAges(pi)
			v.setServerUpdate()
			return nil
		}
		return nil
	})
	return found, err
}

// ExpireProducts expires all products, whose expire time is before now.
// It returns the number of expired products.
func (q *Queue) ExpireProducts(now time.Time) (int, error) {
	var count int
	limit := now.UnixNano()
	err := q.transact(func() error {
		v := q.view
		touched := make(map[int]struct{})
		for i := range v.slots {
			s := &v.slots[i]
			if s.active == 0 || s.expireTime == unsetTime || s.expireTime >= limit {
				continue
			}
			pi := int(s.prodIndex)
			if err := q.releaseSlot(i, true); err != nil {
				return err
			}
			touched[pi] = struct{}{}
			count++
		}
		for pi := range touched {
			v.updateAges(pi)
		}
		if count > 0 {
			v.setServerUpdate()
		}
		return nil
	})
	return count, err
}

func (q *Queue) productInfo(idx int) ProductInfo {
	s := &q.view.slots[idx]
	desc := &q.view.prods[s.prodIndex]
	return ProductInfo{
		Key:          int(s.instanceKey),
		Type:         int(desc.typ),
		Subtype:      int(s.subtype),
		Label:        labelString(&desc.label),
		GenerateTime: timeFromShared(s.generateTime),
		ReceivedTime: timeFromShared(s.receivedTime),
		StartTime:    timeFromShared(s.startTime),
		ExpireTime:   timeFromShared(s.expireTime),
		Len:          int(s.dataLen),
		Display:      s.display != 0,
		Slot:         idx,
		Offset:       s.offset,
	}
}

// FindByType returns active products of the given type, the newest first.
func (q *Queue) FindByType(typ int) ([]ProductInfo, error) {
	var result []ProductInfo
	err := q.transact(func() error {
		v := q.view
		pi, err := v.typeIndex(typ)
		if err != nil {
			return err
		}
		desc := &v.prods[pi]
		var seqs []int64
		for j, s := range v.partition(pi) {
			if s.active != 0 {
				result = append(result, q.productInfo(int(desc.beginSlot)+j))
				seqs = append(seqs, s.seq)
			}
		}
		sort.Sort(bySeqDesc{infos: result, seqs: seqs})
		return nil
	})
	return result, err
}

type bySeqDesc struct {
	infos []ProductInfo
	seqs  []int64
}

func (s bySeqDesc) Len() int           { return len(s.infos) }
func (s bySeqDesc) Less(i, j int) bool { return s.seqs[i] > s.seqs[j] }
func (s bySeqDesc) Swap(i, j int) {
	s.infos[i], s.infos[j] = s.infos[j], s.infos[i]
	s.seqs[i], s.seqs[j] = s.seqs[j], s.seqs[i]
}

// FindByInstance returns an active product with the given key.
func (q *Queue) FindByInstance(key int) (ProductInfo, error) {
	var result ProductInfo
	err := q.transact(func() error {
		idx := q.view.findActive(key)
		if idx < 0 {
			return errors.Wrapf(ErrNotFound, "instance %d", key)
		}
		result = q.productInfo(idx)
		return nil
	})
	return result, err
}

// Payload returns a copy of the product data.
func (q *Queue) Payload(key int) ([]byte, error) {
	var result []byte
	err := q.transact(func() error {
		idx := q.view.findActive(key)
		if idx < 0 {
			return errors.Wrapf(ErrNotFound, "instance %d", key)
		}
		data, err := q.slotPayload(idx)
		if err != nil {
			return err
		}
		result = append([]byte(nil), data...)
		return nil
	})
	return result, err
}

func (q *Queue) slotPayload(idx int) ([]byte, error) {
	s := &q.view.slots[idx]
	data, err := q.arena.Payload(s.offset, int(s.dataLen))
	if err != nil {
		return nil, errors.Wrapf(err, "slot %d", idx)
	}
	return data, nil
}

// Scan calls fn for every active product in slot order, until fn returns false.
// Data references the shared buffer and is valid only until fn returns.
// fn must not call methods of the queue.
func (q *Queue) Scan(fn func(info ProductInfo, data []byte) bool) error {
	return q.transact(func() error {
		for i := range q.view.slots {
			if q.view.slots[i].active == 0 {
				continue
			}
			data, err := q.slotPayload(i)
			if err != nil {
				return err
			}
			if !fn(q.productInfo(i), data) {
				return nil
			}
		}
		return nil
	})
}
