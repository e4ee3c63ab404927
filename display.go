// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"github.com/pkg/errors"
)

// TypeInfo describes a product type partition and its display state.
type TypeInfo struct {
	Type      int
	Label     string
	Slots     int
	BeginSlot int
	Display   bool
	// Active is the number of active products of the type.
	Active int
	// Latest and Oldest are instance keys of the newest and the oldest products, or 0.
	Latest int
	Oldest int
}

// MapFlag returns the map visibility hint.
func (q *Queue) MapFlag() (int, error) {
	var result int
	err := q.transact(func() error {
		result = int(q.view.hdr.mapFlag)
		return nil
	})
	return result, err
}

// SetMapFlag sets the map visibility hint. It raises the display update flag.
func (q *Queue) SetMapFlag(flag int) error {
	if err := checkInt32("map flag", flag); err != nil {
		return err
	}
	return q.transact(func() error {
		q.view.hdr.mapFlag = int32(flag)
		q.view.setDisplayUpdate()
		return nil
	})
}

// SetInstanceDisplay shows or hides one product. It raises the display update flag.
func (q *Queue) SetInstanceDisplay(key int, display bool) error {
	return q.transact(func() error {
		idx := q.view.findActive(key)
		if idx < 0 {
			return errors.Wrapf(ErrNotFound, "instance %d", key)
		}
		q.view.slots[idx].display = boolToInt32(display)
		q.view.setDisplayUpdate()
		return nil
	})
}

// SetTypeDisplay shows or hides all products of a type. It raises the display update flag.
func (q *Queue) SetTypeDisplay(typ int, display bool) error {
	return q.transact(func() error {
		pi, err := q.view.typeIndex(typ)
		if err != nil {
			return err
		}
		q.view.prods[pi].display = boolToInt32(display)
		q.view.setDisplayUpdate()
		return nil
	})
}

// ProductDisplayInfo returns the state of all product types in the creation order.
func (q *Queue) ProductDisplayInfo() ([]TypeInfo, error) {
	var result []TypeInfo
	err := q.transact(func() error {
		result = q.typeInfos()
		return nil
	})
	return result, err
}

func (q *Queue) typeInfos() []TypeInfo {
	v := q.view
	result := make([]TypeInfo, len(v.prods))
	for i := range v.prods {
		desc := &v.prods[i]
		info := TypeInfo{
			Type:      int(desc.typ),
			Label:     labelString(&desc.label),
			Slots:     int(desc.numSlots),
			BeginSlot: int(desc.beginSlot),
			Display:   desc.display != 0,
		}
		for _, s := range v.partition(i) {
			if s.active != 0 {
				info.Active++
			}
		}
		if desc.latest != noSlot {
			info.Latest = int(v.slots[desc.beginSlot+desc.latest].instanceKey)
		}
		if desc.oldest != noSlot {
			info.Oldest = int(v.slots[desc.beginSlot+desc.oldest].instanceKey)
		}
		result[i] = info
	}
	return result
}
