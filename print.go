// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"fmt"
	"io"
	"time"

	"github.com/nxgtw/go-prodq/internal/ring"

	"github.com/pkg/errors"
)

// Stats is a summary of the queue state.
type Stats struct {
	Types       int   `json:"types"`
	TotalSlots  int   `json:"total_slots"`
	ActiveSlots int   `json:"active_slots"`
	BufferSize  int64 `json:"buffer_size"`
	FreeBytes   int64 `json:"free_bytes"`
	BeginInsert int64 `json:"begin_insert"`
	EndInsert   int64 `json:"end_insert"`
	BeginAppend int64 `json:"begin_append"`
	Attached    int   `json:"attached"`
	NextKey     int64 `json:"next_key"`
}

// Snapshot is a consistent copy of the queue metadata.
type Snapshot struct {
	Stats              Stats         `json:"stats"`
	ServerUpdate       bool          `json:"server_update"`
	DisplayUpdate      bool          `json:"display_update"`
	UseDisplayDataTime bool          `json:"use_display_data_time"`
	DisplayTime        time.Time     `json:"display_time"`
	DisplayDataTime    time.Time     `json:"display_data_time"`
	DataTime           time.Time     `json:"data_time"`
	MapFlag            int           `json:"map_flag"`
	Types              []TypeInfo    `json:"types"`
	Products           []ProductInfo `json:"products"`
}

// Stats returns a summary of the queue state.
func (q *Queue) Stats() (Stats, error) {
	var result Stats
	err := q.transact(func() error {
		var err error
		result, err = q.stats()
		return err
	})
	return result, err
}

func (q *Queue) stats() (Stats, error) {
	hdr := q.view.hdr
	free, err := q.arena.FreeBytes()
	if err != nil {
		return Stats{}, err
	}
	handles, err := q.handles()
	if err != nil {
		return Stats{}, err
	}
	result := Stats{
		Types:       int(hdr.numProds),
		TotalSlots:  int(hdr.totalSlots),
		BufferSize:  hdr.bufSize,
		FreeBytes:   free,
		BeginInsert: hdr.cursors.BeginInsert,
		EndInsert:   hdr.cursors.EndInsert,
		BeginAppend: hdr.cursors.BeginAppend,
		Attached:    handles,
		NextKey:     hdr.nextKey,
	}
	for i := range q.view.slots {
		if q.view.slots[i].active != 0 {
			result.ActiveSlots++
		}
	}
	return result, nil
}

// Snapshot returns a copy of the queue metadata. Flags are not cleared.
func (q *Queue) Snapshot() (Snapshot, error) {
	var result Snapshot
	err := q.transact(func() error {
		stats, err := q.stats()
		if err != nil {
			return err
		}
		hdr := q.view.hdr
		result = Snapshot{
			Stats:              stats,
			ServerUpdate:       hdr.serverUpdate != 0,
			DisplayUpdate:      hdr.displayUpdate != 0,
			UseDisplayDataTime: hdr.useDisplayDataTime != 0,
			DisplayTime:        timeFromShared(hdr.displayTime),
			DisplayDataTime:    timeFromShared(hdr.displayDataTime),
			DataTime:           timeFromShared(hdr.dataTime),
			MapFlag:            int(hdr.mapFlag),
			Types:              q.typeInfos(),
		}
		for i := range q.view.slots {
			if q.view.slots[i].active != 0 {
				result.Products = append(result.Products, q.productInfo(i))
			}
		}
		return nil
	})
	return result, err
}

// Verify checks the queue invariants:
//	product type partitions tile the slot table.
//	every active slot owns exactly one active span, whose tags point back to the slot.
//	every active span is owned by an active slot.
//	instance keys of active slots are unique.
//	latest and oldest slots of every type are active.
func (q *Queue) Verify() error {
	return q.transact(q.verify)
}

func (q *Queue) verify() error {
	v := q.view
	if err := q.arena.Check(); err != nil {
		return err
	}
	next := 0
	for i := range v.prods {
		desc := &v.prods[i]
		if int(desc.beginSlot) != next || desc.numSlots <= 0 {
			return errors.Wrapf(ErrCorrupt, "type %d: partition [%d, %d) does not follow slot %d",
				desc.typ, desc.beginSlot, desc.beginSlot+desc.numSlots, next)
		}
		next += int(desc.numSlots)
		for j, s := range v.partition(i) {
			if int(s.prodIndex) != i {
				return errors.Wrapf(ErrCorrupt, "slot %d belongs to type index %d, not %d", int(desc.beginSlot)+j, s.prodIndex, i)
			}
		}
		for _, rel := range []int32{desc.latest, desc.oldest} {
			if rel == noSlot {
				continue
			}
			if rel < 0 || rel >= desc.numSlots || v.slots[desc.beginSlot+rel].active == 0 {
				return errors.Wrapf(ErrCorrupt, "type %d: age slot %d is not active", desc.typ, rel)
			}
		}
	}
	if next != len(v.slots) {
		return errors.Wrapf(ErrCorrupt, "partitions cover %d slots of %d", next, len(v.slots))
	}
	keys := make(map[int32]int)
	owners := make(map[int64]int)
	for i := range v.slots {
		s := &v.slots[i]
		if s.active == 0 {
			continue
		}
		if other, ok := keys[s.instanceKey]; ok {
			return errors.Wrapf(ErrCorrupt, "slots %d and %d share instance key %d", other, i, s.instanceKey)
		}
		keys[s.instanceKey] = i
		span, err := q.arena.SpanAt(s.offset)
		if err != nil {
			return errors.Wrapf(err, "slot %d", i)
		}
		if !span.Active || int(span.Slot) != i || span.Len != s.spanLen || s.dataLen > span.Len-ring.Overhead {
			return errors.Wrapf(ErrCorrupt, "slot %d does not match its span at %d", i, s.offset)
		}
		owners[s.offset] = i
	}
	var orphan error
	err := q.arena.Walk(func(span ring.Span) bool {
		if _, ok := owners[span.Offset]; span.Active && !ok {
			orphan = errors.Wrapf(ErrCorrupt, "span at %d is owned by inactive slot %d", span.Offset, span.Slot)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return orphan
}

// Print writes a human readable dump of the queue.
func (q *Queue) Print(w io.Writer) error {
	snap, err := q.Snapshot()
	if err != nil {
		return err
	}
	return printSnapshot(w, snap)
}

func printSnapshot(w io.Writer, snap Snapshot) error {
	pw := &printer{w: w}
	st := snap.Stats
	pw.printf("product queue: %d types, %d/%d slots active, %d attached\n",
		st.Types, st.ActiveSlots, st.TotalSlots, st.Attached)
	pw.printf("buffer: size %d, free %d, insert [%d, %d), append %d\n",
		st.BufferSize, st.FreeBytes, st.BeginInsert, st.EndInsert, st.BeginAppend)
	pw.printf("flags: server %v, display %v, map %d\n", snap.ServerUpdate, snap.DisplayUpdate, snap.MapFlag)
	pw.printf("times: display %s, display data %s (use %v), data %s\n",
		formatRequest(snap.DisplayTime), formatRequest(snap.DisplayDataTime), snap.UseDisplayDataTime,
		formatRequest(snap.DataTime))
	for _, ti := range snap.Types {
		pw.printf("type %d %q: slots [%d, %d), active %d, display %v, latest %d, oldest %d\n",
			ti.Type, ti.Label, ti.BeginSlot, ti.BeginSlot+ti.Slots, ti.Active, ti.Display, ti.Latest, ti.Oldest)
	}
	for _, p := range snap.Products {
		pw.printf("  slot %d: key %d, type %d/%d, %d bytes at %d, display %v, start %s, expire %s\n",
			p.Slot, p.Key, p.Type, p.Subtype, p.Len, p.Offset, p.Display,
			formatTime(p.StartTime), formatTime(p.ExpireTime))
	}
	return pw.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...interface{}) {
	if p.err == nil {
		_, p.err = fmt.Fprintf(p.w, format, args...)
	}
}

func formatRequest(t time.Time) string {
	if IsRealtime(t) {
		return "realtime"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
