package wal

import "sync"

// indexOverlayEntry holds the subset of a CHUNK_BYTES-sized index chunk
// written since the index table last looked: bit i of Mask set
// means Chunk[i*entryBytes:(i+1)*entryBytes] is live, the rest of Chunk is
// unspecified until a later write or the real enact pass fills it in.
// RecordID is the id of the most recent record to touch this slot - an
// older record's EndRead must not evict an entry a newer record now owns.
type indexOverlayEntry struct {
	RecordID uint64
	Mask     uint64
	Chunk    []byte
}

type valueOverlayEntry struct {
	RecordID uint64
	Payload  []byte
}

// Overlays is the in-memory shadow of every INSERT_INDEX/INSERT_VALUE
// written since the enactor last caught up, keyed by table then slot. A
// point read against Overlays always takes priority over the underlying
// index/value table: the WAL guarantees nothing is enacted before its
// record is durably appended, so the overlay is the only place a reader
// can observe an in-flight write.
type Overlays struct {
	mu         sync.RWMutex
	entryBytes int
	index      map[uint16]map[uint64]*indexOverlayEntry
	value      map[uint16]map[uint64]*valueOverlayEntry
	dropped    map[uint16]struct{}
}

func newOverlays(entryBytes int) *Overlays {
	return &Overlays{
		entryBytes: entryBytes,
		index:      make(map[uint16]map[uint64]*indexOverlayEntry),
		value:      make(map[uint16]map[uint64]*valueOverlayEntry),
		dropped:    make(map[uint16]struct{}),
	}
}

// WithIndex returns the live mask/chunk overlay for (table, slot), if any.
func (o *Overlays) WithIndex(table uint16, slot uint64) (mask uint64, chunk []byte, ok bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tbl, ok := o.index[table]
	if !ok {
		return 0, nil, false
	}
	e, ok := tbl[slotKeyHash(slot)]
	if !ok {
		return 0, nil, false
	}
	return e.Mask, e.Chunk, true
}

// Value returns the live payload overlay for (table, slot), if any.
func (o *Overlays) Value(table uint16, slot uint64) ([]byte, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tbl, ok := o.value[table]
	if !ok {
		return nil, false
	}
	e, ok := tbl[slotKeyHash(slot)]
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// IsDropped reports whether table has an outstanding DROP_TABLE overlay.
func (o *Overlays) IsDropped(table uint16) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.dropped[table]
	return ok
}

// mergeIndex OR-merges mask into the existing overlay entry for (table,
// slot), copying entries (popcount(mask)*entryBytes bytes, ascending
// sub-index order) into the matching offsets of a CHUNK_BYTES buffer, and
// stamps the entry with recordID as its current owner - the id clearIndex
// must match before it may evict this entry.
func (o *Overlays) mergeIndex(table uint16, slot uint64, recordID uint64, mask uint64, entries []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tbl := o.index[table]
	if tbl == nil {
		tbl = make(map[uint64]*indexOverlayEntry)
		o.index[table] = tbl
	}
	key := slotKeyHash(slot)
	e := tbl[key]
	if e == nil {
		e = &indexOverlayEntry{Chunk: make([]byte, DefaultChunkEntries*o.entryBytes)}
		tbl[key] = e
	}
	off := 0
	for sub := 0; sub < 64; sub++ {
		bit := uint64(1) << uint(sub)
		if mask&bit == 0 {
			continue
		}
		start := sub * o.entryBytes
		copy(e.Chunk[start:start+o.entryBytes], entries[off:off+o.entryBytes])
		off += o.entryBytes
	}
	e.Mask |= mask
	e.RecordID = recordID
}

// mergeValue replaces the overlay entry for (table, slot) outright and
// stamps it with recordID as its current owner.
func (o *Overlays) mergeValue(table uint16, slot uint64, recordID uint64, payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tbl := o.value[table]
	if tbl == nil {
		tbl = make(map[uint64]*valueOverlayEntry)
		o.value[table] = tbl
	}
	tbl[slotKeyHash(slot)] = &valueOverlayEntry{RecordID: recordID, Payload: payload}
}

func (o *Overlays) markDropped(table uint16) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped[table] = struct{}{}
	delete(o.index, table)
	delete(o.value, table)
}

// clearIndex evicts the overlay entry for (table, slot) once the enactor
// has applied it to the real index table, but only if the entry is still
// owned by recordID - a later write to the same slot reassigns ownership
// to its own record id, and that record's own EndRead is then the one that
// must clear it, so an earlier record's acknowledgement leaves it alone
// (original_source's overlay.map.retain step, guarded the same way).
func (o *Overlays) clearIndex(table uint16, slot uint64, recordID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tbl, ok := o.index[table]
	if !ok {
		return
	}
	key := slotKeyHash(slot)
	e, ok := tbl[key]
	if !ok || e.RecordID != recordID {
		return
	}
	delete(tbl, key)
	if len(tbl) == 0 {
		delete(o.index, table)
	}
}

func (o *Overlays) clearValue(table uint16, slot uint64, recordID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tbl, ok := o.value[table]
	if !ok {
		return
	}
	key := slotKeyHash(slot)
	e, ok := tbl[key]
	if !ok || e.RecordID != recordID {
		return
	}
	delete(tbl, key)
	if len(tbl) == 0 {
		delete(o.value, table)
	}
}
