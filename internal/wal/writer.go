package wal

import (
	"io"
	"math/bits"
	"sync"
	"sync/atomic"
)

// logIndexChange accumulates every sub-entry write a single record makes
// to one index slot: masks OR together so a later write never erases an
// earlier sub-entry made within the same record.
type logIndexChange struct {
	mask  uint64
	chunk []byte
}

// logValueChange holds the most recent payload written to a value slot
// within a record - unlike index writes, a later value write replaces the
// earlier one outright rather than merging.
type logValueChange struct {
	payload []byte
}

// LogChange accumulates every mutation made between a BeginRecord and the
// matching EndRecord. It is not safe for concurrent use - each Writer
// allows exactly one LogChange open at a time (single-writer record
// scope), matching original_source's LogWriter/LogChange pair.
type LogChange struct {
	recordID   uint64
	entryBytes int

	index   map[uint16]map[uint64]*logIndexChange
	value   map[uint16]map[uint64]*logValueChange
	dropped []uint16
}

// RecordID returns the id this change will be written under.
func (c *LogChange) RecordID() uint64 { return c.recordID }

// IsEmpty reports whether the record would contain no entries besides its
// framing - callers skip appending such records (an empty transaction
// never reaches the file).
func (c *LogChange) IsEmpty() bool {
	return len(c.index) == 0 && len(c.value) == 0 && len(c.dropped) == 0
}

// InsertIndex records a write to entries[subIndex] for (table, slot),
// merging into any earlier write this record already made to the same
// slot by OR-ing sub_mask bits and overwriting only the newly touched
// sub-entry bytes.
func (c *LogChange) InsertIndex(table uint16, slot uint64, subIndex int, entry []byte) {
	if len(entry) != c.entryBytes {
		panic("wal: index entry has the wrong width")
	}
	tbl := c.index[table]
	if tbl == nil {
		tbl = make(map[uint64]*logIndexChange)
		c.index[table] = tbl
	}
	ch := tbl[slot]
	if ch == nil {
		ch = &logIndexChange{chunk: make([]byte, DefaultChunkEntries*c.entryBytes)}
		tbl[slot] = ch
	}
	start := subIndex * c.entryBytes
	copy(ch.chunk[start:start+c.entryBytes], entry)
	ch.mask |= uint64(1) << uint(subIndex)
}

// InsertValue records a write to (table, slot)'s payload, replacing any
// earlier write this record already made to the same slot.
func (c *LogChange) InsertValue(table uint16, slot uint64, payload []byte) {
	tbl := c.value[table]
	if tbl == nil {
		tbl = make(map[uint64]*logValueChange)
		c.value[table] = tbl
	}
	tbl[slot] = &logValueChange{payload: payload}
}

// DropTable records that table's contents are abandoned as of this record.
func (c *LogChange) DropTable(table uint16) {
	c.dropped = append(c.dropped, table)
}

// encodeTo serializes the accumulated change as BEGIN, the table/slot
// entries in map iteration order, then END+CRC32, returning the total
// bytes written for this record.
func (c *LogChange) encodeTo(w io.Writer) (uint64, error) {
	enc := &recordEncoder{w: w}
	enc.writeUint8(tagBeginRecord)
	enc.writeUint64(c.recordID)

	for table, slots := range c.index {
		for slot, ch := range slots {
			enc.writeUint8(tagInsertIndex)
			enc.writeUint16(table)
			enc.writeUint64(slot)
			enc.writeUint64(ch.mask)
			n := bits.OnesCount64(ch.mask)
			if n == 0 {
				continue
			}
			buf := make([]byte, 0, n*c.entryBytes)
			for sub := 0; sub < 64; sub++ {
				if ch.mask&(uint64(1)<<uint(sub)) == 0 {
					continue
				}
				start := sub * c.entryBytes
				buf = append(buf, ch.chunk[start:start+c.entryBytes]...)
			}
			enc.write(buf)
		}
	}

	for table, slots := range c.value {
		for slot, ch := range slots {
			enc.writeUint8(tagInsertValue)
			enc.writeUint16(table)
			enc.writeUint64(slot)
			enc.write(ch.payload)
		}
	}

	for _, table := range c.dropped {
		enc.writeUint8(tagDropTable)
		enc.writeUint16(table)
	}

	return enc.finish()
}

// Writer hands out sequential record ids and enforces that only one record
// is open for writing at a time, mirroring original_source's
// Log::begin_record/end_record id bookkeeping ("relaxed ordering
// suffices", hence the plain atomic counter).
type Writer struct {
	mu         sync.Mutex
	nextID     uint64
	open       bool
	entryBytes int
}

func newWriter(entryBytes int) *Writer {
	w := &Writer{entryBytes: entryBytes}
	atomic.StoreUint64(&w.nextID, 1)
	return w
}

// resumeFrom sets the next record id to hand out after recovery has
// determined the highest id already present on disk.
func (w *Writer) resumeFrom(lastRecordID uint64) {
	atomic.StoreUint64(&w.nextID, lastRecordID+1)
}

// BeginRecord reserves the next record id and returns a fresh LogChange to
// accumulate mutations into. It panics if a prior change was never closed
// with EndRecord - a programming error in the caller, not a runtime
// condition - the writer lock already serializes this.
func (w *Writer) BeginRecord() *LogChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.open {
		panic("wal: BeginRecord called while a record is still open")
	}
	w.open = true
	id := atomic.AddUint64(&w.nextID, 1) - 1
	return &LogChange{
		recordID:   id,
		entryBytes: w.entryBytes,
		index:      make(map[uint16]map[uint64]*logIndexChange),
		value:      make(map[uint16]map[uint64]*logValueChange),
	}
}

// release clears the open flag once EndRecord has finished writing change
// to disk (or abandoned it because it was empty). It panics unless
// change.recordID+1 is still the next id to hand out, i.e. no other id was
// assigned between BeginRecord and EndRecord.
func (w *Writer) release(change *LogChange) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		panic("wal: EndRecord called without a matching BeginRecord")
	}
	if change.recordID+1 != atomic.LoadUint64(&w.nextID) {
		panic("wal: EndRecord called out of order with BeginRecord")
	}
	w.open = false
}
