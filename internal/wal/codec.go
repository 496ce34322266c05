package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math/bits"
)

// Record framing tags, preserved byte-for-byte from
// original_source/src/log.rs's LogReader::next/LogChange::to_file.
const (
	tagBeginRecord = 1
	tagInsertIndex = 2
	tagInsertValue = 3
	tagEndRecord   = 4
	tagDropTable   = 5
)

var byteOrder = binary.LittleEndian

// SlotKey identifies a single overlay entry by table and slot.
type SlotKey struct {
	Table uint16
	Slot  uint64
}

// Action is one unit a Cursor yields while streaming a record: a
// BeginRecordAction, zero or more InsertIndexAction/InsertValueAction/
// DropTableAction entries, and a terminating EndRecordAction.
type Action interface{ isAction() }

// BeginRecordAction marks the start of a record and carries its id.
type BeginRecordAction struct{ RecordID uint64 }

// InsertIndexAction carries the selected sub-entries of an index mutation,
// concatenated in ascending sub-index order exactly as encoded on disk
// (len(Entries) == popcount(Mask)*entryBytes).
type InsertIndexAction struct {
	Table   uint16
	Slot    uint64
	Mask    uint64
	Entries []byte
}

// InsertValueAction identifies a value mutation. The payload itself is not
// self-describing - the caller must know its
// length from the value table's own metadata and pull it with
// Cursor.ReadPayload before asking the cursor for the next action.
type InsertValueAction struct {
	Table uint16
	Slot  uint64
}

// DropTableAction signals an abandoned index table.
type DropTableAction struct{ Table uint16 }

// EndRecordAction marks the end of a record, CRC already verified if the
// cursor was constructed with validation enabled.
type EndRecordAction struct{ RecordID uint64 }

func (BeginRecordAction) isAction()   {}
func (*InsertIndexAction) isAction()  {}
func (*InsertValueAction) isAction()  {}
func (DropTableAction) isAction()     {}
func (EndRecordAction) isAction()     {}

// Cursor streams Actions from a record, optionally verifying the CRC32
// trailer. One Cursor is scoped to exactly one record: callers obtain a
// fresh Cursor per record (see LogReader.ReadNext / recovery replay), matching
// original_source's LogReader lifecycle.
type Cursor struct {
	r          io.Reader
	seeker     io.Seeker
	validate   bool
	entryBytes int

	recordID  uint64
	readBytes uint64
	crc       uint32
	crcOn     bool

	clearIndex []SlotKey
	clearValue []SlotKey
}

// NewCursor constructs a Cursor reading from r. seeker may be nil; if
// present it enables Reset. entryBytes sizes each INSERT_INDEX sub-entry.
func NewCursor(r io.Reader, seeker io.Seeker, validate bool, entryBytes int) *Cursor {
	return &Cursor{r: r, seeker: seeker, validate: validate, entryBytes: entryBytes}
}

// RecordID returns the id of the record currently being read, valid after
// the first call to Next.
func (c *Cursor) RecordID() uint64 { return c.recordID }

// ReadBytes returns the number of bytes consumed so far by this cursor.
func (c *Cursor) ReadBytes() uint64 { return c.readBytes }

// Reset rewinds the cursor back to the position it started reading from,
// clearing all accumulated state. Used when the caller wants to re-read
// the same record, e.g. without validation after a validating pass failed
// for a reason unrelated to this record.
func (c *Cursor) Reset() error {
	if c.seeker == nil {
		return &InvalidInputError{Reason: "cursor has no seeker, cannot reset"}
	}
	if _, err := c.seeker.Seek(-int64(c.readBytes), io.SeekCurrent); err != nil {
		return err
	}
	c.readBytes = 0
	c.recordID = 0
	c.crc = 0
	c.crcOn = false
	c.clearIndex = nil
	c.clearValue = nil
	return nil
}

func (c *Cursor) readFull(buf []byte) error {
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return err
	}
	c.readBytes += uint64(len(buf))
	if c.validate {
		c.crc = crc32.Update(c.crc, crc32.IEEETable, buf)
	}
	return nil
}

// unexpectedEOF turns a plain io.EOF hit while reading the body of an
// action into io.ErrUnexpectedEOF (any other error, including
// io.ErrUnexpectedEOF itself, passes through unchanged), so a field cut
// off part-way is not mistaken for "no more records". It does not produce
// a CorruptionError.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Next decodes the next Action from the record. It returns io.EOF when the
// reader is exhausted before the tag byte of the next action, which is a
// clean boundary for a fresh Cursor but also happens when a record is cut
// off right after one of its entries; a cut inside an action's fields is
// reported as io.ErrUnexpectedEOF.
func (c *Cursor) Next() (Action, error) {
	var tag [1]byte
	if _, err := io.ReadFull(c.r, tag[:]); err != nil {
		return nil, err
	}
	c.readBytes++
	if c.validate {
		c.crc = crc32.Update(c.crc, crc32.IEEETable, tag[:])
	}

	switch tag[0] {
	case tagBeginRecord:
		var buf [8]byte
		if err := c.readFull(buf[:]); err != nil {
			return nil, unexpectedEOF(err)
		}
		c.recordID = byteOrder.Uint64(buf[:])
		return BeginRecordAction{RecordID: c.recordID}, nil

	case tagInsertIndex:
		var hdr [18]byte // table(2) + slot(8) + mask(8)
		if err := c.readFull(hdr[:]); err != nil {
			return nil, unexpectedEOF(err)
		}
		table := byteOrder.Uint16(hdr[0:2])
		slot := byteOrder.Uint64(hdr[2:10])
		mask := byteOrder.Uint64(hdr[10:18])
		n := bits.OnesCount64(mask)
		entries := make([]byte, n*c.entryBytes)
		if n > 0 {
			if err := c.readFull(entries); err != nil {
				return nil, unexpectedEOF(err)
			}
		}
		c.clearIndex = append(c.clearIndex, SlotKey{Table: table, Slot: slot})
		return &InsertIndexAction{Table: table, Slot: slot, Mask: mask, Entries: entries}, nil

	case tagInsertValue:
		var hdr [10]byte // table(2) + slot(8)
		if err := c.readFull(hdr[:]); err != nil {
			return nil, unexpectedEOF(err)
		}
		table := byteOrder.Uint16(hdr[0:2])
		slot := byteOrder.Uint64(hdr[2:10])
		c.clearValue = append(c.clearValue, SlotKey{Table: table, Slot: slot})
		return &InsertValueAction{Table: table, Slot: slot}, nil

	case tagDropTable:
		var buf [2]byte
		if err := c.readFull(buf[:]); err != nil {
			return nil, unexpectedEOF(err)
		}
		return DropTableAction{Table: byteOrder.Uint16(buf[:])}, nil

	case tagEndRecord:
		var buf [4]byte
		// The CRC field itself is never folded into the running checksum.
		if _, err := io.ReadFull(c.r, buf[:]); err != nil {
			return nil, unexpectedEOF(err)
		}
		c.readBytes += 4
		if c.validate {
			expected := byteOrder.Uint32(buf[:])
			if c.crc != expected {
				return nil, newCorruption(
					fmt.Sprintf("CRC32 mismatch at record %d: expected %08x, got %08x", c.recordID, expected, c.crc),
					nil,
				)
			}
		}
		return EndRecordAction{RecordID: c.recordID}, nil

	default:
		return nil, newCorruption(fmt.Sprintf("bad log entry type %d", tag[0]), nil)
	}
}

// ReadPayload pulls len(buf) raw bytes following an InsertValueAction. The
// caller supplies buf sized to whatever the value table's metadata says
// this slot's payload length is; the WAL itself never learns that length.
func (c *Cursor) ReadPayload(buf []byte) error {
	if err := c.readFull(buf); err != nil {
		return unexpectedEOF(err)
	}
	return nil
}

// DrainClearList returns and clears the (table, slot) pairs this cursor
// has seen index/value inserts for, consumed by EndRead after a
// successful enact.
func (c *Cursor) DrainClearList() (index []SlotKey, value []SlotKey) {
	index, c.clearIndex = c.clearIndex, nil
	value, c.clearValue = c.clearValue, nil
	return index, value
}

// --- encoding side -------------------------------------------------------

// recordEncoder accumulates bytes for a single record, tracking the
// running CRC32 and total byte count the same way LogChange.to_file does
// in original_source.
type recordEncoder struct {
	w     io.Writer
	crc   uint32
	bytes uint64
	err   error
}

func (e *recordEncoder) write(buf []byte) {
	if e.err != nil {
		return
	}
	if _, err := e.w.Write(buf); err != nil {
		e.err = err
		return
	}
	e.crc = crc32.Update(e.crc, crc32.IEEETable, buf)
	e.bytes += uint64(len(buf))
}

func (e *recordEncoder) writeUint8(v uint8)   { e.write([]byte{v}) }
func (e *recordEncoder) writeUint16(v uint16) { var b [2]byte; byteOrder.PutUint16(b[:], v); e.write(b[:]) }
func (e *recordEncoder) writeUint64(v uint64) { var b [8]byte; byteOrder.PutUint64(b[:], v); e.write(b[:]) }

// finish writes the END tag and CRC32 trailer and returns the total bytes
// written for the whole record, including the trailer.
func (e *recordEncoder) finish() (uint64, error) {
	if e.err != nil {
		return 0, e.err
	}
	e.writeUint8(tagEndRecord)
	if e.err != nil {
		return 0, e.err
	}
	var crcBuf [4]byte
	byteOrder.PutUint32(crcBuf[:], e.crc)
	if _, err := e.w.Write(crcBuf[:]); err != nil {
		return 0, err
	}
	e.bytes += 4
	return e.bytes, nil
}
