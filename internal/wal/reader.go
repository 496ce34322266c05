package wal

import (
	"errors"
	"io"
)

// enactHandle bundles the Cursor returned by ReadNext with the identity of
// the record it decoded, so EndRead can confirm it's being asked to
// acknowledge the same record it most recently handed out.
type enactHandle struct {
	cursor   *Cursor
	recordID uint64
	lf       *logFile
}

// LogReader hands the enactor one record at a time from whatever file is
// currently installed in the reading slot, advancing sequentially through
// that file and marking it done once exhausted. It mirrors
// original_source's Log::read_next/Log::end_read pair.
type LogReader struct {
	files      *Files
	overlays   *Overlays
	entryBytes int

	pending *enactHandle
}

func newLogReader(files *Files, overlays *Overlays, entryBytes int) *LogReader {
	return &LogReader{files: files, overlays: overlays, entryBytes: entryBytes}
}

// ErrNothingToRead is returned by ReadNext when no file is currently
// installed in the reading slot - the caller should back off and try
// again after the next successful FlushOne.
var ErrNothingToRead = errors.New("wal: nothing to read")

// ReadNext decodes the next un-enacted record and returns a Cursor
// positioned right after its BeginRecord action. The caller must drive the
// cursor to its EndRecordAction - calling Cursor.ReadPayload for every
// InsertValueAction it sees along the way - and then call EndRead with the
// same record id before the next ReadNext call, exactly like
// original_source's "read one record, act on it, end_read it" loop. The
// cursor reads directly against the underlying file (no buffering)
// because Cursor.Reset needs file position and bytes-read to agree
// exactly, which a prefetching reader would break.
func (r *LogReader) ReadNext(validate bool) (*Cursor, error) {
	if r.pending != nil {
		return nil, &InvalidInputError{Reason: "ReadNext called again before EndRead for the previous record"}
	}
	lf, ok := r.files.startReading()
	if !ok {
		return nil, ErrNothingToRead
	}
	if lf.readOffset >= lf.size {
		r.files.endReading(true)
		return nil, ErrNothingToRead
	}
	if _, err := lf.file.Seek(int64(lf.readOffset), io.SeekStart); err != nil {
		r.files.endReading(false)
		return nil, err
	}
	cursor := NewCursor(lf.file, lf.file, validate, r.entryBytes)

	action, err := cursor.Next()
	if err != nil {
		if err == io.EOF {
			r.files.endReading(true)
			return nil, ErrNothingToRead
		}
		r.files.endReading(false)
		return nil, err
	}
	begin, ok := action.(BeginRecordAction)
	if !ok {
		r.files.endReading(false)
		return nil, newCorruption("record did not start with BeginRecord", nil)
	}

	r.pending = &enactHandle{cursor: cursor, recordID: begin.RecordID, lf: lf}
	return cursor, nil
}

// EndRead acknowledges that recordID has been fully enacted: the matching
// overlay entries are evicted, the file's read offset advances past the
// record, and the reading slot is freed for the next ReadNext call (or
// marked done if that was the file's last record). Passing a recordID
// that doesn't match the record the last ReadNext call handed out is a
// caller error.
func (r *LogReader) EndRead(recordID uint64) error {
	if r.pending == nil {
		return &InvalidInputError{Reason: "EndRead called without a pending ReadNext"}
	}
	if r.pending.recordID != recordID {
		return &InvalidInputError{Reason: "EndRead record id does not match the last ReadNext"}
	}

	index, value := r.pending.cursor.DrainClearList()
	for _, k := range index {
		r.overlays.clearIndex(k.Table, k.Slot, recordID)
	}
	for _, k := range value {
		r.overlays.clearValue(k.Table, k.Slot, recordID)
	}

	lf := r.pending.lf
	lf.readOffset += r.pending.cursor.ReadBytes()
	done := lf.readOffset >= lf.size

	r.pending = nil
	r.files.endReading(done)
	return nil
}
