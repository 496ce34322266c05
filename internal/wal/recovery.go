package wal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// recoveryFile is one log<N> file discovered on disk at Open, together
// with the record id its first BEGIN carries (a 9-byte probe:
// one tag byte plus an 8-byte record id, read without disturbing the
// rest of the file). scanOffset tracks the replay scan's own cursor; it is
// never handed to Files as a starting read offset, since the scan only
// populates Overlays and does not enact anything.
type recoveryFile struct {
	id            uint64
	firstRecordID uint64
	empty         bool
	file          *os.File
	size          uint64
	scanOffset    uint64
}

// Recovery replays every un-enacted record left on disk from a prior run
// back into Overlays, and determines the highest record id anyone has
// used so Writer can resume numbering after it. It owns its file handles
// independently of Files until ClearReplayLogs hands them off to the
// normal lifecycle (original_source's Log::open / replay_next /
// clear_replay_logs).
type Recovery struct {
	dir        string
	entryBytes int
	sizer      func(table uint16, slot uint64) (int, error)
	logger     *slog.Logger

	files        []*recoveryFile
	idx          int
	lastRecordID uint64
	sawAnyRecord bool
}

// OpenRecovery enumerates log<N> files in dir, probes each one's first
// record id, and orders them for replay. It does not yet replay anything;
// call ReplayNext repeatedly until io.EOF.
func OpenRecovery(dir string, entryBytes int, sizer func(uint16, uint64) (int, error), logger *slog.Logger) (*Recovery, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	r := &Recovery{dir: dir, entryBytes: entryBytes, sizer: sizer, logger: logger}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := parseLogFileName(entry.Name())
		if !ok {
			continue
		}
		rf, err := r.probe(id)
		if err != nil {
			return nil, err
		}
		r.files = append(r.files, rf)
	}

	sort.Slice(r.files, func(i, j int) bool {
		if r.files[i].empty != r.files[j].empty {
			return !r.files[i].empty // non-empty files replay first
		}
		return r.files[i].firstRecordID < r.files[j].firstRecordID
	})
	return r, nil
}

// probe opens id and reads just enough (tag + record id, 9 bytes) to learn
// its replay order without scanning the whole file.
func (r *Recovery) probe(id uint64) (*recoveryFile, error) {
	path := filepath.Join(r.dir, logFileName(id))
	fh, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	size := uint64(info.Size())
	if size == 0 {
		return &recoveryFile{id: id, empty: true, file: fh, size: 0}, nil
	}
	var head [9]byte
	if _, err := io.ReadFull(fh, head[:]); err != nil {
		fh.Close()
		return nil, newCorruption("log file too short to contain a record header", err)
	}
	if head[0] != tagBeginRecord {
		fh.Close()
		return nil, newCorruption("log file does not begin with a BEGIN record", nil)
	}
	firstID := byteOrder.Uint64(head[1:9])
	return &recoveryFile{id: id, firstRecordID: firstID, file: fh, size: size}, nil
}

// ReplayNext replays the next record (merging its index/value writes into
// overlays) and returns its record id. It returns io.EOF once every
// on-disk file has been fully scanned. This scan only populates Overlays
// so readers see the right data immediately on reopen - it never marks
// anything enacted, since only a real ReadNext/EndRead pass (run by the
// caller against its own index/value tables, via ClearReplayLogs below)
// can do that.
func (r *Recovery) ReplayNext(overlays *Overlays) (uint64, error) {
	for {
		if r.idx >= len(r.files) {
			return 0, io.EOF
		}
		rf := r.files[r.idx]
		if rf.empty || rf.scanOffset >= rf.size {
			r.idx++
			continue
		}

		id, usable, err := r.replayOneRecord(rf, overlays)
		if err != nil {
			return 0, err
		}
		if !usable {
			// no further record could be read from this file
			r.idx++
			continue
		}
		r.lastRecordID = id
		r.sawAnyRecord = true
		return id, nil
	}
}

// replayOneRecord drives a single record through a Cursor, merging
// INSERT_INDEX/INSERT_VALUE writes into overlays and DROP_TABLE markers
// into the dropped set, and advances rf's scan cursor past it. usable is
// false only when rf is exhausted before the first byte of another record.
// A record cut off part-way (a torn write from a crash mid-append) is not
// treated specially: the cursor's io.ErrUnexpectedEOF (or io.EOF, when the
// cut falls just before an action's tag byte) is returned as err, and the
// writes of that record read so far have already been merged into overlays.
func (r *Recovery) replayOneRecord(rf *recoveryFile, overlays *Overlays) (recordID uint64, usable bool, err error) {
	if _, err := rf.file.Seek(int64(rf.scanOffset), io.SeekStart); err != nil {
		return 0, false, err
	}
	cursor := NewCursor(rf.file, rf.file, true, r.entryBytes)

	action, err := cursor.Next()
	if err == io.EOF {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	begin, ok := action.(BeginRecordAction)
	if !ok {
		return 0, false, newCorruption("expected BeginRecord while replaying", nil)
	}

	for {
		action, err := cursor.Next()
		if err != nil {
			return 0, false, err
		}
		switch a := action.(type) {
		case *InsertIndexAction:
			overlays.mergeIndex(a.Table, a.Slot, begin.RecordID, a.Mask, a.Entries)
		case *InsertValueAction:
			if r.sizer == nil {
				return 0, false, &InvalidConfigurationError{Reason: "log contains INSERT_VALUE records but no ValuePayloadLen hook was configured"}
			}
			n, err := r.sizer(a.Table, a.Slot)
			if err != nil {
				return 0, false, err
			}
			buf := make([]byte, n)
			if err := cursor.ReadPayload(buf); err != nil {
				return 0, false, err
			}
			overlays.mergeValue(a.Table, a.Slot, begin.RecordID, buf)
		case DropTableAction:
			overlays.markDropped(a.Table)
		case EndRecordAction:
			rf.scanOffset += cursor.ReadBytes()
			return begin.RecordID, true, nil
		}
	}
}

// LastRecordID returns the highest record id seen across every replayed
// record, or (0, false) if the log was empty.
func (r *Recovery) LastRecordID() (uint64, bool) {
	return r.lastRecordID, r.sawAnyRecord
}

// ClearReplayLogs hands every recovered file over to the normal file
// lifecycle manager. An empty file is pooled immediately - it has nothing
// to enact. Every non-empty file is queued for enactment, in replay
// order, at offset zero: ReplayNext only shadowed these records into
// Overlays, it never applied them to the real index/value tables, so the
// caller's normal ReadNext/EndRead loop must still read each record and
// enact it before the file is truncated and pooled (mirroring
// original_source's clear_replay_logs installing recovered files into the
// reading slot rather than discarding them). Re-enacting a record whose
// effect already reached the real tables before a crash is harmless,
// since INSERT_INDEX/INSERT_VALUE overwrite rather than accumulate.
func (r *Recovery) ClearReplayLogs(files *Files) error {
	for _, rf := range r.files {
		files.adoptFileID(rf.id)
		if rf.empty {
			files.poolMu.Lock()
			files.pool = append(files.pool, &logFile{id: rf.id, file: rf.file})
			files.poolMu.Unlock()
			continue
		}
		files.queueForEnact(&logFile{id: rf.id, file: rf.file, size: rf.size})
	}
	r.files = nil
	r.idx = 0
	return nil
}

// KillLogs discards every file recovery opened without adopting them into
// the normal lifecycle - used when Open fails partway through and the
// caller wants a clean teardown.
func (r *Recovery) KillLogs() error {
	var errs []error
	for _, rf := range r.files {
		if err := rf.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.files = nil
	r.idx = 0
	return joinErrors(errs)
}
