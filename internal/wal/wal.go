package wal

import (
	"bytes"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// WAL is the public façade: it wires together the overlay store, the
// writer, the file lifecycle manager and the recovery scanner, keeping
// the public surface thin and delegating the real work to focused
// collaborators.
type WAL struct {
	dir        string
	entryBytes int
	logger     *slog.Logger

	lock     *dirLock
	overlays *Overlays
	writer   *Writer
	files    *Files
	reader   *LogReader

	recoveryEpoch uuid.UUID
}

// Open locks dir, replays any un-enacted records left by a prior run back
// into the overlay store, and returns a WAL ready for BeginRecord/ReadNext.
func Open(opts Options) (*WAL, error) {
	if opts.Path == "" {
		return nil, &InvalidConfigurationError{Reason: "Path must be set"}
	}
	entryBytes := opts.entryBytes()
	logger := opts.logger()
	epoch := uuid.New()
	logger = logger.With("recovery_epoch", epoch.String())

	lock, err := lockDir(opts.Path)
	if err != nil {
		return nil, err
	}

	overlays := newOverlays(entryBytes)
	files := newFiles(opts.Path, entryBytes, opts.SyncWAL, logger)
	writer := newWriter(entryBytes)

	recovery, err := OpenRecovery(opts.Path, entryBytes, opts.ValuePayloadLen, logger)
	if err != nil {
		lock.unlock()
		return nil, err
	}

	for {
		_, err := recovery.ReplayNext(overlays)
		if err == io.EOF {
			break
		}
		if err != nil {
			recovery.KillLogs()
			lock.unlock()
			return nil, err
		}
	}

	if lastID, ok := recovery.LastRecordID(); ok {
		writer.resumeFrom(lastID)
	}

	if err := recovery.ClearReplayLogs(files); err != nil {
		lock.unlock()
		return nil, err
	}

	logger.Info("wal: opened", "dir", opts.Path)

	return &WAL{
		dir:           opts.Path,
		entryBytes:    entryBytes,
		logger:        logger,
		lock:          lock,
		overlays:      overlays,
		writer:        writer,
		files:         files,
		reader:        newLogReader(files, overlays, entryBytes),
		recoveryEpoch: epoch,
	}, nil
}

// BeginRecord starts a new record, returning a LogChange to accumulate
// mutations into before calling EndRecord.
func (w *WAL) BeginRecord() *LogChange {
	return w.writer.BeginRecord()
}

// EndRecord serializes change, appends it to the current file, and merges
// its writes into the overlay store so readers see them immediately. It
// never rotates the file; that is left to the caller's own size policy via
// Rotate. An empty change (no entries) is dropped without touching the file,
// matching the writer's own edge case for an empty record.
func (w *WAL) EndRecord(change *LogChange) error {
	defer w.writer.release(change)

	if change.IsEmpty() {
		return nil
	}

	var buf bytes.Buffer
	if _, err := change.encodeTo(&buf); err != nil {
		return err
	}
	if _, _, err := w.files.Append(buf.Bytes()); err != nil {
		return err
	}

	for table, slots := range change.index {
		for slot, ch := range slots {
			n := 0
			for sub := 0; sub < 64; sub++ {
				if ch.mask&(uint64(1)<<uint(sub)) != 0 {
					n++
				}
			}
			entries := make([]byte, 0, n*w.entryBytes)
			for sub := 0; sub < 64; sub++ {
				if ch.mask&(uint64(1)<<uint(sub)) == 0 {
					continue
				}
				start := sub * w.entryBytes
				entries = append(entries, ch.chunk[start:start+w.entryBytes]...)
			}
			w.overlays.mergeIndex(table, slot, change.recordID, ch.mask, entries)
		}
	}
	for table, slots := range change.value {
		for slot, ch := range slots {
			w.overlays.mergeValue(table, slot, change.recordID, ch.payload)
		}
	}
	for _, table := range change.dropped {
		w.overlays.markDropped(table)
	}

	return nil
}

// Rotate seals the current append file so the next FlushOne call can pick
// it up, used by a caller-driven size or time policy.
func (w *WAL) Rotate() error {
	return w.files.Rotate()
}

// FlushOne syncs the sealed file (if SyncWAL is set) and, if the reader is
// idle, hands it over for enactment. See Files.FlushOne for the meaning
// of the three returned booleans.
func (w *WAL) FlushOne() (hadFlushing, startedReading, hasCleanupWork bool, err error) {
	return w.files.FlushOne()
}

// ReadNext returns a Cursor over the next un-enacted record for the
// caller to apply to its own index/value storage. The caller must drive
// the cursor through to its EndRecordAction (calling Cursor.ReadPayload
// for every InsertValueAction along the way) and then call EndRead with
// the same record id.
func (w *WAL) ReadNext(validate bool) (*Cursor, error) {
	return w.reader.ReadNext(validate)
}

// EndRead acknowledges that recordID has been fully enacted.
func (w *WAL) EndRead(recordID uint64) error {
	return w.reader.EndRead(recordID)
}

// CleanLogs truncates fully-enacted files and returns them to the reuse
// pool.
func (w *WAL) CleanLogs() (int, error) {
	return w.files.CleanLogs()
}

// NumDirtyLogs reports how many files currently hold un-enacted records.
func (w *WAL) NumDirtyLogs() int {
	return w.files.NumDirtyLogs()
}

// Overlays exposes the overlay store for point reads that must be
// checked before falling back to the real index/value tables.
func (w *WAL) Overlays() *Overlays {
	return w.overlays
}

// Path returns the database directory this WAL was opened against.
func (w *WAL) Path() string {
	return w.dir
}

// RecoveryEpoch identifies this Open call in log output, letting every
// log line emitted during the lifetime of this WAL be correlated back to
// the recovery run that produced it.
func (w *WAL) RecoveryEpoch() uuid.UUID {
	return w.recoveryEpoch
}

// Close releases the directory lock and closes every file the WAL holds,
// aggregating any failures instead of stopping at the first.
func (w *WAL) Close() error {
	err := w.files.killAll()
	if unlockErr := w.lock.unlock(); unlockErr != nil {
		err = joinErrors([]error{err, unlockErr})
	}
	return err
}
