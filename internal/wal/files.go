package wal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const logFilePrefix = "log"

func logFileName(id uint64) string {
	return fmt.Sprintf("%s%d", logFilePrefix, id)
}

// parseLogFileName extracts the numeric id from a "log<N>" directory
// entry, or reports ok=false for anything else.
func parseLogFileName(name string) (id uint64, ok bool) {
	if !strings.HasPrefix(name, logFilePrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(name[len(logFilePrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// logFile is one log<N> file together with the bookkeeping the lifecycle
// manager needs while it moves the file between pool/appending/flushing/
// reading/cleanup.
type logFile struct {
	id         uint64
	file       *os.File
	size       uint64
	readOffset uint64
}

func (f *logFile) path(dir string) string { return filepath.Join(dir, logFileName(f.id)) }

// Files owns every log<N> file on disk and the append/flush/read/cleanup
// pipeline a record moves through, translating original_source's
// Log struct (appending/flushing/reading/reading_state/log_pool/
// cleanup_queue guarded by parking_lot primitives) into stdlib
// sync.Mutex/RWMutex/Cond. Lock order, outside-in: flushing -> reading ->
// appending -> log_pool -> cleanup_queue.
type Files struct {
	dir        string
	entryBytes int
	syncWAL    bool
	logger     *slog.Logger

	nextFileIDMu sync.Mutex
	nextFileID   uint64

	poolMu sync.Mutex
	pool   []*logFile

	appendMu  sync.Mutex
	appending *logFile

	flushMu  sync.Mutex
	flushing *logFile

	readingMu   sync.Mutex
	readingCond *sync.Cond
	reading     *logFile
	readingBusy bool
	enactQueue  []*logFile

	cleanupMu    sync.Mutex
	cleanupQueue []*logFile
}

func newFiles(dir string, entryBytes int, syncWAL bool, logger *slog.Logger) *Files {
	f := &Files{dir: dir, entryBytes: entryBytes, syncWAL: syncWAL, logger: logger, nextFileID: 1}
	f.readingCond = sync.NewCond(&f.readingMu)
	return f
}

// createFile opens a brand new log<N> file for id, truncating any stale
// content (it should not have any - ids are never reused once assigned).
func (f *Files) createFile(id uint64) (*logFile, error) {
	path := filepath.Join(f.dir, logFileName(id))
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: create %s: %w", path, err)
	}
	return &logFile{id: id, file: fh}, nil
}

func (f *Files) allocateFileID() uint64 {
	f.nextFileIDMu.Lock()
	defer f.nextFileIDMu.Unlock()
	id := f.nextFileID
	f.nextFileID++
	return id
}

// adoptFileID ensures subsequently-created files don't collide with one
// discovered on disk during recovery.
func (f *Files) adoptFileID(id uint64) {
	f.nextFileIDMu.Lock()
	defer f.nextFileIDMu.Unlock()
	if id >= f.nextFileID {
		f.nextFileID = id + 1
	}
}

// acquireAppendFile returns the currently open appending file, opening one
// (reusing a pooled file if available) if none is open yet.
func (f *Files) acquireAppendFile() (*logFile, error) {
	f.appendMu.Lock()
	defer f.appendMu.Unlock()
	if f.appending != nil {
		return f.appending, nil
	}
	lf, err := f.takeFromPoolOrCreate()
	if err != nil {
		return nil, err
	}
	f.logger.Debug("wal: opened append file", "file", lf.id)
	f.appending = lf
	return lf, nil
}

func (f *Files) takeFromPoolOrCreate() (*logFile, error) {
	f.poolMu.Lock()
	if n := len(f.pool); n > 0 {
		lf := f.pool[n-1]
		f.pool = f.pool[:n-1]
		f.poolMu.Unlock()
		return lf, nil
	}
	f.poolMu.Unlock()
	return f.createFile(f.allocateFileID())
}

// Append writes a fully-encoded record to the current appending file,
// returning the file id it landed in and the offset it started at.
func (f *Files) Append(record []byte) (fileID uint64, offset uint64, err error) {
	f.appendMu.Lock()
	defer f.appendMu.Unlock()
	if f.appending == nil {
		lf, err := f.takeFromPoolOrCreate()
		if err != nil {
			return 0, 0, err
		}
		f.appending = lf
	}
	offset = f.appending.size
	n, err := f.appending.file.WriteAt(record, int64(offset))
	if err != nil {
		return 0, 0, fmt.Errorf("wal: append to %s: %w", logFileName(f.appending.id), err)
	}
	f.appending.size += uint64(n)
	return f.appending.id, offset, nil
}

// Rotate seals the current appending file into the flushing slot, failing
// if a previous flushing file hasn't been picked up by FlushOne yet - the
// caller should retry after the next flush.
func (f *Files) Rotate() error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()
	if f.flushing != nil {
		return &InvalidInputError{Reason: "a previous file is still waiting to be flushed"}
	}
	f.appendMu.Lock()
	sealed := f.appending
	f.appending = nil
	f.appendMu.Unlock()
	if sealed == nil {
		return nil
	}
	f.flushing = sealed
	return nil
}

// FlushOne syncs the sealed flushing file (when SyncWAL is set) and, if
// the reading slot is idle, hands it over so ReadNext can start enacting
// it. It returns three independent facts the caller (WAL.FlushOne) uses to
// decide what else there is to do: hadFlushing (there was a file to flush
// at all), startedReading (it was handed to the reading slot), and
// hasCleanupWork (the cleanup queue is non-empty and worth draining).
func (f *Files) FlushOne() (hadFlushing, startedReading, hasCleanupWork bool, err error) {
	f.flushMu.Lock()
	sealed := f.flushing
	if sealed == nil {
		f.flushMu.Unlock()
		return false, false, f.hasCleanupWork(), nil
	}
	f.flushing = nil
	f.flushMu.Unlock()

	if f.syncWAL {
		if err := sealed.file.Sync(); err != nil {
			return true, false, false, fmt.Errorf("wal: fsync %s: %w", logFileName(sealed.id), err)
		}
	}

	f.readingMu.Lock()
	defer f.readingMu.Unlock()
	if f.reading == nil && len(f.enactQueue) == 0 {
		f.reading = sealed
		f.logger.Debug("wal: handed flushed file to reader", "file", sealed.id)
		return true, true, f.hasCleanupWork(), nil
	}
	// Reading slot occupied, or earlier (e.g. recovered) files are still
	// waiting ahead of it: queue behind them so records stay in order.
	f.enactQueue = append(f.enactQueue, sealed)
	return true, false, f.hasCleanupWork(), nil
}

func (f *Files) hasCleanupWork() bool {
	f.cleanupMu.Lock()
	defer f.cleanupMu.Unlock()
	return len(f.cleanupQueue) > 0
}

// startReading returns the file installed in the reading slot, marking it
// busy so a concurrent EndRead/startReading pair can tell when it's safe to
// evict. When the slot is empty it first pulls the next file off
// enactQueue (recovered files awaiting a real enactment pass, in replay
// order) before reporting nothing to read. ok is false when there's
// nothing to read yet.
func (f *Files) startReading() (lf *logFile, ok bool) {
	f.readingMu.Lock()
	defer f.readingMu.Unlock()
	if f.reading == nil {
		if len(f.enactQueue) == 0 {
			return nil, false
		}
		f.reading = f.enactQueue[0]
		f.enactQueue = f.enactQueue[1:]
	}
	if f.readingBusy {
		return nil, false
	}
	f.readingBusy = true
	return f.reading, true
}

// queueForEnact appends a recovered file to the back of enactQueue so it
// gets fed through the normal ReadNext/EndRead cycle - in order, after
// whatever is already queued - once the reading slot next goes idle.
func (f *Files) queueForEnact(lf *logFile) {
	f.readingMu.Lock()
	f.enactQueue = append(f.enactQueue, lf)
	f.readingMu.Unlock()
}

// endReading marks the reading slot idle again. When done is true the
// whole file has been consumed (every record enacted), so it moves to the
// cleanup queue instead of being read again.
func (f *Files) endReading(done bool) {
	f.readingMu.Lock()
	lf := f.reading
	if done {
		f.reading = nil
	}
	f.readingBusy = false
	f.readingCond.Broadcast()
	f.readingMu.Unlock()

	if done && lf != nil {
		f.cleanupMu.Lock()
		f.cleanupQueue = append(f.cleanupQueue, lf)
		f.cleanupMu.Unlock()
		f.logger.Debug("wal: file fully enacted, queued for cleanup", "file", lf.id)
	}
}

// waitForIdleReader blocks until the reading slot is not busy (mirrors
// original_source's done_reading_cv). Nothing in this package calls it.
func (f *Files) waitForIdleReader() {
	f.readingMu.Lock()
	for f.readingBusy {
		f.readingCond.Wait()
	}
	f.readingMu.Unlock()
}

// CleanLogs truncates every file in the cleanup queue and returns it to
// the pool (bounded by MaxLogPoolSize; anything past that is deleted
// outright.
func (f *Files) CleanLogs() (cleaned int, err error) {
	f.cleanupMu.Lock()
	queue := f.cleanupQueue
	f.cleanupQueue = nil
	f.cleanupMu.Unlock()

	for _, lf := range queue {
		if err := lf.file.Truncate(0); err != nil {
			return cleaned, fmt.Errorf("wal: truncate %s: %w", logFileName(lf.id), err)
		}
		lf.size = 0

		f.poolMu.Lock()
		if len(f.pool) < MaxLogPoolSize {
			f.pool = append(f.pool, lf)
			f.poolMu.Unlock()
		} else {
			f.poolMu.Unlock()
			path := lf.path(f.dir)
			if err := lf.file.Close(); err != nil {
				return cleaned, err
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return cleaned, fmt.Errorf("wal: remove %s: %w", path, err)
			}
		}
		cleaned++
	}
	return cleaned, nil
}

// NumDirtyLogs reports how many files are currently holding un-enacted
// records: the appending file (if non-empty), a sealed flushing file, the
// file in the reading slot, and anything still waiting behind it in
// enactQueue.
func (f *Files) NumDirtyLogs() int {
	n := 0
	f.appendMu.Lock()
	if f.appending != nil && f.appending.size > 0 {
		n++
	}
	f.appendMu.Unlock()
	f.flushMu.Lock()
	if f.flushing != nil {
		n++
	}
	f.flushMu.Unlock()
	f.readingMu.Lock()
	if f.reading != nil {
		n++
	}
	n += len(f.enactQueue)
	f.readingMu.Unlock()
	return n
}

// openForReplay opens an existing log<N> file read-only. Recovery does not
// use it: Recovery.probe opens each file read-write itself.
func (f *Files) openForReplay(id uint64) (*os.File, error) {
	return os.Open(filepath.Join(f.dir, logFileName(id)))
}

// killAll closes every file this manager knows about - pooled, appending,
// flushing, reading and queued for cleanup - aggregating every failure
// instead of stopping at the first, so callers can still learn about a
// partial failure here.
func (f *Files) killAll() error {
	var errs []error
	closeAndCollect := func(lf *logFile) {
		if lf == nil {
			return
		}
		if err := lf.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wal: close %s: %w", logFileName(lf.id), err))
		}
	}

	f.appendMu.Lock()
	closeAndCollect(f.appending)
	f.appending = nil
	f.appendMu.Unlock()

	f.flushMu.Lock()
	closeAndCollect(f.flushing)
	f.flushing = nil
	f.flushMu.Unlock()

	f.readingMu.Lock()
	closeAndCollect(f.reading)
	f.reading = nil
	for _, lf := range f.enactQueue {
		closeAndCollect(lf)
	}
	f.enactQueue = nil
	f.readingMu.Unlock()

	f.poolMu.Lock()
	for _, lf := range f.pool {
		closeAndCollect(lf)
	}
	f.pool = nil
	f.poolMu.Unlock()

	f.cleanupMu.Lock()
	for _, lf := range f.cleanupQueue {
		closeAndCollect(lf)
	}
	f.cleanupQueue = nil
	f.cleanupMu.Unlock()

	return joinErrors(errs)
}
