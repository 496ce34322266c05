package wal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func writeLogFile(t *testing.T, dir string, id uint64, records ...*LogChange) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, logFileName(id)), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	assert.NilError(t, err)
	defer f.Close()
	for _, r := range records {
		_, err := r.encodeTo(f)
		assert.NilError(t, err)
	}
}

func buildChange(recordID uint64, build func(c *LogChange)) *LogChange {
	c := &LogChange{recordID: recordID, entryBytes: 4,
		index: make(map[uint16]map[uint64]*logIndexChange),
		value: make(map[uint16]map[uint64]*logValueChange),
	}
	build(c)
	return c
}

func TestRecoveryReplaysIndexIntoOverlays(t *testing.T) {
	dir := t.TempDir()
	change := buildChange(1, func(c *LogChange) {
		c.InsertIndex(1, 10, 0, []byte{1, 2, 3, 4})
	})
	writeLogFile(t, dir, 1, change)

	recovery, err := OpenRecovery(dir, 4, nil, slog.Default())
	assert.NilError(t, err)

	overlays := newOverlays(4)
	id, err := recovery.ReplayNext(overlays)
	assert.NilError(t, err)
	assert.Equal(t, id, uint64(1))

	_, err = recovery.ReplayNext(overlays)
	assert.Equal(t, err, io.EOF)

	mask, chunk, ok := overlays.WithIndex(1, 10)
	assert.Assert(t, ok)
	assert.Equal(t, mask, uint64(1))
	assert.DeepEqual(t, chunk[0:4], []byte{1, 2, 3, 4})

	lastID, ok := recovery.LastRecordID()
	assert.Assert(t, ok)
	assert.Equal(t, lastID, uint64(1))
}

func TestRecoveryRequiresValuePayloadLenHook(t *testing.T) {
	dir := t.TempDir()
	change := buildChange(1, func(c *LogChange) {
		c.InsertValue(1, 10, []byte("hello"))
	})
	writeLogFile(t, dir, 1, change)

	recovery, err := OpenRecovery(dir, 4, nil, slog.Default())
	assert.NilError(t, err)

	overlays := newOverlays(4)
	_, err = recovery.ReplayNext(overlays)
	var cfgErr *InvalidConfigurationError
	assert.Assert(t, errors.As(err, &cfgErr))
}

func TestRecoveryReplaysValueWithSizerHook(t *testing.T) {
	dir := t.TempDir()
	change := buildChange(1, func(c *LogChange) {
		c.InsertValue(1, 10, []byte("hello"))
	})
	writeLogFile(t, dir, 1, change)

	sizer := func(table uint16, slot uint64) (int, error) { return len("hello"), nil }
	recovery, err := OpenRecovery(dir, 4, sizer, slog.Default())
	assert.NilError(t, err)

	overlays := newOverlays(4)
	_, err = recovery.ReplayNext(overlays)
	assert.NilError(t, err)

	payload, ok := overlays.Value(1, 10)
	assert.Assert(t, ok)
	assert.Equal(t, string(payload), "hello")
}

func TestRecoveryOrdersMultipleFilesByFirstRecordID(t *testing.T) {
	dir := t.TempDir()
	second := buildChange(2, func(c *LogChange) { c.DropTable(2) })
	first := buildChange(1, func(c *LogChange) { c.DropTable(1) })
	writeLogFile(t, dir, 5, second)
	writeLogFile(t, dir, 3, first)

	recovery, err := OpenRecovery(dir, 4, nil, slog.Default())
	assert.NilError(t, err)

	overlays := newOverlays(4)
	id1, err := recovery.ReplayNext(overlays)
	assert.NilError(t, err)
	assert.Equal(t, id1, uint64(1))

	id2, err := recovery.ReplayNext(overlays)
	assert.NilError(t, err)
	assert.Equal(t, id2, uint64(2))
}

func TestRecoverySkipsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := os.OpenFile(filepath.Join(dir, logFileName(1)), os.O_CREATE|os.O_RDWR, 0o644)
	assert.NilError(t, err)
	f.Close()

	recovery, err := OpenRecovery(dir, 4, nil, slog.Default())
	assert.NilError(t, err)

	overlays := newOverlays(4)
	_, err = recovery.ReplayNext(overlays)
	assert.Equal(t, err, io.EOF)

	_, ok := recovery.LastRecordID()
	assert.Assert(t, !ok)
}

func TestRecoveryClearReplayLogsQueuesFileForEnactment(t *testing.T) {
	dir := t.TempDir()
	change := buildChange(1, func(c *LogChange) { c.DropTable(1) })
	writeLogFile(t, dir, 1, change)

	recovery, err := OpenRecovery(dir, 4, nil, slog.Default())
	assert.NilError(t, err)
	overlays := newOverlays(4)
	_, err = recovery.ReplayNext(overlays)
	assert.NilError(t, err)

	files := newFiles(dir, 4, false, slog.Default())
	assert.NilError(t, recovery.ClearReplayLogs(files))

	lf, ok := files.startReading()
	assert.Assert(t, ok)
	assert.Equal(t, lf.id, uint64(1))
}

// A recovered record must not be discarded before the caller actually
// enacts it through the normal ReadNext/EndRead cycle - the overlay is
// only cleared once EndRead runs, and the backing file is only truncated
// and pooled once the caller has read it to the end.
func TestRecoveryRecoveredRecordSurvivesUntilEnacted(t *testing.T) {
	dir := t.TempDir()
	change := buildChange(1, func(c *LogChange) {
		c.InsertIndex(1, 10, 0, []byte{1, 2, 3, 4})
	})
	writeLogFile(t, dir, 1, change)

	recovery, err := OpenRecovery(dir, 4, nil, slog.Default())
	assert.NilError(t, err)
	overlays := newOverlays(4)
	_, err = recovery.ReplayNext(overlays)
	assert.NilError(t, err)
	_, err = recovery.ReplayNext(overlays)
	assert.Equal(t, err, io.EOF)

	files := newFiles(dir, 4, false, slog.Default())
	assert.NilError(t, recovery.ClearReplayLogs(files))

	reader := newLogReader(files, overlays, 4)
	cursor, err := reader.ReadNext(true)
	assert.NilError(t, err)
	// ReadNext has already consumed the BeginRecord action.
	recordID := cursor.RecordID()
	for {
		action, err := cursor.Next()
		assert.NilError(t, err)
		if _, ok := action.(EndRecordAction); ok {
			break
		}
	}
	assert.NilError(t, reader.EndRead(recordID))

	_, _, ok := overlays.WithIndex(1, 10)
	assert.Assert(t, !ok)

	cleaned, err := files.CleanLogs()
	assert.NilError(t, err)
	assert.Equal(t, cleaned, 1)
}
