package wal

import (
	"log/slog"
	"os"
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseLogFileName(t *testing.T) {
	id, ok := parseLogFileName("log42")
	assert.Assert(t, ok)
	assert.Equal(t, id, uint64(42))

	_, ok = parseLogFileName("notalog")
	assert.Assert(t, !ok)

	_, ok = parseLogFileName("log")
	assert.Assert(t, !ok)
}

func TestFilesAppendAndRotate(t *testing.T) {
	dir := t.TempDir()
	f := newFiles(dir, 4, false, slog.Default())

	fileID, offset, err := f.Append([]byte("record-one"))
	assert.NilError(t, err)
	assert.Equal(t, offset, uint64(0))

	fileID2, offset2, err := f.Append([]byte("record-two"))
	assert.NilError(t, err)
	assert.Equal(t, fileID2, fileID)
	assert.Equal(t, offset2, uint64(len("record-one")))

	assert.NilError(t, f.Rotate())
	_, startedReading, _, err := f.FlushOne()
	assert.NilError(t, err)
	assert.Assert(t, startedReading)
}

func TestFilesRotateRefusesWhenFlushingOccupied(t *testing.T) {
	dir := t.TempDir()
	f := newFiles(dir, 4, false, slog.Default())

	_, _, err := f.Append([]byte("a"))
	assert.NilError(t, err)
	assert.NilError(t, f.Rotate())

	_, _, err = f.Append([]byte("b"))
	assert.NilError(t, err)
	err = f.Rotate()
	assert.ErrorContains(t, err, "still waiting to be flushed")
}

func TestFilesCleanLogsReturnsToPool(t *testing.T) {
	dir := t.TempDir()
	f := newFiles(dir, 4, false, slog.Default())

	_, _, err := f.Append([]byte("payload"))
	assert.NilError(t, err)
	assert.NilError(t, f.Rotate())
	_, started, _, err := f.FlushOne()
	assert.NilError(t, err)
	assert.Assert(t, started)

	lf, ok := f.startReading()
	assert.Assert(t, ok)
	assert.Equal(t, lf.size, uint64(len("payload")))
	f.endReading(true)

	cleaned, err := f.CleanLogs()
	assert.NilError(t, err)
	assert.Equal(t, cleaned, 1)

	f.poolMu.Lock()
	poolSize := len(f.pool)
	f.poolMu.Unlock()
	assert.Equal(t, poolSize, 1)
}

func TestFilesNumDirtyLogs(t *testing.T) {
	dir := t.TempDir()
	f := newFiles(dir, 4, false, slog.Default())
	assert.Equal(t, f.NumDirtyLogs(), 0)

	_, _, err := f.Append([]byte("x"))
	assert.NilError(t, err)
	assert.Equal(t, f.NumDirtyLogs(), 1)
}

func TestFilesKillAllClosesEverything(t *testing.T) {
	dir := t.TempDir()
	f := newFiles(dir, 4, false, slog.Default())
	_, _, err := f.Append([]byte("x"))
	assert.NilError(t, err)

	assert.NilError(t, f.killAll())

	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	assert.Assert(t, len(entries) >= 1)
}
