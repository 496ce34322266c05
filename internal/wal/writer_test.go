package wal

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriterSequentialRecordIDs(t *testing.T) {
	w := newWriter(4)

	c1 := w.BeginRecord()
	assert.Equal(t, c1.RecordID(), uint64(1))
	w.release(c1)

	c2 := w.BeginRecord()
	assert.Equal(t, c2.RecordID(), uint64(2))
	w.release(c2)
}

func TestWriterResumeFromSkipsPastRecoveredIDs(t *testing.T) {
	w := newWriter(4)
	w.resumeFrom(100)

	c := w.BeginRecord()
	assert.Equal(t, c.RecordID(), uint64(101))
	w.release(c)
}

func TestWriterPanicsOnDoubleBegin(t *testing.T) {
	w := newWriter(4)
	w.BeginRecord()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double BeginRecord")
		}
	}()
	w.BeginRecord()
}

func TestWriterPanicsOnReleaseWithoutBegin(t *testing.T) {
	w := newWriter(4)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on release without a matching BeginRecord")
		}
	}()
	w.release(&LogChange{})
}

func TestLogChangeInsertIndexMergesWithinRecord(t *testing.T) {
	w := newWriter(4)
	change := w.BeginRecord()
	defer w.release(change)

	change.InsertIndex(1, 50, 0, []byte{1, 1, 1, 1})
	change.InsertIndex(1, 50, 3, []byte{2, 2, 2, 2})

	ch := change.index[1][50]
	assert.Equal(t, ch.mask, uint64(1)|uint64(1)<<3)
	assert.DeepEqual(t, ch.chunk[0:4], []byte{1, 1, 1, 1})
	assert.DeepEqual(t, ch.chunk[3*4:3*4+4], []byte{2, 2, 2, 2})
}

func TestLogChangeInsertValueReplacesWithinRecord(t *testing.T) {
	w := newWriter(4)
	change := w.BeginRecord()
	defer w.release(change)

	change.InsertValue(1, 50, []byte("old"))
	change.InsertValue(1, 50, []byte("new"))

	assert.Equal(t, string(change.value[1][50].payload), "new")
}

func TestLogChangeInsertIndexWrongWidthPanics(t *testing.T) {
	w := newWriter(4)
	change := w.BeginRecord()
	defer w.release(change)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on wrong-width entry")
		}
	}()
	change.InsertIndex(1, 50, 0, []byte{1, 2, 3})
}

func TestLogChangeEncodeToProducesValidRecord(t *testing.T) {
	w := newWriter(4)
	change := w.BeginRecord()
	change.InsertIndex(1, 1, 0, []byte{9, 9, 9, 9})

	var buf bytes.Buffer
	n, err := change.encodeTo(&buf)
	w.release(change)
	assert.NilError(t, err)
	assert.Equal(t, int(n), buf.Len())

	cursor := NewCursor(&buf, nil, true, 4)
	action, err := cursor.Next()
	assert.NilError(t, err)
	_, ok := action.(BeginRecordAction)
	assert.Assert(t, ok)
}
