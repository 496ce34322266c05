package wal

import "log/slog"

// Default sizing for the index chunk layout. The real
// index table implementation owns these constants; this package only needs
// concrete values to frame and test INSERT_INDEX records against.
const (
	DefaultEntryBytes   = 4
	DefaultChunkEntries = 64
	DefaultChunkBytes   = DefaultEntryBytes * DefaultChunkEntries
)

// MaxLogPoolSize bounds the number of truncated log files kept around for
// reuse.
const MaxLogPoolSize = 16

// Options configures an opened WAL: the database path and the sync_wal
// durability flag, generalized into a struct the way the rest of the
// pack threads configuration (compare calvinalkan-agent-task's Options
// types and Scarage1-FlashDB's config package) instead of positional
// constructor arguments.
type Options struct {
	// Path is the database directory containing log<N> files.
	Path string

	// SyncWAL requests an fsync of the flushing file on every FlushOne
	// call. Without it, a committed record is visible to readers via the
	// overlay immediately but is not guaranteed durable until the OS
	// flushes its own buffers.
	SyncWAL bool

	// Logger receives structured diagnostics from the writer, file
	// lifecycle manager, reader and recovery scanner. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// EntryBytes sizes each INSERT_INDEX sub-entry (CHUNK_BYTES is
	// DefaultChunkEntries*EntryBytes). Defaults to DefaultEntryBytes.
	EntryBytes int

	// ValuePayloadLen reports how many bytes the value table at (table,
	// slot) occupies, given an INSERT_VALUE action with no length of its
	// own (the WAL never learns payload length on its own). Required
	// whenever the log contains INSERT_VALUE records, since without it
	// recovery cannot find where such a record ends. Open fails with an
	// InvalidConfigurationError if it encounters an INSERT_VALUE record
	// and this hook is nil.
	ValuePayloadLen func(table uint16, slot uint64) (int, error)
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Options) entryBytes() int {
	if o.EntryBytes > 0 {
		return o.EntryBytes
	}
	return DefaultEntryBytes
}
