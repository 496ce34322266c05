// Package wal implements the write-ahead log subsystem of an embedded
// key-value database engine: a pool of log<N> files, an in-memory
// overlay store that makes uncommitted writes visible to readers ahead
// of enactment, and a recovery scanner that replays whatever a prior
// run left un-enacted.
//
// Data flows through four stages:
//
//	BeginRecord/EndRecord        Append              FlushOne            ReadNext/EndRead
//	     (Writer)         --->   (Files)     --->    (Files)      --->    (LogReader)
//	         |                                                                 |
//	         v                                                                 v
//	    Overlays.merge*                                                 caller applies
//	    (visible to readers                                            to real index/
//	     immediately)                                                    value storage
//	                                                                          |
//	                                                                          v
//	                                                                    Overlays.clear*
//	                                                                   CleanLogs (pool reuse)
//
// A LogChange accumulates INSERT_INDEX/INSERT_VALUE/DROP_TABLE writes for
// one record; EndRecord encodes and appends it, then merges the same
// writes into Overlays so a concurrent reader sees them before the
// record is ever enacted into real storage. Rotate seals the current
// append file; FlushOne syncs it (if configured) and hands it to the
// reading slot. ReadNext drives a Cursor over the oldest un-enacted
// record for the caller to apply; EndRead clears the corresponding
// overlay entries and, once a file is fully consumed, queues it for
// CleanLogs to truncate and return to the pool.
//
// On Open, Recovery enumerates log<N> files left by a prior run, orders
// them by their first record id, and replays every record directly into
// Overlays before the WAL accepts new writes. That replay only shadows
// the records into Overlays; it never touches real storage, so every
// non-empty recovered file is then queued behind whatever is already
// waiting for the reading slot. ReadNext still drives each of those
// records through the caller's normal enactment loop, in the same order
// recovery replayed them, before CleanLogs reclaims the file.
package wal
