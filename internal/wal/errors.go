package wal

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Error kinds surfaced by the WAL, mirroring original_source's
// Error enum (Io, Corruption, InvalidConfiguration, InvalidInput,
// Background, Locked, Migration). I/O failures have no type of their own:
// they are the underlying os errors, wrapped with %w. CorruptionError and
// LockedError unwrap to the ErrCorruption/ErrLocked sentinels (their Cause
// is kept for the message only), MigrationError and BackgroundError unwrap
// to their Cause, and the configuration/input errors carry no cause.

// ErrCorruption is the sentinel matched by errors.Is against any
// CorruptionError, regardless of the message attached.
var ErrCorruption = errors.New("wal: corruption")

// ErrLocked is the sentinel matched by errors.Is against any LockedError.
var ErrLocked = errors.New("wal: database directory is in use")

// CorruptionError reports a bad record type byte, a CRC mismatch, or a
// record that doesn't start with BeginRecord. It is fatal to the current
// replay pass: the WAL does not attempt repair.
type CorruptionError struct {
	Reason string
	Cause  error
}

func (e *CorruptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wal: corruption: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("wal: corruption: %s", e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

func newCorruption(reason string, cause error) *CorruptionError {
	return &CorruptionError{Reason: reason, Cause: cause}
}

// LockedError reports that the database directory is already held open by
// another process, detected via flock.
type LockedError struct {
	Path  string
	Cause error
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("wal: directory %q is locked by another process: %v", e.Path, e.Cause)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// InvalidConfigurationError reports a problem with Options.
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("wal: invalid configuration: %s", e.Reason)
}

// InvalidInputError reports a caller error, e.g. an unknown record id
// passed to EndRead.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("wal: invalid input: %s", e.Reason)
}

// MigrationError is surfaced by the enclosing database for on-disk format
// migration problems; the WAL itself never originates one, but callers may
// wrap WAL errors into this kind when bridging into the rest of the engine.
type MigrationError struct {
	Reason string
	Cause  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("wal: migration: %s: %v", e.Reason, e.Cause)
}

func (e *MigrationError) Unwrap() error { return e.Cause }

// BackgroundError wraps a failure observed by a background worker (the
// flusher or enactor) so it can be surfaced to a foreground caller without
// losing the original cause.
type BackgroundError struct {
	Cause error
}

func (e *BackgroundError) Error() string {
	return fmt.Sprintf("wal: background worker error: %v", e.Cause)
}

func (e *BackgroundError) Unwrap() error { return e.Cause }

// joinErrors combines independent failures (e.g. closing several files
// during shutdown) into one error that still supports errors.Is/errors.As
// against any individual cause, instead of discarding all but the first.
func joinErrors(errs []error) error {
	var combined error
	for _, err := range errs {
		combined = multierr.Append(combined, err)
	}
	return combined
}
