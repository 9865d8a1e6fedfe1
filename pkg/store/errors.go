package store

import "errors"

// ErrNotFound is returned by Get for a missing key. Per spec §4.1 this is not
// an error for readers; callers of Get that want "missing is fine" behavior
// should treat it as a normal, expected outcome rather than logging it.
var ErrNotFound = errors.New("store: key not found")

// ErrStorageFull is returned once the database has grown past MaxMapSize.
// The caller must grow the map (GrowMapSize) and retry; see spec §4.1/§7.
var ErrStorageFull = errors.New("store: map size exceeded")

// ErrStorageCorrupt is fatal: the underlying bbolt file failed to open or a
// read returned data that does not round-trip. The worker process should
// exit after emitting an error notification; see spec §7.
var ErrStorageCorrupt = errors.New("store: database corrupt")

// ErrReadOnly is returned when a write-only operation is attempted against a
// read transaction's handle.
var ErrReadOnly = errors.New("store: transaction is read-only")

// ErrUnknownDB is returned by OpenDB when the named sub-database was never
// registered with EnsureDB.
var ErrUnknownDB = errors.New("store: unknown sub-database")

// ErrNotSupportedOnDup is returned when Get/Delete (single-value operations)
// are called against an AllowDuplicates handle.
var ErrNotSupportedOnDup = errors.New("store: operation not supported on a duplicate-keyed sub-database")

// ErrNotSupportedOnNonDup is returned when duplicate-only operations are
// called against a handle opened without AllowDuplicates.
var ErrNotSupportedOnNonDup = errors.New("store: operation requires a duplicate-keyed sub-database")
