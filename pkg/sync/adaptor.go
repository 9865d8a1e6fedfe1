package sync

import (
	"context"
	"errors"

	"github.com/cuemby/sink/pkg/entity"
)

// SourceAdaptor is the type-specific collaborator the synchronizer drives
// (spec §4.6, §5: "blocking I/O on the source is delegated to the source
// adaptor which must expose non-blocking/future-returning calls"). Every
// method takes a context so the synchronizer can propagate Logout/AbortSync
// cancellation into in-flight network operations (spec §5).
type SourceAdaptor interface {
	// Login establishes a session using secret (resolved from the secret
	// store). Logout ends it and aborts any in-flight operation.
	Login(ctx context.Context, secret string) error
	Logout(ctx context.Context) error

	// CreateRemote creates typ on the source from props, returning the
	// source-assigned remote id.
	CreateRemote(ctx context.Context, typ string, props entity.Properties) (remoteID string, err error)
	// ModifyRemote applies props (a partial change set) to remoteID on the
	// source.
	ModifyRemote(ctx context.Context, typ, remoteID string, props entity.Properties) error
	// DeleteRemote removes remoteID from the source.
	DeleteRemote(ctx context.Context, typ, remoteID string) error

	// Synchronize pulls typ's current state for scope, returning the entities
	// to reconcile locally via create_or_modify/scan_for_removals. An empty
	// scope means "everything this adaptor knows about".
	Synchronize(ctx context.Context, scope string) (*SyncResult, error)

	// Inspect runs an adaptor-defined diagnostic, returning a human-readable
	// report (spec §4.6's Inspect(spec) request).
	Inspect(ctx context.Context, spec string) (string, error)
}

// SyncResult is one Synchronize call's outcome: the remote records to
// reconcile via create_or_modify, and, for types where the adaptor can
// enumerate the complete remote set, a predicate scan_for_removals can use
// to find local entities the source no longer has.
type SyncResult struct {
	Type    string
	Records []RemoteRecord
	// Complete marks Records as the adaptor's full enumeration for Type, so
	// the caller may run scan_for_removals against it. False for adaptors
	// that only report a delta.
	Complete bool
}

// RemoteRecord is one entity as seen from the source, keyed by the source's
// own id.
type RemoteRecord struct {
	RemoteID string
	Props    entity.Properties
}

// TransientError marks a replay/sync failure as retryable (spec §4.6: "on
// transient failure, pauses replay with backoff").
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a replay/sync failure as non-retryable (spec §4.6:
// "on permanent failure, surfaces an error notification and advances past
// the item").
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or something it wraps) is a
// TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err (or something it wraps) is a
// PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
