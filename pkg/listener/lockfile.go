package listener

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lockfile is the process-level advisory lock spec §5 requires: "a
// process-level lockfile prevents two worker processes from opening the
// same instance concurrently." One is acquired before the entity store and
// synchronization store are opened and held for the worker's lifetime.
type Lockfile struct {
	fl *flock.Flock
}

// AcquireLockfile tries to take an exclusive, non-blocking lock on path
// (conventionally alongside the resource's data directory). It fails fast
// rather than waiting, since a second worker process for the same instance
// is a caller bug, not a transient condition to retry through.
func AcquireLockfile(path string) (*Lockfile, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("listener: acquire lockfile %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("listener: %s is already locked by another worker process", path)
	}
	return &Lockfile{fl: fl}, nil
}

// Release drops the lock. Safe to call once; the worker process normally
// holds it until exit and relies on process death to release it anyway.
func (l *Lockfile) Release() error {
	return l.fl.Unlock()
}
