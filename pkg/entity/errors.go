package entity

import "errors"

// ErrNotFound is returned by ReadLatest/ReadRevision/Modify/Remove when the
// requested entity (or revision) does not exist in the store.
var ErrNotFound = errors.New("entity: not found")

// ErrAlreadyDeleted is returned by Modify and Remove when called against an
// entity whose latest revision is already a tombstone.
var ErrAlreadyDeleted = errors.New("entity: already deleted")

// ErrDropped signals that a Preprocessor vetoed the write (spec §4.2): no
// revision was assigned and nothing was persisted. Pipeline callers should
// check for it with errors.Is and treat it as a no-op, not a failure.
var ErrDropped = errors.New("entity: write dropped by preprocessor")
