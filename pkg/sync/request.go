package sync

import (
	"errors"

	"github.com/cuemby/sink/pkg/pipeline"
	"github.com/cuemby/sink/pkg/sid"
)

// ErrClosed is returned to any request still waiting when Stop runs.
var ErrClosed = errors.New("sync: synchronizer closed")

// ErrCancelled is returned to a pending Synchronize request Logout cancels.
var ErrCancelled = errors.New("sync: cancelled by logout")

// Kind tags which of spec §4.6's six request shapes a Request carries.
type Kind int

const (
	Synchronize Kind = iota
	ReplayChange
	Inspect
	Flush
	Login
	Logout
)

func (k Kind) String() string {
	switch k {
	case Synchronize:
		return "synchronize"
	case ReplayChange:
		return "replay_change"
	case Inspect:
		return "inspect"
	case Flush:
		return "flush"
	case Login:
		return "login"
	case Logout:
		return "logout"
	default:
		return "unknown"
	}
}

// FlushQueue names which of the three queues spec §4.6's Flush discipline
// waits on.
type FlushQueue int

const (
	// FlushUserQueue waits until the inbound pipeline is drained.
	FlushUserQueue FlushQueue = iota
	// FlushReplayQueue waits until every replay request enqueued before this
	// one has completed.
	FlushReplayQueue
	// FlushSynchronization waits until the current and all earlier sync
	// requests have completed.
	FlushSynchronization
)

// Request is one unit of synchronizer work (spec §4.6). Only the fields
// relevant to Kind are populated.
type Request struct {
	Kind Kind

	// Synchronize
	Scope string

	// ReplayChange
	EntityType string
	EntityID   sid.ID
	Operation  pipeline.Kind

	// Inspect
	InspectSpec string

	// Flush
	FlushID    string
	FlushQueue FlushQueue

	// Login
	Secret string

	done      chan error
	waiters   []chan error // other Submit callers coalesced onto this request
	cancelled bool         // resolved by Logout while still pending; dispatch must skip it
}

// scopeOverlaps reports whether two Synchronize scopes should coalesce
// (spec §4.6: "two Synchronize requests with overlapping scope coalesce
// into the broader one"). An empty scope means "everything", so it
// subsumes any other scope; otherwise scopes overlap when one is a prefix
// of the other (e.g. "mail/inbox" and "mail" both name the mail source).
func scopeOverlaps(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return hasPrefixEither(a, b)
}

func hasPrefixEither(a, b string) bool {
	if len(a) <= len(b) {
		return b[:len(a)] == a
	}
	return a[:len(b)] == b
}

// broaderScope returns whichever of a, b subsumes the other ("" subsumes
// everything; otherwise the shorter of two prefix-related scopes).
func broaderScope(a, b string) string {
	if a == "" || b == "" {
		return ""
	}
	if len(a) <= len(b) {
		return a
	}
	return b
}

// Handle is returned by Submit for a request a caller may want to wait on
// (chiefly Flush). Wait returns once the request, and everything its
// queue discipline requires it to wait for, has completed.
type Handle struct {
	req *Request
}

// Wait blocks until the request completes, returning any error encountered.
func (h *Handle) Wait() error {
	return <-h.req.done
}
