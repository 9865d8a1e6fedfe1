package pipeline

import (
	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/sid"
)

// Kind tags which entity-store operation a Command drives.
type Kind int

const (
	Create Kind = iota
	Modify
	Remove
	FlushBarrier
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Remove:
		return "remove"
	case FlushBarrier:
		return "flush_barrier"
	default:
		return "unknown"
	}
}

// BlobStager resolves a staging path (supplied on the wire as a BLOB
// property's payload) to its bytes, moving the referenced data into the
// store's ownership as part of the write (spec §4.3, "BLOB property values
// that reference a staging path outside the managed store are moved into
// the store as part of the write; failure to stage is a write failure").
type BlobStager interface {
	Stage(stagingPath string) ([]byte, error)
}

// Command is one unit of pipeline work: a typed create/modify/remove against
// the entity store, or a flush barrier (spec §4.3, §4.4).
type Command struct {
	Kind Kind

	// Type is the entity type; required for Create/Modify/Remove.
	Type string
	// ID identifies the target entity; required for Modify/Remove.
	ID sid.ID
	// Props carries the full initial property set for Create, or the
	// partial set of changed properties for Modify.
	Props entity.Properties
	// StagedBlobs maps a property name in Props to a staging file path; the
	// property's placeholder value in Props is replaced with the staged
	// bytes before the write, via BlobStager.
	StagedBlobs map[string]string
	// ReplayToSource marks the resulting revision for the synchronizer's
	// change-replay scan (spec §4.6). Commands whose effect originated from
	// the synchronizer itself pass false to avoid replaying a change back
	// to the source it came from.
	ReplayToSource bool

	// FlushID is the flush barrier's correlation id; only set when Kind is
	// FlushBarrier.
	FlushID string
}

// Result is what Submit returns once a Command's containing batch commits
// or aborts.
type Result struct {
	Entity *entity.Entity
	Err    error
}
