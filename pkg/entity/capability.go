package entity

import (
	"fmt"
	"sync"

	"github.com/cuemby/sink/pkg/sid"
)

// PreprocessContext carries everything a Preprocessor needs to inspect and
// shape one write, without giving it direct access to the store's internals
// (spec §9's "explicit collaborators over globals").
type PreprocessContext struct {
	// Old is the previous revision of this entity, nil on create.
	Old *Entity
	// New is the in-flight write; a Preprocessor may mutate its Properties
	// in place (derived/computed properties, §4.2).
	New *Entity

	// Drop, if set by the Preprocessor, causes the write to be discarded:
	// no new revision is written and Store returns ErrDropped (e.g. a no-op
	// edit).
	Drop bool

	autoCreates []autoCreate
}

type autoCreate struct {
	Type  string
	Props Properties
}

// EnqueueCreate schedules an additional create of typ once the current write
// commits (spec §4.2, "preprocessors may enqueue further create operations"),
// e.g. materializing a Drafts-folder entry alongside a new draft message.
func (c *PreprocessContext) EnqueueCreate(typ string, props Properties) {
	c.autoCreates = append(c.autoCreates, autoCreate{Type: typ, Props: props})
}

// Preprocessor is the per-type hook spec §4.2 calls "preprocessing": it runs
// inside the same write transaction as the mutation it is attached to, so
// any error it returns aborts the whole write.
type Preprocessor interface {
	Preprocess(ctx *PreprocessContext) error
}

// PreprocessorFunc adapts a plain function to Preprocessor.
type PreprocessorFunc func(ctx *PreprocessContext) error

func (f PreprocessorFunc) Preprocess(ctx *PreprocessContext) error { return f(ctx) }

// Capabilities is the full behavior record one entity type registers: its
// wire adaptor and, optionally, its preprocessor. Store dispatches on this
// record rather than on a type hierarchy (spec §9).
type Capabilities struct {
	Adaptor      Adaptor
	Preprocessor Preprocessor // may be nil
}

// CapabilityRegistry maps entity type tags to their Capabilities, built once
// at worker startup and shared read-only thereafter.
type CapabilityRegistry struct {
	mu     sync.RWMutex
	byType map[string]Capabilities
}

// NewCapabilityRegistry returns an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{byType: make(map[string]Capabilities)}
}

// Register installs the Capabilities for typ, replacing any prior
// registration.
func (r *CapabilityRegistry) Register(typ string, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typ] = caps
}

// Lookup returns the Capabilities registered for typ.
func (r *CapabilityRegistry) Lookup(typ string) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.byType[typ]
	if !ok {
		return Capabilities{}, fmt.Errorf("entity: no capabilities registered for type %q", typ)
	}
	return caps, nil
}

// Types returns every registered type tag, in no particular order. Used at
// startup to EnsureDB every type's buckets up front.
func (r *CapabilityRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// newEntity is a small constructor kept here alongside PreprocessContext
// since every caller that builds one to enqueue or auto-create also needs a
// fresh id.
func newEntity(typ string, props Properties) *Entity {
	return &Entity{
		Type:       typ,
		ID:         sid.New(),
		Properties: props,
	}
}
