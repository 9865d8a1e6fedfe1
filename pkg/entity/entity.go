package entity

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/value"
)

// Properties is a decoded entity's property bag: the typed view Adaptor,
// Preprocessor and the secondary indices all operate on (spec §3).
type Properties map[string]value.Value

// Clone returns a shallow copy safe for a caller to mutate without affecting
// the original map.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Entity is one in-memory, decoded view of a record at a specific revision
// (spec §3). Revision is assigned by the pipeline from the resource
// instance's single monotonic clock, not by the caller.
type Entity struct {
	Type           string
	ID             sid.ID
	Revision       uint64
	Properties     Properties
	Changed        []string
	Deleted        bool
	ReplayToSource bool
}

// record is the on-disk encoding written to entity.<type>.main: the opaque
// adaptor-encoded payload plus the metadata spec §3 lists alongside it. The
// store never looks inside Payload itself; only Decode does, and only when a
// preprocessor or index needs the typed view.
type record struct {
	ID             [sid.Size]byte `json:"id"`
	Revision       uint64         `json:"revision"`
	Payload        []byte         `json:"payload"`
	Changed        []string       `json:"changed,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	ReplayToSource bool           `json:"replay_to_source,omitempty"`
}

func encodeRecord(r record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("entity: encode record: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte) (record, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return record{}, fmt.Errorf("entity: decode record: %w", err)
	}
	return r, nil
}

// revisionPointer is the value stored in revision.log: which type and id a
// given global revision number belongs to, so replay can walk the log
// without knowing the type in advance (spec §4.5 bloom/replay, §4.6 sync).
type revisionPointer struct {
	Type string         `json:"type"`
	ID   [sid.Size]byte `json:"id"`
}

func encodePointer(p revisionPointer) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("entity: encode revision pointer: %w", err)
	}
	return b, nil
}

func decodePointer(b []byte) (revisionPointer, error) {
	var p revisionPointer
	if err := json.Unmarshal(b, &p); err != nil {
		return revisionPointer{}, fmt.Errorf("entity: decode revision pointer: %w", err)
	}
	return p, nil
}
