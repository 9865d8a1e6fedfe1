package listener

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/value"
)

// HandshakePayload is Handshake's request body (spec §6.1).
type HandshakePayload struct {
	Name string `json:"name"`
}

// CommandCompletionPayload is the server's reply to every client-initiated
// command, echoing the request's messageId (spec §6.1).
type CommandCompletionPayload struct {
	MessageID uint32    `json:"messageId"`
	Success   bool      `json:"success"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Error     string    `json:"error,omitempty"`
	// Result carries a command-specific success body (e.g. the new
	// entity's id, a query's initial result set), left opaque here and
	// re-decoded by the caller against the command it issued.
	Result json.RawMessage `json:"result,omitempty"`
}

// CreateEntityPayload is CreateEntity's request body. Props is the type's
// Adaptor-encoded byte form (spec §6.1's "the core treats it as opaque
// bytes with a schema-registered adaptor per entity type"), not a
// listener-specific property encoding.
type CreateEntityPayload struct {
	Type           string            `json:"type"`
	Props          []byte            `json:"props"`
	StagedBlobs    map[string]string `json:"stagedBlobs,omitempty"`
	ReplayToSource bool              `json:"replayToSource"`
}

// CreateEntityResult is CmdCreateEntity's CommandCompletionPayload.Result.
type CreateEntityResult struct {
	ID       sid.ID `json:"id"`
	Revision uint64 `json:"revision"`
}

// ModifyEntityPayload is ModifyEntity's request body.
type ModifyEntityPayload struct {
	Type           string            `json:"type"`
	ID             sid.ID            `json:"id"`
	Props          []byte            `json:"props"`
	StagedBlobs    map[string]string `json:"stagedBlobs,omitempty"`
	ReplayToSource bool              `json:"replayToSource"`
}

// ModifyEntityResult is CmdModifyEntity's CommandCompletionPayload.Result.
type ModifyEntityResult struct {
	Revision uint64 `json:"revision"`
}

// DeleteEntityPayload is DeleteEntity's request body.
type DeleteEntityPayload struct {
	Type string `json:"type"`
	ID   sid.ID `json:"id"`
}

// SynchronizePayload is Synchronize's request body (spec §4.6's Scope).
type SynchronizePayload struct {
	Scope string `json:"scope"`
}

// FlushPayload is Flush's request body, naming which of the three queues
// spec §4.6's discipline waits on.
type FlushPayload struct {
	Queue string `json:"queue"` // "user" | "replay" | "synchronization"; "query" cancels a live query (see CancelQueryPayload)
	ID    string `json:"id"`
}

// InspectionPayload is Inspection's request body (an adaptor-defined free
// form diagnostic spec string, spec §4.6).
type InspectionPayload struct {
	Spec string `json:"spec"`
}

// InspectionResult is CmdInspection's CommandCompletionPayload.Result.
type InspectionResult struct {
	Report string `json:"report"`
}

// SecretPayload installs a resource's login secret into the in-memory
// secret cache (spec §6.5); it is never itself persisted.
type SecretPayload struct {
	ResourceID string `json:"resourceId"`
	Secret     string `json:"secret"`
}

// RevisionReplayedPayload lets a client (typically an out-of-process
// source-adaptor plugin) tell the synchronizer a specific revision should
// be replayed now rather than waiting for the next idle pump.
type RevisionReplayedPayload struct {
	Type     string `json:"type"`
	ID       sid.ID `json:"id"`
	Revision uint64 `json:"revision"`
}

// UpgradePayload requests a layout/schema upgrade check (spec §6.3's
// persisted layout may need migrating across versions).
type UpgradePayload struct {
	TargetVersion int `json:"targetVersion,omitempty"`
}

// UpgradeResult is CmdUpgrade's CommandCompletionPayload.Result.
type UpgradeResult struct {
	FromVersion int    `json:"fromVersion"`
	ToVersion   int    `json:"toVersion"`
	Migrated    bool   `json:"migrated"`
	Detail      string `json:"detail,omitempty"`
}

// QueryPayload is Query's request body: a wire-safe mirror of
// pkg/query.Query (spec §4.5), since value.Value has no JSON mapping of
// its own.
type QueryPayload struct {
	Type string `json:"type"`

	Filters         map[string]WireFilter    `json:"filters,omitempty"`
	SubqueryFilters map[string]*QueryPayload `json:"subqueryFilters,omitempty"`

	IDFilter []sid.ID `json:"idFilter,omitempty"`

	SortProperty   string `json:"sortProperty,omitempty"`
	SortDescending *bool  `json:"sortDescending,omitempty"`
	Limit          int    `json:"limit,omitempty"`

	Reduce *WireReduce `json:"reduce,omitempty"`
	Bloom  *WireBloom  `json:"bloom,omitempty"`

	Request []string `json:"request,omitempty"`

	LiveQuery     bool `json:"liveQuery,omitempty"`
	UpdateStatus  bool `json:"updateStatus,omitempty"`
	IncludeStatus bool `json:"includeStatus,omitempty"`
}

// WireFilter mirrors pkg/query.Filter over the wire.
type WireFilter struct {
	Comparator int         `json:"comparator"`
	Value      *WireValue  `json:"value,omitempty"`
	Values     []WireValue `json:"values,omitempty"`
	Text       string      `json:"text,omitempty"`
	Min        *WireValue  `json:"min,omitempty"`
	Max        *WireValue  `json:"max,omitempty"`
}

// WireReduce mirrors pkg/query.Reduce.
type WireReduce struct {
	Property   string          `json:"property"`
	Selector   int             `json:"selector"`
	Aggregates []WireAggregate `json:"aggregates,omitempty"`
}

// WireAggregate mirrors pkg/query.Aggregate.
type WireAggregate struct {
	Kind     int    `json:"kind"`
	Property string `json:"property,omitempty"`
	As       string `json:"as,omitempty"`
}

// WireBloom mirrors pkg/query.Bloom.
type WireBloom struct {
	Property string `json:"property"`
}

// QueryResult is CmdQuery's CommandCompletionPayload.Result: the initial
// result set plus, when LiveQuery was set, the subscription id later
// CmdQueryUpdate pushes and a Flush with Queue "query" cancels.
type QueryResult struct {
	Entities       []WireEntity `json:"entities"`
	SubscriptionID string       `json:"subscriptionId,omitempty"`
}

// WireEntity is one entity.Entity rendered for the wire: properties
// encoded the same way Create/Modify accept them, so a client's decoder is
// symmetric in both directions.
type WireEntity struct {
	Type     string `json:"type"`
	ID       sid.ID `json:"id"`
	Revision uint64 `json:"revision"`
	Props    []byte `json:"props"`
	Deleted  bool   `json:"deleted"`
}

// QueryUpdatePayload is CmdQueryUpdate's push body: one query.Update for a
// live subscription.
type QueryUpdatePayload struct {
	SubscriptionID string     `json:"subscriptionId"`
	Change         string     `json:"change"` // "added" | "removed" | "modified"
	Entity         WireEntity `json:"entity"`
}

// CancelQueryPayload stops a live subscription; sent as a Flush request
// with Queue "query" and ID set to the subscription id, reusing Flush's
// shape rather than adding a bespoke command for one-field teardown.

// WireValue is value.Value's JSON envelope (mirrors
// pkg/entity.JSONAdaptor's internal jsonProp, duplicated here since that
// type is unexported and listener payloads travel a different wire, not
// the entity store's on-disk one).
type WireValue struct {
	Kind value.Kind      `json:"kind"`
	Raw  json.RawMessage `json:"raw"`
}

// EncodeValue converts a value.Value to its wire form.
func EncodeValue(v value.Value) (WireValue, error) {
	switch v.Kind() {
	case value.KindNull:
		return WireValue{Kind: value.KindNull, Raw: json.RawMessage("null")}, nil
	case value.KindBool:
		b, _ := v.AsBool()
		raw, err := json.Marshal(b)
		return WireValue{Kind: value.KindBool, Raw: raw}, err
	case value.KindI64:
		n, _ := v.AsInt()
		raw, err := json.Marshal(n)
		return WireValue{Kind: value.KindI64, Raw: raw}, err
	case value.KindF64:
		f, _ := v.AsFloat()
		raw, err := json.Marshal(f)
		return WireValue{Kind: value.KindF64, Raw: raw}, err
	case value.KindBytes:
		b, _ := v.AsBytes()
		raw, err := json.Marshal(b)
		return WireValue{Kind: value.KindBytes, Raw: raw}, err
	case value.KindString:
		s, _ := v.AsString()
		raw, err := json.Marshal(s)
		return WireValue{Kind: value.KindString, Raw: raw}, err
	case value.KindTimestamp:
		t, _ := v.AsTimestamp()
		raw, err := json.Marshal(t.Format(time.RFC3339Nano))
		return WireValue{Kind: value.KindTimestamp, Raw: raw}, err
	case value.KindIDRef:
		id, _ := v.AsIDRef()
		raw, err := json.Marshal(id)
		return WireValue{Kind: value.KindIDRef, Raw: raw}, err
	case value.KindList:
		list, _ := v.AsList()
		wire := make([]WireValue, len(list))
		for i, elem := range list {
			wv, err := EncodeValue(elem)
			if err != nil {
				return WireValue{}, err
			}
			wire[i] = wv
		}
		raw, err := json.Marshal(wire)
		return WireValue{Kind: value.KindList, Raw: raw}, err
	default:
		return WireValue{}, fmt.Errorf("listener: encode value: unknown kind %v", v.Kind())
	}
}

// DecodeValue converts a wire value back to value.Value.
func DecodeValue(w WireValue) (value.Value, error) {
	switch w.Kind {
	case value.KindNull:
		return value.Null(), nil
	case value.KindBool:
		var b bool
		if err := json.Unmarshal(w.Raw, &b); err != nil {
			return value.Value{}, err
		}
		return value.Bool(b), nil
	case value.KindI64:
		var n int64
		if err := json.Unmarshal(w.Raw, &n); err != nil {
			return value.Value{}, err
		}
		return value.Int(n), nil
	case value.KindF64:
		var f float64
		if err := json.Unmarshal(w.Raw, &f); err != nil {
			return value.Value{}, err
		}
		return value.Float(f), nil
	case value.KindBytes:
		var b []byte
		if err := json.Unmarshal(w.Raw, &b); err != nil {
			return value.Value{}, err
		}
		return value.Bytes(b), nil
	case value.KindString:
		var s string
		if err := json.Unmarshal(w.Raw, &s); err != nil {
			return value.Value{}, err
		}
		return value.String(s), nil
	case value.KindTimestamp:
		var s string
		if err := json.Unmarshal(w.Raw, &s); err != nil {
			return value.Value{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return value.Value{}, err
		}
		return value.Timestamp(t), nil
	case value.KindIDRef:
		var id sid.ID
		if err := json.Unmarshal(w.Raw, &id); err != nil {
			return value.Value{}, err
		}
		return value.IDRef(id), nil
	case value.KindList:
		var wire []WireValue
		if err := json.Unmarshal(w.Raw, &wire); err != nil {
			return value.Value{}, err
		}
		list := make([]value.Value, len(wire))
		for i, wv := range wire {
			v, err := DecodeValue(wv)
			if err != nil {
				return value.Value{}, err
			}
			list[i] = v
		}
		return value.List(list), nil
	default:
		return value.Value{}, fmt.Errorf("listener: decode value: unknown kind %v", w.Kind)
	}
}
