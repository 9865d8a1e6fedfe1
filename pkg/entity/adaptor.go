package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/value"
)

// Adaptor converts between a type's opaque on-disk payload and its typed
// Properties view. Every registered type supplies exactly one (spec §3,
// "interpreted via an adaptor the resource registers for each type").
type Adaptor interface {
	Decode(payload []byte) (Properties, error)
	Encode(props Properties) ([]byte, error)
}

// JSONAdaptor is the default Adaptor: properties round-tripped through
// encoding/json, one jsonProp envelope per value carrying its Kind tag.
// Resource types with no bespoke wire format (most of them) just register
// this rather than writing their own codec. Schema, if set, validates every
// decoded property against the registry (spec §9's capability-set design).
type JSONAdaptor struct {
	Type   string
	Schema *value.Registry
}

// jsonProp is the wire shape for one property: kind tag plus raw value,
// since value.Value itself has no JSON marshaling (it is a closed sum type
// with no natural struct-tag mapping).
type jsonProp struct {
	Kind value.Kind      `json:"kind"`
	Raw  json.RawMessage `json:"raw"`
}

func (a JSONAdaptor) Encode(props Properties) ([]byte, error) {
	out := make(map[string]jsonProp, len(props))
	for name, v := range props {
		raw, kind, err := marshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("entity: encode property %q: %w", name, err)
		}
		out[name] = jsonProp{Kind: kind, Raw: raw}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("entity: encode properties: %w", err)
	}
	return b, nil
}

func (a JSONAdaptor) Decode(payload []byte) (Properties, error) {
	if len(payload) == 0 {
		return Properties{}, nil
	}
	var in map[string]jsonProp
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("entity: decode properties: %w", err)
	}
	out := make(Properties, len(in))
	for name, p := range in {
		v, err := unmarshalValue(p.Kind, p.Raw)
		if err != nil {
			return nil, fmt.Errorf("entity: decode property %q: %w", name, err)
		}
		if a.Schema != nil {
			if err := a.Schema.Validate(a.Type, name, v); err != nil {
				return nil, err
			}
		}
		out[name] = v
	}
	return out, nil
}

func marshalValue(v value.Value) (json.RawMessage, value.Kind, error) {
	switch v.Kind() {
	case value.KindNull:
		return json.RawMessage("null"), v.Kind(), nil
	case value.KindBool:
		b, _ := v.AsBool()
		raw, err := json.Marshal(b)
		return raw, v.Kind(), err
	case value.KindI64:
		n, _ := v.AsInt()
		raw, err := json.Marshal(n)
		return raw, v.Kind(), err
	case value.KindF64:
		f, _ := v.AsFloat()
		raw, err := json.Marshal(f)
		return raw, v.Kind(), err
	case value.KindBytes:
		b, _ := v.AsBytes()
		raw, err := json.Marshal(b)
		return raw, v.Kind(), err
	case value.KindString:
		s, _ := v.AsString()
		raw, err := json.Marshal(s)
		return raw, v.Kind(), err
	case value.KindTimestamp:
		t, _ := v.AsTimestamp()
		raw, err := json.Marshal(t)
		return raw, v.Kind(), err
	case value.KindIDRef:
		id, _ := v.AsIDRef()
		raw, err := json.Marshal(id)
		return raw, v.Kind(), err
	case value.KindList:
		items, _ := v.AsList()
		rawItems := make([]jsonProp, 0, len(items))
		for _, it := range items {
			r, k, err := marshalValue(it)
			if err != nil {
				return nil, v.Kind(), err
			}
			rawItems = append(rawItems, jsonProp{Kind: k, Raw: r})
		}
		raw, err := json.Marshal(rawItems)
		return raw, v.Kind(), err
	default:
		return nil, v.Kind(), fmt.Errorf("entity: unknown value kind %d", v.Kind())
	}
}

func unmarshalValue(kind value.Kind, raw json.RawMessage) (value.Value, error) {
	switch kind {
	case value.KindNull:
		return value.Null(), nil
	case value.KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return value.Value{}, err
		}
		return value.Bool(b), nil
	case value.KindI64:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return value.Value{}, err
		}
		return value.Int(n), nil
	case value.KindF64:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return value.Value{}, err
		}
		return value.Float(f), nil
	case value.KindBytes:
		var b []byte
		if err := json.Unmarshal(raw, &b); err != nil {
			return value.Value{}, err
		}
		return value.Bytes(b), nil
	case value.KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return value.Value{}, err
		}
		return value.String(s), nil
	case value.KindTimestamp:
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return value.Value{}, err
		}
		return value.Timestamp(t), nil
	case value.KindIDRef:
		var id sid.ID
		if err := json.Unmarshal(raw, &id); err != nil {
			return value.Value{}, err
		}
		return value.IDRef(id), nil
	case value.KindList:
		var items []jsonProp
		if err := json.Unmarshal(raw, &items); err != nil {
			return value.Value{}, err
		}
		out := make([]value.Value, 0, len(items))
		for _, it := range items {
			v, err := unmarshalValue(it.Kind, it.Raw)
			if err != nil {
				return value.Value{}, err
			}
			out = append(out, v)
		}
		return value.List(out), nil
	default:
		return value.Value{}, fmt.Errorf("entity: unknown value kind %d", kind)
	}
}
