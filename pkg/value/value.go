package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/sink/pkg/sid"
)

// Kind tags which variant a Value currently holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindI64
	KindF64
	KindBytes
	KindString
	KindTimestamp
	KindIDRef
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindI64:
		return "i64"
	case KindF64:
		return "f64"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindIDRef:
		return "idref"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is the closed sum type every entity property is expressed in:
// Null | Bool | I64 | F64 | Bytes | String | Timestamp | IdRef | List<Value>.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	bs   []byte
	s    string
	t    time.Time
	id   sid.ID
	list []Value
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps a signed 64-bit integer.
func Int(i int64) Value { return Value{kind: KindI64, i: i} }

// Float wraps a 64-bit float.
func Float(f float64) Value { return Value{kind: KindF64, f: f} }

// Bytes wraps an opaque byte slice; the slice is copied.
func Bytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, bs: cp}
}

// String wraps a UTF-8 string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Timestamp wraps a point in time; stored and compared at nanosecond
// precision in UTC.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t.UTC()} }

// IDRef wraps a reference to another entity id (e.g. mail.folder -> folder.id,
// per the back-pointer design in spec §9).
func IDRef(id sid.ID) Value { return Value{kind: KindIDRef, id: id} }

// List wraps a slice of Values, used for multi-valued properties that fan out
// into multiple secondary-index entries.
func List(vs []Value) Value {
	cp := make([]Value, len(vs))
	copy(cp, vs)
	return Value{kind: KindList, list: cp}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)           { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)           { return v.i, v.kind == KindI64 }
func (v Value) AsFloat() (float64, bool)       { return v.f, v.kind == KindF64 }
func (v Value) AsBytes() ([]byte, bool)        { return v.bs, v.kind == KindBytes }
func (v Value) AsString() (string, bool)       { return v.s, v.kind == KindString }
func (v Value) AsTimestamp() (time.Time, bool) { return v.t, v.kind == KindTimestamp }
func (v Value) AsIDRef() (sid.ID, bool)        { return v.id, v.kind == KindIDRef }
func (v Value) AsList() ([]Value, bool)        { return v.list, v.kind == KindList }

// Equal reports deep equality between two Values of the same kind. Values of
// different kinds are never equal, including Null vs. a zero-valued variant.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindI64:
		return a.i == b.i
	case KindF64:
		return a.f == b.f
	case KindBytes:
		return bytes.Equal(a.bs, b.bs)
	case KindString:
		return a.s == b.s
	case KindTimestamp:
		return a.t.Equal(b.t)
	case KindIDRef:
		return a.id == b.id
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare imposes a total order on same-kind Values, used by the query
// engine's sort stage and by index-key encoding. Lists compare
// lexicographically element by element. Values of differing kinds compare by
// Kind, so a heterogeneous property never breaks the ordering invariant of an
// index.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindI64:
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		default:
			return 0
		}
	case KindF64:
		switch {
		case a.f < b.f:
			return -1
		case a.f > b.f:
			return 1
		default:
			return 0
		}
	case KindBytes:
		return bytes.Compare(a.bs, b.bs)
	case KindString:
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		default:
			return 0
		}
	case KindTimestamp:
		switch {
		case a.t.Before(b.t):
			return -1
		case a.t.After(b.t):
			return 1
		default:
			return 0
		}
	case KindIDRef:
		return sid.Compare(a.id, b.id)
	case KindList:
		for i := 0; i < len(a.list) && i < len(b.list); i++ {
			if c := Compare(a.list[i], b.list[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(a.list) < len(b.list):
			return -1
		case len(a.list) > len(b.list):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

// IndexKey renders an order-preserving byte encoding of v suitable for use as
// (part of) a secondary-index key, so that lexicographic key ordering in the
// data store matches Compare's ordering. Multi-valued properties must be
// expanded into one IndexKey per element by the caller; IndexKey itself
// refuses KindList.
func IndexKey(v Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(v.kind))
	switch v.kind {
	case KindNull:
	case KindBool:
		if v.b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindI64:
		// Flip the sign bit so two's-complement ordering matches signed
		// numeric ordering under a big-endian byte comparison.
		u := uint64(v.i) ^ (1 << 63)
		if err := binary.Write(&buf, binary.BigEndian, u); err != nil {
			return nil, err
		}
	case KindF64:
		bits := math.Float64bits(v.f)
		if v.f >= 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		if err := binary.Write(&buf, binary.BigEndian, bits); err != nil {
			return nil, err
		}
	case KindBytes:
		buf.Write(v.bs)
	case KindString:
		buf.WriteString(v.s)
	case KindTimestamp:
		if err := binary.Write(&buf, binary.BigEndian, uint64(v.t.UnixNano())^(1<<63)); err != nil {
			return nil, err
		}
	case KindIDRef:
		buf.Write(v.id[:])
	case KindList:
		return nil, fmt.Errorf("value: IndexKey does not accept KindList; expand multi-valued properties before indexing")
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
	return buf.Bytes(), nil
}
