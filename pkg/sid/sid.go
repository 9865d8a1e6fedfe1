/*
Package sid implements sink's identifiers: the 128-bit opaque entity id of
spec §6.4 and the display form clients see on the wire.

Entity ids are generated with google/uuid, but sink treats the result purely
as 16 opaque bytes — it never relies on the UUID version or variant bits,
matching spec §3's "opaque 16-byte identifier".
*/
package sid

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// Size is the fixed byte length of an entity id.
const Size = 16

// ID is an opaque 128-bit entity identifier.
type ID [Size]byte

// Nil is the zero-value id, never assigned to a real entity.
var Nil ID

// New allocates a fresh random entity id.
func New() ID {
	return ID(uuid.New())
}

// FromBytes copies b into an ID. It returns an error if b is not 16 bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("sid: id must be %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the raw 16-byte form.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// String renders the canonical URL-safe base64 display form (§6.4), without
// padding, so it transmits cleanly as a bare token. The string order of
// display forms is not the byte order Compare gives.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Parse decodes the display form produced by String.
func Parse(s string) (ID, error) {
	var id ID
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("sid: invalid display form %q: %w", s, err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("sid: decoded id must be %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Compare gives a lexicographic byte ordering, used for the tie-break rule
// in spec §4.5 ("ties break by entity id lexicographic ascending").
func Compare(a, b ID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler so an ID can be used as a map
// key or struct field in JSON-encoded wire payloads.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
