package sync

import (
	"errors"
	"fmt"

	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
)

// ErrNoMapping is returned by a RemoteIDMap lookup that finds nothing.
var ErrNoMapping = errors.New("sync: no remote-id mapping")

const (
	localKeyPrefix  = 'L'
	remoteKeyPrefix = 'R'
)

// txnReader is satisfied by both *store.ReadTxn and *store.WriteTxn.
type txnReader interface {
	OpenDB(name string) (*store.Handle, error)
}

// RemoteIDMap is the bidirectional remote_id↔local_id map spec §6.3 places
// in the synchronizationstore, one bucket per entity type
// (`remote_id.<type>`). Both directions are stored in the same bucket under
// disjoint key prefixes, since pkg/store's buckets are plain byte
// key-value, not a relational table.
type RemoteIDMap struct {
	typ string
	db  string
}

// NewRemoteIDMap returns the map for one entity type.
func NewRemoteIDMap(typ string) *RemoteIDMap {
	return &RemoteIDMap{typ: typ, db: "remote_id." + typ}
}

// Bootstrap creates this type's bucket in the synchronizationstore if
// absent.
func (m *RemoteIDMap) Bootstrap(db *store.DB) error {
	if err := db.EnsureDB(m.db, store.DBOptions{}); err != nil {
		return fmt.Errorf("sync: bootstrap remote-id map for %q: %w", m.typ, err)
	}
	return nil
}

func localKey(id sid.ID) []byte {
	b := id.Bytes()
	out := make([]byte, 0, len(b)+1)
	out = append(out, localKeyPrefix)
	return append(out, b...)
}

func remoteKey(remoteID string) []byte {
	out := make([]byte, 0, len(remoteID)+1)
	out = append(out, remoteKeyPrefix)
	return append(out, []byte(remoteID)...)
}

// Put records that local maps to remote for this map's type, installing
// both directions.
func (m *RemoteIDMap) Put(txn *store.WriteTxn, local sid.ID, remote string) error {
	h, err := txn.OpenDB(m.db)
	if err != nil {
		return err
	}
	if err := h.Put(localKey(local), []byte(remote)); err != nil {
		return err
	}
	return h.Put(remoteKey(remote), local.Bytes())
}

// RemoteOf resolves local's remote id.
func (m *RemoteIDMap) RemoteOf(txn txnReader, local sid.ID) (string, error) {
	h, err := txn.OpenDB(m.db)
	if err != nil {
		return "", err
	}
	v, err := h.Get(localKey(local))
	if err != nil {
		if err == store.ErrNotFound {
			return "", ErrNoMapping
		}
		return "", err
	}
	return string(v), nil
}

// LocalOf resolves remote's local id.
func (m *RemoteIDMap) LocalOf(txn txnReader, remote string) (sid.ID, error) {
	h, err := txn.OpenDB(m.db)
	if err != nil {
		return sid.ID{}, err
	}
	v, err := h.Get(remoteKey(remote))
	if err != nil {
		if err == store.ErrNotFound {
			return sid.ID{}, ErrNoMapping
		}
		return sid.ID{}, err
	}
	return sid.FromBytes(v)
}

// Remove deletes both directions of local↔remote.
func (m *RemoteIDMap) Remove(txn *store.WriteTxn, local sid.ID, remote string) error {
	h, err := txn.OpenDB(m.db)
	if err != nil {
		return err
	}
	if err := h.Delete(localKey(local)); err != nil && err != store.ErrNotFound {
		return err
	}
	if err := h.Delete(remoteKey(remote)); err != nil && err != store.ErrNotFound {
		return err
	}
	return nil
}
