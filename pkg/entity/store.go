package entity

import (
	"fmt"
	"sort"

	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
	"github.com/cuemby/sink/pkg/value"
)

const (
	globalMetaDB  = "global.meta"
	revisionLogDB = "revision.log"
)

var keyMaxRevision = []byte("max_revision")

func mainDB(typ string) string   { return "entity." + typ + ".main" }
func latestDB(typ string) string { return "entity." + typ + ".latest" }
func indexDB(typ, prop string) string {
	return "index." + typ + "." + prop
}

// txnReader is satisfied by both *store.ReadTxn and *store.WriteTxn, so
// every read-only Store method works against a live write transaction too
// (the pipeline reads its own in-flight writes before committing them).
type txnReader interface {
	OpenDB(name string) (*store.Handle, error)
}

// Store is the entity store (spec §4.2): the revisioned, typed layer over a
// resource instance's data store. One Store per "entitystore" file (§6.3).
type Store struct {
	db     *store.DB
	schema *value.Registry
	caps   *CapabilityRegistry
}

// NewStore builds a Store over an already-Open'd *store.DB. Call Bootstrap
// once before first use to create every registered type's buckets.
func NewStore(db *store.DB, schema *value.Registry, caps *CapabilityRegistry) *Store {
	return &Store{db: db, schema: schema, caps: caps}
}

// Bootstrap ensures the global buckets and every registered type's main,
// latest and secondary-index buckets exist. Idempotent; safe to call on
// every worker startup.
func (s *Store) Bootstrap() error {
	if err := s.db.EnsureDB(globalMetaDB, store.DBOptions{}); err != nil {
		return err
	}
	if err := s.db.EnsureDB(revisionLogDB, store.DBOptions{IntegerKeys: true}); err != nil {
		return err
	}
	for _, typ := range s.caps.Types() {
		if err := s.db.EnsureDB(mainDB(typ), store.DBOptions{IntegerKeys: true}); err != nil {
			return err
		}
		if err := s.db.EnsureDB(latestDB(typ), store.DBOptions{}); err != nil {
			return err
		}
		for _, prop := range s.indexedProps(typ) {
			if err := s.db.EnsureDB(indexDB(typ, prop), store.DBOptions{AllowDuplicates: true}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) indexedProps(typ string) []string {
	if s.schema == nil {
		return nil
	}
	return s.schema.IndexedProperties(typ)
}

// nextRevision draws the next number from the resource instance's single
// monotonic revision clock (spec §3), stored in global.meta so it survives
// restarts.
func (s *Store) nextRevision(txn *store.WriteTxn) (uint64, error) {
	h, err := txn.OpenDB(globalMetaDB)
	if err != nil {
		return 0, err
	}
	cur, err := readUint64(h, keyMaxRevision)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := h.Put(keyMaxRevision, store.EncodeUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func readUint64(h *store.Handle, key []byte) (uint64, error) {
	b, err := h.Get(key)
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return store.DecodeUint64(b), nil
}

// MaxRevision returns the highest revision number assigned so far, 0 if none
// have been.
func (s *Store) MaxRevision(txn txnReader) (uint64, error) {
	h, err := txn.OpenDB(globalMetaDB)
	if err != nil {
		return 0, err
	}
	return readUint64(h, keyMaxRevision)
}

// Add creates a new entity of typ with the given initial properties (spec
// §4.2's add operation). replayToSource marks the resulting revision for the
// synchronizer's change-replay scan (spec §4.6); pass false for entities
// created as the local effect of a remote change. Returns ErrDropped if a
// Preprocessor vetoed it.
func (s *Store) Add(txn *store.WriteTxn, typ string, props Properties, replayToSource bool) (*Entity, error) {
	caps, err := s.caps.Lookup(typ)
	if err != nil {
		return nil, err
	}
	if err := s.validateAll(typ, props); err != nil {
		return nil, err
	}

	e := newEntity(typ, props.Clone())
	e.ReplayToSource = replayToSource
	ctx := &PreprocessContext{New: e}
	if caps.Preprocessor != nil {
		if err := caps.Preprocessor.Preprocess(ctx); err != nil {
			return nil, fmt.Errorf("entity: preprocess add %s: %w", typ, err)
		}
	}
	if ctx.Drop {
		return nil, ErrDropped
	}

	rev, err := s.nextRevision(txn)
	if err != nil {
		return nil, err
	}
	e.Revision = rev
	e.Changed = sortedKeys(e.Properties)

	if err := s.writeRecord(txn, caps.Adaptor, e); err != nil {
		return nil, err
	}
	if err := s.putIndexEntries(txn, typ, e.ID, e.Properties); err != nil {
		return nil, err
	}
	if err := s.runAutoCreates(txn, ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Modify applies a partial set of property changes to an existing,
// non-deleted entity, producing a new full-snapshot revision (spec §4.2's
// modify operation). changes maps property name to its new value; passing
// value.Null() clears a property.
func (s *Store) Modify(txn *store.WriteTxn, typ string, id sid.ID, changes Properties, replayToSource bool) (*Entity, error) {
	caps, err := s.caps.Lookup(typ)
	if err != nil {
		return nil, err
	}
	old, err := s.ReadLatest(txn, typ, id)
	if err != nil {
		return nil, err
	}
	if old.Deleted {
		return nil, ErrAlreadyDeleted
	}

	next := &Entity{Type: typ, ID: id, Properties: old.Properties.Clone(), ReplayToSource: replayToSource}
	for name, v := range changes {
		next.Properties[name] = v
	}
	if err := s.validateAll(typ, changes); err != nil {
		return nil, err
	}

	ctx := &PreprocessContext{Old: old, New: next}
	if caps.Preprocessor != nil {
		if err := caps.Preprocessor.Preprocess(ctx); err != nil {
			return nil, fmt.Errorf("entity: preprocess modify %s: %w", typ, err)
		}
	}
	if ctx.Drop {
		return nil, ErrDropped
	}

	rev, err := s.nextRevision(txn)
	if err != nil {
		return nil, err
	}
	next.Revision = rev
	next.Changed = sortedKeys(changes)

	for _, prop := range s.indexedProps(typ) {
		oldV, oldOK := old.Properties[prop]
		newV, newOK := next.Properties[prop]
		if oldOK && !oldV.IsNull() && (!newOK || !value.Equal(oldV, newV)) {
			if err := s.deleteIndexValue(txn, typ, prop, oldV, id); err != nil {
				return nil, err
			}
		}
		if newOK && !newV.IsNull() && (!oldOK || !value.Equal(oldV, newV)) {
			if err := s.putIndexValue(txn, typ, prop, newV, id); err != nil {
				return nil, err
			}
		}
	}

	if err := s.writeRecord(txn, caps.Adaptor, next); err != nil {
		return nil, err
	}
	if err := s.runAutoCreates(txn, ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// Remove tombstones an existing, non-deleted entity (spec §4.2's remove
// operation): a new revision is written with Deleted set and every
// secondary-index entry for its last known properties is dropped.
func (s *Store) Remove(txn *store.WriteTxn, typ string, id sid.ID, replayToSource bool) (*Entity, error) {
	caps, err := s.caps.Lookup(typ)
	if err != nil {
		return nil, err
	}
	old, err := s.ReadLatest(txn, typ, id)
	if err != nil {
		return nil, err
	}
	if old.Deleted {
		return nil, ErrAlreadyDeleted
	}

	next := &Entity{Type: typ, ID: id, Properties: old.Properties, Deleted: true, ReplayToSource: replayToSource}
	ctx := &PreprocessContext{Old: old, New: next}
	if caps.Preprocessor != nil {
		if err := caps.Preprocessor.Preprocess(ctx); err != nil {
			return nil, fmt.Errorf("entity: preprocess remove %s: %w", typ, err)
		}
	}
	if ctx.Drop {
		return nil, ErrDropped
	}

	rev, err := s.nextRevision(txn)
	if err != nil {
		return nil, err
	}
	next.Revision = rev

	if err := s.deleteIndexEntries(txn, typ, id, old.Properties); err != nil {
		return nil, err
	}
	if err := s.writeRecord(txn, caps.Adaptor, next); err != nil {
		return nil, err
	}
	if err := s.runAutoCreates(txn, ctx); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) runAutoCreates(txn *store.WriteTxn, ctx *PreprocessContext) error {
	for _, ac := range ctx.autoCreates {
		if _, err := s.Add(txn, ac.Type, ac.Props, false); err != nil {
			return fmt.Errorf("entity: auto-create %s: %w", ac.Type, err)
		}
	}
	return nil
}

func (s *Store) validateAll(typ string, props Properties) error {
	if s.schema == nil {
		return nil
	}
	for name, v := range props {
		if err := s.schema.Validate(typ, name, v); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(props Properties) []string {
	out := make([]string, 0, len(props))
	for k := range props {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) writeRecord(txn *store.WriteTxn, adaptor Adaptor, e *Entity) error {
	payload, err := adaptor.Encode(e.Properties)
	if err != nil {
		return err
	}
	rec := record{
		ID:             e.ID,
		Revision:       e.Revision,
		Payload:        payload,
		Changed:        e.Changed,
		Deleted:        e.Deleted,
		ReplayToSource: e.ReplayToSource,
	}
	rb, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	mainH, err := txn.OpenDB(mainDB(e.Type))
	if err != nil {
		return err
	}
	if err := mainH.Put(store.EncodeUint64(e.Revision), rb); err != nil {
		return err
	}

	latestH, err := txn.OpenDB(latestDB(e.Type))
	if err != nil {
		return err
	}
	if err := latestH.Put(e.ID.Bytes(), store.EncodeUint64(e.Revision)); err != nil {
		return err
	}

	logH, err := txn.OpenDB(revisionLogDB)
	if err != nil {
		return err
	}
	pb, err := encodePointer(revisionPointer{Type: e.Type, ID: e.ID})
	if err != nil {
		return err
	}
	return logH.Put(store.EncodeUint64(e.Revision), pb)
}

// ReadLatest returns the current revision of an entity (spec §4.2's
// read_latest). A tombstoned entity is still returned, with Deleted set.
func (s *Store) ReadLatest(txn txnReader, typ string, id sid.ID) (*Entity, error) {
	h, err := txn.OpenDB(latestDB(typ))
	if err != nil {
		return nil, err
	}
	b, err := h.Get(id.Bytes())
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.ReadRevision(txn, typ, store.DecodeUint64(b))
}

// ReadRevision returns the entity record as it stood exactly at revision
// (spec §4.2's read_revision), regardless of whether it is still latest.
func (s *Store) ReadRevision(txn txnReader, typ string, revision uint64) (*Entity, error) {
	caps, err := s.caps.Lookup(typ)
	if err != nil {
		return nil, err
	}
	h, err := txn.OpenDB(mainDB(typ))
	if err != nil {
		return nil, err
	}
	b, err := h.Get(store.EncodeUint64(revision))
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	props, err := caps.Adaptor.Decode(rec.Payload)
	if err != nil {
		return nil, err
	}
	return &Entity{
		Type:           typ,
		ID:             sid.ID(rec.ID),
		Revision:       rec.Revision,
		Properties:     props,
		Changed:        rec.Changed,
		Deleted:        rec.Deleted,
		ReplayToSource: rec.ReplayToSource,
	}, nil
}

// Contains reports whether id exists in typ and is not tombstoned.
func (s *Store) Contains(txn txnReader, typ string, id sid.ID) (bool, error) {
	e, err := s.ReadLatest(txn, typ, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !e.Deleted, nil
}

// IndexLookup returns every entity id whose typ/prop property compares equal
// to v (spec §4.2's index_lookup), in index key order.
func (s *Store) IndexLookup(txn txnReader, typ, prop string, v value.Value) ([]sid.ID, error) {
	h, err := txn.OpenDB(indexDB(typ, prop))
	if err != nil {
		return nil, err
	}
	key, err := value.IndexKey(v)
	if err != nil {
		return nil, err
	}
	var ids []sid.ID
	err = h.ScanDupKey(key, func(val []byte) bool {
		id, ferr := sid.FromBytes(val)
		if ferr == nil {
			ids = append(ids, id)
		}
		return true
	})
	return ids, err
}

// ScanRevisions walks typ's main bucket in ascending revision order starting
// at from (inclusive), decoding each record and invoking fn. Scanning stops
// early if fn returns false (spec §4.2's scan_revisions). pkg/query's
// seed-set full scans use ScanLatest and change replay uses ScanLog instead.
func (s *Store) ScanRevisions(txn txnReader, typ string, from uint64, fn func(*Entity) bool) error {
	caps, err := s.caps.Lookup(typ)
	if err != nil {
		return err
	}
	h, err := txn.OpenDB(mainDB(typ))
	if err != nil {
		return err
	}
	return h.Scan(store.EncodeUint64(from), func(p store.Pair) bool {
		rec, derr := decodeRecord(p.Value)
		if derr != nil {
			return false
		}
		props, derr := caps.Adaptor.Decode(rec.Payload)
		if derr != nil {
			return false
		}
		e := &Entity{
			Type:           typ,
			ID:             sid.ID(rec.ID),
			Revision:       rec.Revision,
			Properties:     props,
			Changed:        rec.Changed,
			Deleted:        rec.Deleted,
			ReplayToSource: rec.ReplayToSource,
		}
		return fn(e)
	})
}

// ScanLatest walks typ's latest-revision index in id order, invoking fn with
// each entity id and its current revision number. Used by pkg/query's
// full-type-scan seed set (spec §4.5, "else full type scan") when no id
// filter or indexed property filter narrows the scan.
func (s *Store) ScanLatest(txn txnReader, typ string, fn func(id sid.ID, revision uint64) bool) error {
	h, err := txn.OpenDB(latestDB(typ))
	if err != nil {
		return err
	}
	return h.Scan(nil, func(p store.Pair) bool {
		id, ferr := sid.FromBytes(p.Key)
		if ferr != nil {
			return true
		}
		return fn(id, store.DecodeUint64(p.Value))
	})
}

// ScanLog walks the cross-type revision log in ascending order from from
// (inclusive), reporting just the (type, id, revision) pointer without
// decoding the full record. The synchronizer and live-query replay use this
// to discover which types changed without scanning every type's bucket.
func (s *Store) ScanLog(txn txnReader, from uint64, fn func(typ string, id sid.ID, revision uint64) bool) error {
	h, err := txn.OpenDB(revisionLogDB)
	if err != nil {
		return err
	}
	return h.Scan(store.EncodeUint64(from), func(p store.Pair) bool {
		ptr, derr := decodePointer(p.Value)
		if derr != nil {
			return false
		}
		return fn(ptr.Type, sid.ID(ptr.ID), store.DecodeUint64(p.Key))
	})
}

// CleanupRevisions prunes superseded (non-latest) revisions at or below
// threshold, across every type, from the main buckets and the revision log (spec §4.2's
// cleanup_revisions). If minPinned is nonzero, the effective cutoff never
// exceeds minPinned-1, so a revision still visible to an open read snapshot
// is never pruned even if threshold asks for more (spec §9's open question
// on cleanup vs. long-running live queries). Returns the number of revisions
// actually removed.
func (s *Store) CleanupRevisions(txn *store.WriteTxn, threshold, minPinned uint64) (int, error) {
	cutoff := threshold
	if minPinned > 0 && minPinned-1 < cutoff {
		cutoff = minPinned - 1
	}

	logH, err := txn.OpenDB(revisionLogDB)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		rev uint64
		typ string
		id  sid.ID
	}
	var candidates []candidate
	err = logH.Scan(nil, func(p store.Pair) bool {
		rev := store.DecodeUint64(p.Key)
		if rev > cutoff {
			return false
		}
		ptr, derr := decodePointer(p.Value)
		if derr != nil {
			return true
		}
		candidates = append(candidates, candidate{rev: rev, typ: ptr.Type, id: sid.ID(ptr.ID)})
		return true
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, c := range candidates {
		latestH, err := txn.OpenDB(latestDB(c.typ))
		if err != nil {
			return pruned, err
		}
		curB, err := latestH.Get(c.id.Bytes())
		if err != nil && err != store.ErrNotFound {
			return pruned, err
		}
		if err == nil && store.DecodeUint64(curB) == c.rev {
			continue // still the latest revision for this entity: never pruned
		}

		mainH, err := txn.OpenDB(mainDB(c.typ))
		if err != nil {
			return pruned, err
		}
		if err := mainH.Delete(store.EncodeUint64(c.rev)); err != nil {
			return pruned, err
		}
		if err := logH.Delete(store.EncodeUint64(c.rev)); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (s *Store) putIndexEntries(txn *store.WriteTxn, typ string, id sid.ID, props Properties) error {
	for _, name := range s.indexedProps(typ) {
		v, ok := props[name]
		if !ok || v.IsNull() {
			continue
		}
		if err := s.putIndexValue(txn, typ, name, v, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteIndexEntries(txn *store.WriteTxn, typ string, id sid.ID, props Properties) error {
	for _, name := range s.indexedProps(typ) {
		v, ok := props[name]
		if !ok || v.IsNull() {
			continue
		}
		if err := s.deleteIndexValue(txn, typ, name, v, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putIndexValue(txn *store.WriteTxn, typ, prop string, v value.Value, id sid.ID) error {
	h, err := txn.OpenDB(indexDB(typ, prop))
	if err != nil {
		return err
	}
	if v.Kind() == value.KindList {
		items, _ := v.AsList()
		for _, it := range items {
			key, kerr := value.IndexKey(it)
			if kerr != nil {
				return kerr
			}
			if err := h.Put(key, id.Bytes()); err != nil {
				return err
			}
		}
		return nil
	}
	key, err := value.IndexKey(v)
	if err != nil {
		return err
	}
	return h.Put(key, id.Bytes())
}

func (s *Store) deleteIndexValue(txn *store.WriteTxn, typ, prop string, v value.Value, id sid.ID) error {
	h, err := txn.OpenDB(indexDB(typ, prop))
	if err != nil {
		return err
	}
	if v.Kind() == value.KindList {
		items, _ := v.AsList()
		for _, it := range items {
			key, kerr := value.IndexKey(it)
			if kerr != nil {
				return kerr
			}
			if err := h.DeleteDup(key, id.Bytes()); err != nil {
				return err
			}
		}
		return nil
	}
	key, err := value.IndexKey(v)
	if err != nil {
		return err
	}
	return h.DeleteDup(key, id.Bytes())
}

// RemoteCreator is the narrow collaborator Move needs to hand an entity's
// properties to a target resource (spec §4.2's move operation). The actual
// cross-resource transport lives outside this package — Move only needs
// something that can accept a create.
type RemoteCreator interface {
	CreateRemote(typ string, props Properties) error
}

// Move copies an entity's current properties to target via CreateRemote,
// then, if deleteSource is set, tombstones the local copy (spec §4.2's
// move/copy operation — the first write, then the second, never both
// wrapped in one cross-resource transaction, since cross-resource
// transactions are out of scope).
func (s *Store) Move(txn *store.WriteTxn, typ string, id sid.ID, target RemoteCreator, deleteSource bool) error {
	e, err := s.ReadLatest(txn, typ, id)
	if err != nil {
		return err
	}
	if e.Deleted {
		return ErrAlreadyDeleted
	}
	if err := target.CreateRemote(typ, e.Properties); err != nil {
		return fmt.Errorf("entity: move %s to remote: %w", typ, err)
	}
	if deleteSource {
		_, err := s.Remove(txn, typ, id, e.ReplayToSource)
		return err
	}
	return nil
}
