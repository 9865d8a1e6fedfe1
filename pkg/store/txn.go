package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// ReadTxn is a snapshot transaction: spec §4.1's begin_read(). Any number of
// ReadTxns may be open concurrently with each other and with one WriteTxn;
// none of them block each other.
type ReadTxn struct {
	db   *DB
	tx   *bolt.Tx
	done bool
}

// WriteTxn is the single writer transaction: spec §4.1's begin_write(). Only
// one may be open at a time per DB; bbolt itself serializes this.
type WriteTxn struct {
	db   *DB
	tx   *bolt.Tx
	done bool
}

// BeginRead opens a read-only snapshot transaction.
func (d *DB) BeginRead() (*ReadTxn, error) {
	tx, err := d.bolt.Begin(false)
	if err != nil {
		return nil, err
	}
	return &ReadTxn{db: d, tx: tx}, nil
}

// BeginWrite opens the single writer transaction. It fails with
// ErrStorageFull if the store has already grown past its map-size ceiling;
// the caller must GrowMapSize and retry.
func (d *DB) BeginWrite() (*WriteTxn, error) {
	if d.sizeOverLimit() {
		return nil, ErrStorageFull
	}
	tx, err := d.bolt.Begin(true)
	if err != nil {
		return nil, err
	}
	return &WriteTxn{db: d, tx: tx}, nil
}

// Rollback releases a read snapshot. Safe to call more than once.
func (rt *ReadTxn) Rollback() error {
	if rt.done {
		return nil
	}
	rt.done = true
	return rt.tx.Rollback()
}

// OpenDB resolves a sub-database within this read snapshot.
func (rt *ReadTxn) OpenDB(name string) (*Handle, error) {
	opts, ok := rt.db.optionsFor(name)
	if !ok {
		return nil, ErrUnknownDB
	}
	b := rt.tx.Bucket([]byte(name))
	if b == nil {
		return nil, ErrUnknownDB
	}
	return &Handle{bucket: b, opts: opts, writable: false}, nil
}

// Commit durably commits all writes performed through this transaction's
// handles, then checks the soft map-size ceiling.
func (wt *WriteTxn) Commit() error {
	if wt.done {
		return nil
	}
	wt.done = true
	if err := wt.tx.Commit(); err != nil {
		return err
	}
	if wt.db.sizeOverLimit() {
		return ErrStorageFull
	}
	return nil
}

// Rollback aborts the transaction; per spec §4.1, aborting on drop without a
// Commit is expected usage, not an error path.
func (wt *WriteTxn) Rollback() error {
	if wt.done {
		return nil
	}
	wt.done = true
	return wt.tx.Rollback()
}

// OpenDB resolves a writable sub-database handle within this transaction.
func (wt *WriteTxn) OpenDB(name string) (*Handle, error) {
	opts, ok := wt.db.optionsFor(name)
	if !ok {
		return nil, ErrUnknownDB
	}
	b := wt.tx.Bucket([]byte(name))
	if b == nil {
		return nil, ErrUnknownDB
	}
	return &Handle{bucket: b, opts: opts, writable: true}, nil
}

// Handle is a bound sub-database: spec §4.1's DbHandle.
type Handle struct {
	bucket   *bolt.Bucket
	opts     DBOptions
	writable bool
}

const dupSeparator = 0x00

func dupKey(key, value []byte) []byte {
	out := make([]byte, 0, len(key)+1+len(value))
	out = append(out, key...)
	out = append(out, dupSeparator)
	out = append(out, value...)
	return out
}

// Put writes value under key. In an AllowDuplicates handle, value is folded
// into the physical key so repeated Puts with the same logical key
// accumulate rather than overwrite (spec §3, "duplicates allowed").
func (h *Handle) Put(key, value []byte) error {
	if !h.writable {
		return ErrReadOnly
	}
	if h.opts.AllowDuplicates {
		return h.bucket.Put(dupKey(key, value), value)
	}
	return h.bucket.Put(key, value)
}

// Get returns the value stored under key in a non-duplicate handle. Byte
// slices returned are only valid for the lifetime of the owning transaction
// (spec §9, "memory-mapped payload lifetime") — callers that need to retain
// a value must copy it.
func (h *Handle) Get(key []byte) ([]byte, error) {
	if h.opts.AllowDuplicates {
		return nil, ErrNotSupportedOnDup
	}
	v := h.bucket.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// Delete removes key from a non-duplicate handle.
func (h *Handle) Delete(key []byte) error {
	if !h.writable {
		return ErrReadOnly
	}
	if h.opts.AllowDuplicates {
		return ErrNotSupportedOnDup
	}
	return h.bucket.Delete(key)
}

// DeleteDup removes one (key, value) pair from an AllowDuplicates handle.
func (h *Handle) DeleteDup(key, value []byte) error {
	if !h.writable {
		return ErrReadOnly
	}
	if !h.opts.AllowDuplicates {
		return ErrNotSupportedOnNonDup
	}
	return h.bucket.Delete(dupKey(key, value))
}

// Stat returns bucket-level statistics matching spec §4.1's stat().
func (h *Handle) Stat(pageSize int) Stats {
	s := h.bucket.Stats()
	return Stats{
		Entries:       s.KeyN,
		LeafPages:     s.LeafPageN,
		BranchPages:   s.BranchPageN,
		OverflowPages: s.LeafOverflowN + s.BranchOverflowN,
		PageSize:      pageSize,
	}
}

// Pair is one (key, value) result from a Scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// Scan walks a non-duplicate handle in key order starting at start
// (inclusive), or from the first key if start is nil, invoking fn for each
// pair. Scan stops early if fn returns false.
func (h *Handle) Scan(start []byte, fn func(Pair) bool) error {
	if h.opts.AllowDuplicates {
		return ErrNotSupportedOnDup
	}
	c := h.bucket.Cursor()
	var k, v []byte
	if start == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(start)
	}
	for ; k != nil; k, v = c.Next() {
		if !fn(Pair{Key: k, Value: v}) {
			return nil
		}
	}
	return nil
}

// ScanPrefix walks a non-duplicate handle over all keys sharing prefix.
func (h *Handle) ScanPrefix(prefix []byte, fn func(Pair) bool) error {
	return h.Scan(prefix, func(p Pair) bool {
		if !bytes.HasPrefix(p.Key, prefix) {
			return false
		}
		return fn(p)
	})
}

// ScanDupKey walks every value stored under exactly logicalKey in an
// AllowDuplicates handle, in the order bbolt stores the composite keys (i.e.
// sorted by value, since value is folded into the key suffix).
func (h *Handle) ScanDupKey(logicalKey []byte, fn func(value []byte) bool) error {
	if !h.opts.AllowDuplicates {
		return ErrNotSupportedOnNonDup
	}
	return h.scanDup(logicalKey, func(p Pair) bool {
		return fn(p.Value)
	})
}

// ScanAllDup walks every (logicalKey, value) pair in an AllowDuplicates
// handle in composite-key order, starting at the first physical key >=
// start. valueLen must equal the fixed byte length every value in this
// handle is stored with (sink always uses this for 16-byte entity ids),
// since the separator byte does not escape embedded zeroes in the key.
func (h *Handle) ScanAllDup(valueLen int, start []byte, fn func(key, value []byte) bool) error {
	if !h.opts.AllowDuplicates {
		return ErrNotSupportedOnNonDup
	}
	c := h.bucket.Cursor()
	var k []byte
	if start == nil {
		k, _ = c.First()
	} else {
		k, _ = c.Seek(start)
	}
	for ; k != nil; k, _ = c.Next() {
		if len(k) < valueLen+1 {
			continue
		}
		split := len(k) - valueLen - 1
		logicalKey := k[:split]
		val := k[split+1:]
		if !fn(logicalKey, val) {
			return nil
		}
	}
	return nil
}

func (h *Handle) scanDup(logicalKey []byte, fn func(Pair) bool) error {
	prefix := append(append([]byte{}, logicalKey...), dupSeparator)
	c := h.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(Pair{Key: logicalKey, Value: v}) {
			return nil
		}
	}
	return nil
}
