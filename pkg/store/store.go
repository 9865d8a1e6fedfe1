package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// DBOptions configures a named sub-database, mirroring spec §4.1's
// open_db(txn, name, {allow_duplicates, integer_keys}).
type DBOptions struct {
	// AllowDuplicates marks a sub-database as a secondary index: multiple
	// values may be stored under the same logical key.
	AllowDuplicates bool
	// IntegerKeys marks a sub-database as keyed by dense big-endian u64s
	// (the revisioned primary record buckets). Purely advisory at the store
	// layer; it documents intent and lets EncodeUint64/DecodeUint64 be used
	// consistently by callers.
	IntegerKeys bool
}

// Stats mirrors spec §4.1's stat() result.
type Stats struct {
	Entries       int
	LeafPages     int
	BranchPages   int
	OverflowPages int
	PageSize      int
}

// DB is a resource instance's data store: one bbolt file with a fixed set of
// named sub-databases, plus a soft map-size ceiling.
type DB struct {
	mu         sync.RWMutex
	bolt       *bolt.DB
	path       string
	maxMapSize int64
	dbs        map[string]DBOptions
}

// DefaultMaxMapSize matches spec §4.1's "default comparable to 10 MB × 100".
const DefaultMaxMapSize int64 = 10 * 1024 * 1024 * 100

// Open opens (creating if absent) the bbolt file at path with the given soft
// map-size ceiling. A ceiling of 0 uses DefaultMaxMapSize.
func Open(path string, maxMapSize int64) (*DB, error) {
	if maxMapSize <= 0 {
		maxMapSize = DefaultMaxMapSize
	}
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	return &DB{
		bolt:       bdb,
		path:       path,
		maxMapSize: maxMapSize,
		dbs:        make(map[string]DBOptions),
	}, nil
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Path returns the on-disk file path this store was opened from.
func (d *DB) Path() string { return d.path }

// GrowMapSize raises the soft ceiling; callers should do this in response to
// ErrStorageFull and then retry the write that failed.
func (d *DB) GrowMapSize(newMax int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if newMax > d.maxMapSize {
		d.maxMapSize = newMax
	}
}

// EnsureDB registers name as a known sub-database with the given options and
// creates its backing bbolt bucket if absent. It must be called before
// OpenDB is used against name, typically once during worker startup for
// every bucket the resource's schema needs.
func (d *DB) EnsureDB(name string, opts DBOptions) error {
	d.mu.Lock()
	d.dbs[name] = opts
	d.mu.Unlock()

	return d.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

// Registered returns a snapshot of every sub-database EnsureDB has
// registered so far, keyed by name. Used by the layout descriptor writer to
// self-describe the store without opening bbolt directly.
func (d *DB) Registered() map[string]DBOptions {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]DBOptions, len(d.dbs))
	for name, opts := range d.dbs {
		out[name] = opts
	}
	return out
}

func (d *DB) optionsFor(name string) (DBOptions, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	opts, ok := d.dbs[name]
	return opts, ok
}

// sizeOverLimit reports whether the on-disk file has grown past the
// configured soft ceiling. Called after each write commit.
func (d *DB) sizeOverLimit() bool {
	d.mu.RLock()
	limit := d.maxMapSize
	d.mu.RUnlock()

	size := int64(0)
	_ = d.bolt.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size > limit
}

// EncodeUint64 renders n as a big-endian 8-byte key, for use in
// IntegerKeys-flagged sub-databases (the revision log and per-type primary
// record buckets, keyed by revision).
func EncodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
