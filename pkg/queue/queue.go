package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/sink/pkg/store"
)

// DefaultMaxRetries is how many Nacks an item tolerates before it is
// dead-lettered (spec §4.4: "items exceeding a retry cap are moved to a
// dead-letter area").
const DefaultMaxRetries = 5

const nextSeqKey = "next_seq"

// txnReader is satisfied by both *store.ReadTxn and *store.WriteTxn, so
// Peek/Len/DeadLetters work against either (pkg/entity.txnReader's idiom).
type txnReader interface {
	OpenDB(name string) (*store.Handle, error)
}

// Item is one queue entry: spec §4.4's "length-prefixed command blob plus a
// small header (enqueue time, retry count)". Payload is opaque to the
// queue — pkg/sync stores a JSON change-replay record in it, but the queue
// itself has no dependency on that package.
type Item struct {
	Seq        uint64
	EnqueuedAt time.Time
	Retries    int
	Payload    []byte
}

type itemRecord struct {
	Seq        uint64    `json:"seq"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Retries    int       `json:"retries"`
	Payload    []byte    `json:"payload"`
}

func encodeItem(it Item) ([]byte, error) {
	b, err := json.Marshal(itemRecord{
		Seq:        it.Seq,
		EnqueuedAt: it.EnqueuedAt,
		Retries:    it.Retries,
		Payload:    it.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: encode item: %w", err)
	}
	return b, nil
}

func decodeItem(b []byte) (Item, error) {
	var r itemRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return Item{}, fmt.Errorf("queue: decode item: %w", err)
	}
	return Item{Seq: r.Seq, EnqueuedAt: r.EnqueuedAt, Retries: r.Retries, Payload: r.Payload}, nil
}

// Queue is one named FIFO (Inbound or Synchronizer, spec §4.4) backed by
// three sub-databases under the given name prefix: "<name>.main" (live
// items), "<name>.deadletter" (items that exceeded MaxRetries), and
// "<name>.meta" (the sequence counter).
type Queue struct {
	name       string
	mainDB     string
	deadDB     string
	metaDB     string
	MaxRetries int
}

// New constructs a Queue. Call Bootstrap once per store before use.
func New(name string) *Queue {
	return &Queue{
		name:       name,
		mainDB:     "queue." + name + ".main",
		deadDB:     "queue." + name + ".deadletter",
		metaDB:     "queue." + name + ".meta",
		MaxRetries: DefaultMaxRetries,
	}
}

// Name returns the queue's name ("inbound" or "synchronizer").
func (q *Queue) Name() string { return q.name }

// Bootstrap creates this queue's sub-databases if absent.
func (q *Queue) Bootstrap(db *store.DB) error {
	for _, spec := range []struct {
		name string
		opts store.DBOptions
	}{
		{q.mainDB, store.DBOptions{IntegerKeys: true}},
		{q.deadDB, store.DBOptions{IntegerKeys: true}},
		{q.metaDB, store.DBOptions{}},
	} {
		if err := db.EnsureDB(spec.name, spec.opts); err != nil {
			return fmt.Errorf("queue %s: bootstrap %s: %w", q.name, spec.name, err)
		}
	}
	return nil
}

func (q *Queue) nextSeq(txn *store.WriteTxn) (uint64, error) {
	meta, err := txn.OpenDB(q.metaDB)
	if err != nil {
		return 0, err
	}
	seq := uint64(1)
	if raw, err := meta.Get([]byte(nextSeqKey)); err == nil {
		seq = store.DecodeUint64(raw)
	} else if err != store.ErrNotFound {
		return 0, err
	}
	if err := meta.Put([]byte(nextSeqKey), store.EncodeUint64(seq+1)); err != nil {
		return 0, err
	}
	return seq, nil
}

// Enqueue appends payload to the tail of the queue and returns its
// sequence number.
func (q *Queue) Enqueue(txn *store.WriteTxn, payload []byte) (uint64, error) {
	seq, err := q.nextSeq(txn)
	if err != nil {
		return 0, err
	}
	it := Item{Seq: seq, EnqueuedAt: time.Now().UTC(), Payload: payload}
	enc, err := encodeItem(it)
	if err != nil {
		return 0, err
	}
	main, err := txn.OpenDB(q.mainDB)
	if err != nil {
		return 0, err
	}
	if err := main.Put(store.EncodeUint64(seq), enc); err != nil {
		return 0, err
	}
	return seq, nil
}

// Peek returns the head item without removing it (non-destructive dequeue,
// spec §4.4), or ok=false if the queue is empty.
func (q *Queue) Peek(txn txnReader) (item Item, ok bool, err error) {
	items, err := q.PeekN(txn, 1)
	if err != nil {
		return Item{}, false, err
	}
	if len(items) == 0 {
		return Item{}, false, nil
	}
	return items[0], true, nil
}

// PeekN returns up to n head items in FIFO order without removing them.
func (q *Queue) PeekN(txn txnReader, n int) ([]Item, error) {
	if n <= 0 {
		return nil, nil
	}
	main, err := txn.OpenDB(q.mainDB)
	if err != nil {
		return nil, err
	}
	var out []Item
	err = main.Scan(nil, func(p store.Pair) bool {
		it, decErr := decodeItem(p.Value)
		if decErr != nil {
			err = decErr
			return false
		}
		out = append(out, it)
		return len(out) < n
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack removes the acknowledged item from the queue.
func (q *Queue) Ack(txn *store.WriteTxn, seq uint64) error {
	main, err := txn.OpenDB(q.mainDB)
	if err != nil {
		return err
	}
	if _, err := main.Get(store.EncodeUint64(seq)); err != nil {
		if err == store.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	return main.Delete(store.EncodeUint64(seq))
}

// Nack records a failed processing attempt. If the item's retry count then
// exceeds MaxRetries it is moved to the dead-letter bucket and deadLettered
// is true; otherwise it stays at the head of the queue with Retries
// incremented.
func (q *Queue) Nack(txn *store.WriteTxn, seq uint64) (deadLettered bool, err error) {
	main, err := txn.OpenDB(q.mainDB)
	if err != nil {
		return false, err
	}
	raw, err := main.Get(store.EncodeUint64(seq))
	if err != nil {
		if err == store.ErrNotFound {
			return false, ErrNotFound
		}
		return false, err
	}
	it, err := decodeItem(raw)
	if err != nil {
		return false, err
	}
	it.Retries++

	maxRetries := q.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if it.Retries > maxRetries {
		dead, err := txn.OpenDB(q.deadDB)
		if err != nil {
			return false, err
		}
		enc, err := encodeItem(it)
		if err != nil {
			return false, err
		}
		if err := dead.Put(store.EncodeUint64(seq), enc); err != nil {
			return false, err
		}
		if err := main.Delete(store.EncodeUint64(seq)); err != nil {
			return false, err
		}
		return true, nil
	}

	enc, err := encodeItem(it)
	if err != nil {
		return false, err
	}
	if err := main.Put(store.EncodeUint64(seq), enc); err != nil {
		return false, err
	}
	return false, nil
}

// DeadLetters lists every dead-lettered item, in the order they were
// originally enqueued.
func (q *Queue) DeadLetters(txn txnReader) ([]Item, error) {
	dead, err := txn.OpenDB(q.deadDB)
	if err != nil {
		return nil, err
	}
	var out []Item
	var decErr error
	err = dead.Scan(nil, func(p store.Pair) bool {
		it, e := decodeItem(p.Value)
		if e != nil {
			decErr = e
			return false
		}
		out = append(out, it)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	return out, nil
}

// Requeue moves a dead-lettered item back onto the tail of the live queue
// under a fresh sequence number, with its retry count reset — a
// SUPPLEMENTED operator-facing operation the distilled spec doesn't name but
// a durable dead-letter area is not useful without one.
func (q *Queue) Requeue(txn *store.WriteTxn, seq uint64) (newSeq uint64, err error) {
	dead, err := txn.OpenDB(q.deadDB)
	if err != nil {
		return 0, err
	}
	raw, err := dead.Get(store.EncodeUint64(seq))
	if err != nil {
		if err == store.ErrNotFound {
			return 0, ErrNotFound
		}
		return 0, err
	}
	it, err := decodeItem(raw)
	if err != nil {
		return 0, err
	}

	newSeqNum, err := q.nextSeq(txn)
	if err != nil {
		return 0, err
	}
	it.Seq = newSeqNum
	it.Retries = 0
	it.EnqueuedAt = time.Now().UTC()

	enc, err := encodeItem(it)
	if err != nil {
		return 0, err
	}
	main, err := txn.OpenDB(q.mainDB)
	if err != nil {
		return 0, err
	}
	if err := main.Put(store.EncodeUint64(newSeqNum), enc); err != nil {
		return 0, err
	}
	if err := dead.Delete(store.EncodeUint64(seq)); err != nil {
		return 0, err
	}
	return newSeqNum, nil
}

// Len reports how many items are currently live (not dead-lettered).
func (q *Queue) Len(txn txnReader) (int, error) {
	main, err := txn.OpenDB(q.mainDB)
	if err != nil {
		return 0, err
	}
	count := 0
	if err := main.Scan(nil, func(store.Pair) bool { count++; return true }); err != nil {
		return 0, err
	}
	return count, nil
}
