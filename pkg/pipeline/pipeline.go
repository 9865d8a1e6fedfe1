package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/notify"
	"github.com/cuemby/sink/pkg/store"
	"github.com/cuemby/sink/pkg/value"
)

// ErrClosed is returned by Submit once the pipeline has been stopped.
var ErrClosed = errors.New("pipeline: closed")

// ErrBatchAborted is returned to every command in a batch that was rolled
// back because a different command in the same batch failed (spec §4.3:
// "aborts the transaction and rolls back all commands in that batch").
var ErrBatchAborted = errors.New("pipeline: batch aborted by another command's failure")

// DefaultBatchMaxItems and DefaultBatchMaxElapsed bound how many commands
// accumulate into one write transaction before it commits (spec §4.3,
// "bounded by a soft item count and elapsed time").
const (
	DefaultBatchMaxItems   = 64
	DefaultBatchMaxElapsed = 10 * time.Millisecond
	inboundChannelBuffer   = 256
)

// SnapshotTracker reports the lowest revision still pinned by an open read
// snapshot, so CleanupRevisions never prunes under a live query (spec §9's
// open question on cleanup vs. long-running live queries). A tracker with no
// open snapshots returns 0.
type SnapshotTracker interface {
	MinPinnedRevision() uint64
}

type inflight struct {
	cmd    Command
	result chan Result
}

// Pipeline is the single-threaded write-path consumer (spec §4.3). One
// goroutine (run) applies commands in arrival order, batching back-to-back
// commands into one shared write transaction: there is exactly one writer,
// so no consensus or locking is needed to serialize it against anything
// else.
type Pipeline struct {
	db  *store.DB
	es  *entity.Store
	bus *notify.Bus

	batchMaxItems   int
	batchMaxElapsed time.Duration

	blobs BlobStager // may be nil if no type in this instance uses BLOB properties

	in       chan *inflight
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// OnFatal is invoked from the run loop when a commit fails with
	// ErrStorageFull or ErrStorageCorrupt (spec §7: "a corruption or
	// storage-full error is fatal to the process; the worker exits cleanly
	// and emits an error notification before termination"). The caller
	// (cmd/sinkd) is expected to initiate shutdown from this callback.
	OnFatal func(error)
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithBatchLimits overrides the default soft batching bounds.
func WithBatchLimits(maxItems int, maxElapsed time.Duration) Option {
	return func(p *Pipeline) {
		p.batchMaxItems = maxItems
		p.batchMaxElapsed = maxElapsed
	}
}

// WithBlobStager installs the collaborator used to resolve staged BLOB
// properties before a write.
func WithBlobStager(s BlobStager) Option {
	return func(p *Pipeline) { p.blobs = s }
}

// New constructs a Pipeline. Call Start to launch its run loop.
func New(db *store.DB, es *entity.Store, bus *notify.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		db:              db,
		es:              es,
		bus:             bus,
		batchMaxItems:   DefaultBatchMaxItems,
		batchMaxElapsed: DefaultBatchMaxElapsed,
		in:              make(chan *inflight, inboundChannelBuffer),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the run loop in its own goroutine.
func (p *Pipeline) Start() {
	go p.run()
}

// Stop signals the run loop to exit once its current batch (if any)
// finishes, and waits for it to do so.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.done
	})
}

// Submit enqueues cmd and blocks until its containing batch commits or
// aborts, returning the resulting entity (the tombstone for Remove, nil for
// FlushBarrier) or an error.
func (p *Pipeline) Submit(cmd Command) Result {
	item := &inflight{cmd: cmd, result: make(chan Result, 1)}
	select {
	case p.in <- item:
	case <-p.quit:
		return Result{Err: ErrClosed}
	}
	select {
	case r := <-item.result:
		return r
	case <-p.quit:
		return Result{Err: ErrClosed}
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		first, ok := p.recvFirst()
		if !ok {
			return
		}
		batch := p.collectBatch(first)
		p.commitBatch(batch)
	}
}

func (p *Pipeline) recvFirst() (*inflight, bool) {
	select {
	case item := <-p.in:
		return item, true
	case <-p.quit:
		// Drain anything already queued so no caller blocks forever on
		// Submit after Stop was called.
		select {
		case item := <-p.in:
			return item, true
		default:
			return nil, false
		}
	}
}

func (p *Pipeline) collectBatch(first *inflight) []*inflight {
	batch := make([]*inflight, 0, p.batchMaxItems)
	batch = append(batch, first)

	timer := time.NewTimer(p.batchMaxElapsed)
	defer timer.Stop()

	for len(batch) < p.batchMaxItems {
		select {
		case item := <-p.in:
			batch = append(batch, item)
		case <-timer.C:
			return batch
		case <-p.quit:
			return batch
		}
	}
	return batch
}

func (p *Pipeline) commitBatch(batch []*inflight) {
	wt, err := p.db.BeginWrite()
	if err != nil {
		p.failAll(batch, err)
		p.maybeFatal(err)
		return
	}

	applied := make([]*entity.Entity, 0, len(batch))
	var flushIDs []string
	abortErr := error(nil)
	abortAt := -1

	for i, item := range batch {
		e, err := p.apply(wt, item.cmd)
		if err != nil {
			abortErr = err
			abortAt = i
			break
		}
		if item.cmd.Kind == FlushBarrier {
			flushIDs = append(flushIDs, item.cmd.FlushID)
		}
		if e != nil {
			applied = append(applied, e)
		}
	}

	if abortErr != nil {
		_ = wt.Rollback()
		for i, item := range batch {
			if i == abortAt {
				item.result <- Result{Err: abortErr}
			} else {
				item.result <- Result{Err: fmt.Errorf("%w: %v", ErrBatchAborted, abortErr)}
			}
		}
		return
	}

	if err := wt.Commit(); err != nil {
		p.failAll(batch, err)
		p.maybeFatal(err)
		return
	}

	var maxRev uint64
	for _, e := range applied {
		if e.Revision > maxRev {
			maxRev = e.Revision
		}
	}
	if maxRev > 0 && p.bus != nil {
		p.bus.Publish(notify.Notification{Type: notify.TypeRevisionUpdate, Revision: maxRev})
	}
	if p.bus != nil {
		for _, id := range flushIDs {
			p.bus.Publish(notify.Notification{Type: notify.TypeFlushCompletion, ID: id})
		}
	}

	for i, item := range batch {
		if item.cmd.Kind == FlushBarrier {
			item.result <- Result{}
			continue
		}
		item.result <- Result{Entity: applied[resultIndex(batch, applied, i)]}
	}
}

// resultIndex maps batch position i back to its corresponding entry in
// applied, accounting for FlushBarrier commands (which never appear in
// applied) interleaved with entity-producing commands.
func resultIndex(batch []*inflight, applied []*entity.Entity, i int) int {
	idx := 0
	for j := 0; j < i; j++ {
		if batch[j].cmd.Kind != FlushBarrier {
			idx++
		}
	}
	if idx >= len(applied) {
		return len(applied) - 1
	}
	return idx
}

func (p *Pipeline) failAll(batch []*inflight, err error) {
	for _, item := range batch {
		item.result <- Result{Err: err}
	}
}

func (p *Pipeline) maybeFatal(err error) {
	if p.OnFatal == nil {
		return
	}
	if errors.Is(err, store.ErrStorageFull) || errors.Is(err, store.ErrStorageCorrupt) {
		if p.bus != nil {
			code := notify.CodeStorageFull
			if errors.Is(err, store.ErrStorageCorrupt) {
				code = notify.CodeStorageCorrupt
			}
			p.bus.Publish(notify.Notification{Type: notify.TypeError, Code: code, Message: err.Error()})
		}
		p.OnFatal(err)
	}
}

func (p *Pipeline) apply(wt *store.WriteTxn, cmd Command) (*entity.Entity, error) {
	switch cmd.Kind {
	case Create:
		props, err := p.stageBlobs(cmd)
		if err != nil {
			return nil, err
		}
		return p.es.Add(wt, cmd.Type, props, cmd.ReplayToSource)
	case Modify:
		changes, err := p.stageBlobs(cmd)
		if err != nil {
			return nil, err
		}
		return p.es.Modify(wt, cmd.Type, cmd.ID, changes, cmd.ReplayToSource)
	case Remove:
		return p.es.Remove(wt, cmd.Type, cmd.ID, cmd.ReplayToSource)
	case FlushBarrier:
		return nil, nil
	default:
		return nil, fmt.Errorf("pipeline: unknown command kind %v", cmd.Kind)
	}
}

func (p *Pipeline) stageBlobs(cmd Command) (entity.Properties, error) {
	if len(cmd.StagedBlobs) == 0 {
		return cmd.Props, nil
	}
	if p.blobs == nil {
		return nil, fmt.Errorf("pipeline: command stages blob properties but no BlobStager is configured")
	}
	out := cmd.Props.Clone()
	for prop, path := range cmd.StagedBlobs {
		data, err := p.blobs.Stage(path)
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage blob property %q from %q: %w", prop, path, err)
		}
		out[prop] = value.Bytes(data)
	}
	return out, nil
}

// CleanupRevisions runs one pruning pass against threshold, never pruning
// past a revision a live tracker still pins (spec §4.2's cleanup_revisions,
// §9's cleanup-vs-live-queries resolution). Intended to be called
// periodically (e.g. from a timer in cmd/sinkd), not from the command
// stream, since it touches every registered type's buckets in one
// transaction.
func (p *Pipeline) CleanupRevisions(threshold uint64, tracker SnapshotTracker) (int, error) {
	var pinned uint64
	if tracker != nil {
		pinned = tracker.MinPinnedRevision()
	}
	wt, err := p.db.BeginWrite()
	if err != nil {
		return 0, err
	}
	pruned, err := p.es.CleanupRevisions(wt, threshold, pinned)
	if err != nil {
		_ = wt.Rollback()
		return 0, err
	}
	if err := wt.Commit(); err != nil {
		return 0, err
	}
	return pruned, nil
}
