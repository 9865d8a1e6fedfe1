package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/notify"
	"github.com/cuemby/sink/pkg/pipeline"
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
)

const highWatermarkDB = "sync.meta"
const highWatermarkKey = "last_replayed_revision"

// replayPayload is the durable queue item pkg/queue.Queue stores for one
// replay-to-source revision (spec §4.6's change-replay scan).
type replayPayload struct {
	Type      string `json:"type"`
	ID        sid.ID `json:"id"`
	Operation string `json:"operation"`
	Revision  uint64 `json:"revision"`
}

func encodeReplayPayload(p replayPayload) ([]byte, error) { return json.Marshal(p) }

func decodeReplayPayload(b []byte) (replayPayload, error) {
	var p replayPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

// bootstrapHighWatermark registers the small meta bucket the scan-cursor
// lives in, in the synchronizationstore.
func bootstrapHighWatermark(syncDB *store.DB) error {
	return syncDB.EnsureDB(highWatermarkDB, store.DBOptions{})
}

func readHighWatermark(txn txnReader) (uint64, error) {
	h, err := txn.OpenDB(highWatermarkDB)
	if err != nil {
		return 0, err
	}
	v, err := h.Get([]byte(highWatermarkKey))
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return store.DecodeUint64(v), nil
}

func writeHighWatermark(txn *store.WriteTxn, rev uint64) error {
	h, err := txn.OpenDB(highWatermarkDB)
	if err != nil {
		return err
	}
	return h.Put([]byte(highWatermarkKey), store.EncodeUint64(rev))
}

// scanForReplay walks the entitystore's global revision log from the
// persisted high-watermark and durably enqueues every replay-to-source
// revision of a type this synchronizer replicates into the
// synchronizationstore's replay queue (spec §4.6's change replay steps 1-2,
// "for each committed local revision with replay_to_source = true and
// type-appropriate"). Advances the watermark past every revision it
// inspects, whether or not it was replay-eligible, so the scan never
// revisits a revision. Reading the entitystore and writing the
// synchronizationstore are necessarily two separate transactions (they are
// two different bbolt files); a crash between them can replay a revision a
// second time, which create_or_modify and the remote adaptor's idempotency
// on remote id are expected to absorb.
func (s *Synchronizer) scanForReplay() error {
	rt, err := s.entityDB.BeginRead()
	if err != nil {
		return err
	}
	defer rt.Rollback()

	swt, err := s.syncDB.BeginWrite()
	if err != nil {
		return err
	}

	from, err := readHighWatermark(swt)
	if err != nil {
		_ = swt.Rollback()
		return err
	}

	var maxSeen uint64
	var scanErr error
	err = s.es.ScanLog(rt, from+1, func(typ string, id sid.ID, revision uint64) bool {
		if revision > maxSeen {
			maxSeen = revision
		}
		if !s.replicatedTypes[typ] {
			return true
		}
		ent, rerr := s.es.ReadRevision(rt, typ, revision)
		if rerr != nil {
			scanErr = rerr
			return false
		}
		if !ent.ReplayToSource {
			return true
		}
		op := "modify"
		switch {
		case ent.Deleted:
			op = "remove"
		default:
			if _, cerr := s.remoteIDMaps[typ].RemoteOf(swt, id); cerr == ErrNoMapping {
				op = "create"
			}
		}
		payload, eerr := encodeReplayPayload(replayPayload{Type: typ, ID: id, Operation: op, Revision: revision})
		if eerr != nil {
			scanErr = eerr
			return false
		}
		if _, eerr := s.replayQueue.Enqueue(swt, payload); eerr != nil {
			scanErr = eerr
			return false
		}
		return true
	})
	if err != nil {
		_ = swt.Rollback()
		return err
	}
	if scanErr != nil {
		_ = swt.Rollback()
		return scanErr
	}

	if maxSeen > from {
		if err := writeHighWatermark(swt, maxSeen); err != nil {
			_ = swt.Rollback()
			return err
		}
	}
	return swt.Commit()
}

// pumpReplayQueue processes the head of the replay queue, if any, to
// completion (success, transient pause, or permanent dead-letter). Returns
// true if an item was found (whether or not it was fully processed), so the
// caller can keep pumping while items remain.
func (s *Synchronizer) pumpReplayQueue(ctx context.Context) (bool, error) {
	rt, err := s.syncDB.BeginRead()
	if err != nil {
		return false, err
	}
	item, ok, err := s.replayQueue.Peek(rt)
	rt.Rollback()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	payload, err := decodeReplayPayload(item.Payload)
	if err != nil {
		return true, s.deadLetter(item.Seq, fmt.Errorf("sync: corrupt replay payload: %w", err))
	}

	if err := s.replayOne(ctx, payload); err != nil {
		if IsTransient(err) {
			s.publishStatus(notify.CodeConnectionError, err.Error())
			return true, err
		}
		return true, s.ackOrDeadLetter(item.Seq, payload, err)
	}

	return true, s.ack(item.Seq)
}

func (s *Synchronizer) ack(seq uint64) error {
	wt, err := s.syncDB.BeginWrite()
	if err != nil {
		return err
	}
	if err := s.replayQueue.Ack(wt, seq); err != nil {
		_ = wt.Rollback()
		return err
	}
	return wt.Commit()
}

func (s *Synchronizer) ackOrDeadLetter(seq uint64, payload replayPayload, cause error) error {
	s.publishSyncStatus(notify.CodeSyncError, []sid.ID{payload.ID}, cause.Error())
	return s.deadLetter(seq, cause)
}

func (s *Synchronizer) deadLetter(seq uint64, cause error) error {
	wt, err := s.syncDB.BeginWrite()
	if err != nil {
		return err
	}
	if _, err := s.replayQueue.Nack(wt, seq); err != nil {
		_ = wt.Rollback()
		return err
	}
	return wt.Commit()
}

// replayOne runs spec §4.6's steps 1-4 for one queued revision: read the
// entity, resolve its remote id (or learn one on create), call the source
// adaptor, and on success record the mapping and let the caller Ack.
func (s *Synchronizer) replayOne(ctx context.Context, payload replayPayload) error {
	rt, err := s.entityDB.BeginRead()
	if err != nil {
		return err
	}
	ent, err := s.es.ReadLatest(rt, payload.Type, payload.ID)
	rt.Rollback()
	if err != nil && err != entity.ErrNotFound {
		return err
	}

	remoteMap := s.remoteIDMaps[payload.Type]

	switch payload.Operation {
	case "remove":
		srt, err := s.syncDB.BeginRead()
		if err != nil {
			return err
		}
		remoteID, lerr := remoteMap.RemoteOf(srt, payload.ID)
		srt.Rollback()
		if lerr == ErrNoMapping {
			return nil // never replayed to the source in the first place
		}
		if lerr != nil {
			return lerr
		}
		if err := s.adaptor.DeleteRemote(ctx, payload.Type, remoteID); err != nil {
			return err
		}
		swt, err := s.syncDB.BeginWrite()
		if err != nil {
			return err
		}
		if err := remoteMap.Remove(swt, payload.ID, remoteID); err != nil {
			_ = swt.Rollback()
			return err
		}
		return swt.Commit()

	case "create":
		if ent == nil {
			return nil // deleted again before replay ran
		}
		remoteID, err := s.adaptor.CreateRemote(ctx, payload.Type, ent.Properties)
		if err != nil {
			return err
		}
		swt, err := s.syncDB.BeginWrite()
		if err != nil {
			return err
		}
		if err := remoteMap.Put(swt, payload.ID, remoteID); err != nil {
			_ = swt.Rollback()
			return err
		}
		return swt.Commit()

	default: // modify
		if ent == nil {
			return nil
		}
		srt, err := s.syncDB.BeginRead()
		if err != nil {
			return err
		}
		remoteID, lerr := remoteMap.RemoteOf(srt, payload.ID)
		srt.Rollback()
		if lerr == ErrNoMapping {
			remoteID, err = s.adaptor.CreateRemote(ctx, payload.Type, ent.Properties)
			if err != nil {
				return err
			}
			swt, err := s.syncDB.BeginWrite()
			if err != nil {
				return err
			}
			if err := remoteMap.Put(swt, payload.ID, remoteID); err != nil {
				_ = swt.Rollback()
				return err
			}
			return swt.Commit()
		}
		if lerr != nil {
			return lerr
		}
		return s.adaptor.ModifyRemote(ctx, payload.Type, remoteID, ent.Properties)
	}
}

// createOrModify implements spec §4.6's create_or_modify(type, remote_id,
// entity, merge_criteria): reconcile one remote record into a local pipeline
// command. If a mapping for remoteID already exists, emit a Modify. Else if
// matchLocal identifies an existing local entity by the adaptor's own merge
// criteria, adopt its id and emit a Modify, recording the new mapping.
// Otherwise allocate a new local id via Create.
func (s *Synchronizer) createOrModify(typ, remoteID string, props entity.Properties, matchLocal func() (sid.ID, bool, error)) (pipeline.Result, error) {
	srt, err := s.syncDB.BeginRead()
	if err != nil {
		return pipeline.Result{}, err
	}
	existing, lerr := s.remoteIDMaps[typ].LocalOf(srt, remoteID)
	srt.Rollback()
	if lerr == nil {
		res := s.pipe.Submit(pipeline.Command{Kind: pipeline.Modify, Type: typ, ID: existing, Props: props, ReplayToSource: false})
		return res, res.Err
	}
	if lerr != ErrNoMapping {
		return pipeline.Result{}, lerr
	}

	if matchLocal != nil {
		adoptedID, ok, merr := matchLocal()
		if merr != nil {
			return pipeline.Result{}, merr
		}
		if ok {
			res := s.pipe.Submit(pipeline.Command{Kind: pipeline.Modify, Type: typ, ID: adoptedID, Props: props, ReplayToSource: false})
			if res.Err != nil {
				return res, res.Err
			}
			return res, s.recordMapping(adoptedID, remoteID, typ)
		}
	}

	res := s.pipe.Submit(pipeline.Command{Kind: pipeline.Create, Type: typ, Props: props, ReplayToSource: false})
	if res.Err != nil {
		return res, res.Err
	}
	return res, s.recordMapping(res.Entity.ID, remoteID, typ)
}

func (s *Synchronizer) recordMapping(local sid.ID, remoteID, typ string) error {
	swt, err := s.syncDB.BeginWrite()
	if err != nil {
		return err
	}
	if err := s.remoteIDMaps[typ].Put(swt, local, remoteID); err != nil {
		_ = swt.Rollback()
		return err
	}
	return swt.Commit()
}

// scanForRemovals implements spec §4.6's scan_for_removals(type, predicate):
// walk every local entity of typ and, for each whose remote id the source no
// longer reports (predicate returns false), submit a Remove command.
func (s *Synchronizer) scanForRemovals(typ string, stillPresent func(remoteID string) bool) (int, error) {
	ert, err := s.entityDB.BeginRead()
	if err != nil {
		return 0, err
	}
	srt, err := s.syncDB.BeginRead()
	if err != nil {
		ert.Rollback()
		return 0, err
	}

	type candidate struct {
		id       sid.ID
		remoteID string
	}
	var toRemove []candidate
	scanErr := s.es.ScanLatest(ert, typ, func(id sid.ID, _ uint64) bool {
		remoteID, lerr := s.remoteIDMaps[typ].RemoteOf(srt, id)
		if lerr == ErrNoMapping {
			return true // never replayed; not the source's to remove
		}
		if lerr != nil {
			return false
		}
		if !stillPresent(remoteID) {
			toRemove = append(toRemove, candidate{id: id, remoteID: remoteID})
		}
		return true
	})
	ert.Rollback()
	srt.Rollback()
	if scanErr != nil {
		return 0, scanErr
	}

	removed := 0
	for _, c := range toRemove {
		res := s.pipe.Submit(pipeline.Command{Kind: pipeline.Remove, Type: typ, ID: c.id, ReplayToSource: false})
		if res.Err != nil {
			return removed, res.Err
		}
		swt, werr := s.syncDB.BeginWrite()
		if werr != nil {
			return removed, werr
		}
		if werr := s.remoteIDMaps[typ].Remove(swt, c.id, c.remoteID); werr != nil {
			_ = swt.Rollback()
			return removed, werr
		}
		if werr := swt.Commit(); werr != nil {
			return removed, werr
		}
		removed++
	}
	return removed, nil
}

// backoffDelay computes how long to pause replay after a transient failure
// (spec §4.6: "pauses replay with backoff"), doubling per consecutive
// failure up to a ceiling.
func backoffDelay(consecutiveFailures int) time.Duration {
	const base = 500 * time.Millisecond
	const max = 5 * time.Minute
	d := base
	for i := 0; i < consecutiveFailures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
