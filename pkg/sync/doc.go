// Package sync implements the synchronizer (spec §4.6): a single-threaded
// cooperative scheduler over one source that runs sync requests without
// blocking the listener or the pipeline. It owns the synchronizationstore's
// remote-id maps (spec §6.3) and the durable "synchronizer" replay queue
// (pkg/queue), submits the commands it derives from the source back to the
// pipeline rather than writing the entity store directly (spec §5's
// shared-resource policy), and emits status/sync notifications over the
// shared notify.Bus.
//
// Requests are accepted by Submit, which applies the queue discipline spec
// §4.6 describes (overlapping Synchronize requests coalesce; Flush variants
// wait on a named sub-queue; Logout cancels pending Synchronizes) before
// appending to an internal FIFO. One goroutine (run) drains that FIFO,
// dispatching each request by kind. Credential-dependent requests call
// secretstore.Store.Wait and resume when Put is called for their resource
// id. The run goroutine waits there, so requests queued behind a waiting
// one wait too; only a Logout submitted meanwhile cuts the wait short, by
// cancelling it.
//
// Change replay (replay.go) walks the entity store's global revision log
// from a persisted high-watermark, durably enqueues every
// replay-to-source-flagged revision onto the "synchronizer" queue and
// advances the watermark past every revision it inspected, and a separate
// pump drains that queue one item at a time: read the entity, resolve its
// local id to a remote id, call the source adaptor, and on success Ack the
// item and record any newly learned remote id. A
// transient failure pauses replay with backoff (the item stays at the head
// of the queue); a permanent failure dead-letters it via the queue's own
// Nack/MaxRetries mechanism so replay keeps moving.
package sync
