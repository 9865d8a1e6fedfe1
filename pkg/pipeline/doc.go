/*
Package pipeline implements sink's write path (spec §4.3): the single-
threaded consumer that turns a framed command into an entity-store mutation.

# Apply idiom, without consensus

Pipeline dispatches one typed Command (a type/op tag plus a payload) through
a switch, applied via one *entity.Store call inside one *store.WriteTxn, the
same dispatch-inside-one-transaction shape a replicated FSM would use minus
the replication: a single Go goroutine's run loop reads commands off a
channel in arrival order. There is no consensus group to replicate through,
since spec §1 rules out multi-writer access to one resource database, so
total-ordering concurrent proposers collapses to "there is only ever one
proposer, this goroutine".

# Batching

Commands arriving back-to-back are folded into one write transaction,
bounded by a soft item count and an elapsed-time ceiling (batchMaxItems,
batchMaxElapsed) — the same soft-ceiling-then-flush shape pkg/store's
MaxMapSize check uses for storage, applied here to batch size instead.
Commit emits exactly one notify.TypeRevisionUpdate notification carrying the
post-commit max_revision, not one per command in the batch.
*/
package pipeline
