/*
Package entity implements sink's entity store (spec §4.2): the typed,
revisioned layer built on top of pkg/store.

An Entity is a typed, identified record: a type tag, a stable id, a
monotonically increasing revision shared by the whole resource instance, a
property bag decoded through a per-type Adaptor, the set of properties
changed in the most recent write, and the deleted/replay-to-source flags
carried in its metadata (spec §3).

# Apply idiom

Every mutation goes through a single typed command dispatched inside one
write transaction: Add, Modify and Remove below, and pkg/pipeline, which
drives them the same way. There is no consensus group to commit through —
spec §1 puts multi-writer access to a single resource database out of
scope — so the transaction boundary alone is what makes each command atomic.

# Capability-set dispatch

Per spec §9's design note on replacing inheritance-based adaptor factories,
each entity type registers one Capabilities record — an Adaptor plus an
optional Preprocessor — in a CapabilityRegistry built once at startup. Store
is polymorphic over that record, never over a type hierarchy.
*/
package entity
