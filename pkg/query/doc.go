/*
Package query implements sink's declarative query engine (spec §4.5): a
Query value describes what to return from one entity type, and Engine.Execute
runs it through the seed/stream/filter/sort/reduce/bloom/project pipeline the
spec lays out stage by stage.

# Execution plan

Execute mirrors spec §4.5's seven stages as named, sequential helper
functions rather than one opaque loop, so each stage's contract (seed
selectivity, stream order, filter semantics, sort tie-break, reduce
grouping, bloom expansion, projection) can be read and tested in isolation:
seedSet, then a filter pass per candidate, then sort, reduce, bloom, and
finally project.

# Live queries

Subscribe (live.go) gives a Query a notify.Bus-driven update stream: on every
notify.TypeRevisionUpdate it opens a fresh entity-store read snapshot,
replaying the revision log since its last-seen point and classifying
each touched entity of the query's type against the query's filters to decide
added/modified/removed/irrelevant (spec §4.5's four-way classification).
SnapshotRegistry aggregates every live subscription's pinned floor into one
pkg/pipeline.SnapshotTracker, so periodic CleanupRevisions never prunes a
revision a subscription is still replaying from.
*/
package query
