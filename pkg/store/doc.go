/*
Package store implements sink's data store (spec §4.1): a transactional
ordered key-value store providing named sub-databases per resource instance.

It is the leaf dependency of the whole worker process — the entity store
(pkg/entity), the command queues (pkg/queue) and the synchronizer's
remote-id maps are all just named sub-databases opened through this package.

# Storage engine

store is a thin, typed layer over go.etcd.io/bbolt. bbolt already gives us
the guarantees spec §4.1 asks for: one writer, any number of concurrent MVCC
readers, and a durable commit before the next write is acknowledged.

# Sub-databases

Each named sub-database is a bbolt bucket opened through OpenDB with a
DBOptions describing whether it allows duplicate logical keys (secondary
indices, §3 "duplicates allowed") and whether its keys are dense integers
(the revisioned primary record buckets, keyed by revision number). bbolt has
no native DupSort mode, so AllowDuplicates is emulated by appending the value
to the physical key; ScanDupKey and ScanAllDup strip the composite suffix
back off before handing keys to the caller, and Scan refuses such buckets.

# Map size

bbolt itself grows its backing file without a configured ceiling. store adds
its own soft ceiling (MaxMapSize) on top, checked after each commit, so
StorageFull (§4.1, §7) is a real, reachable condition instead of an
unenforced spec detail.
*/
package store
