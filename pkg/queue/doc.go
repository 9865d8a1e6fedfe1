/*
Package queue implements sink's durable command queue (spec §4.4): a FIFO of
opaque command payloads stored as a store.DB sub-database, with
non-destructive dequeue until the consumer acknowledges, retry counting, and
a dead-letter area for items that exceed their retry cap.

Each named queue is an independent Queue value over its own bucket name
prefix. The module opens one outside tests: "synchronizer", pkg/sync's
change-replay queue. No "inbound" queue is opened; client commands reach
the pipeline over its in-memory channel, not through this package.

Item framing follows the Enqueue(job)/RetryCount/EnqueuedAt vocabulary of a
JSON job-queue record, adapted to bbolt storage: each item is a JSON-encoded
header (sequence number, enqueue time, retry count) plus the caller-supplied
opaque payload bytes, keyed by a monotonically increasing sequence number so
bbolt's natural key order is FIFO order.
*/
package queue
