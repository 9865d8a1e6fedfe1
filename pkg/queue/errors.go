package queue

import "errors"

// ErrNotFound is returned by Ack/Nack/Requeue when seq names no item in the
// expected bucket (already acknowledged, already dead-lettered, or never
// enqueued).
var ErrNotFound = errors.New("queue: item not found")
