/*
Package notify implements sink's notification bus (spec §4.7, §6.2): the
one-to-many fan-out from the worker's write path to every connected client
connection.

It is an event broker: a buffered intake channel drained by one goroutine,
buffered per-subscriber channels, and a non-blocking broadcast that drops
rather than blocks a slow subscriber. Notification is a tagged record (type,
code, id, entities, message, progress) covering the notification types
spec §4.7 and §6.2 name.
*/
package notify
