package notify

import (
	"sync"
	"time"

	"github.com/cuemby/sink/pkg/sid"
)

// Type tags the kind of notification carried by one Notification record
// (spec §6.2).
type Type string

const (
	// TypeRevisionUpdate reports a pipeline commit: Revision carries the new
	// max_revision (spec §4.3).
	TypeRevisionUpdate Type = "RevisionUpdate"
	// TypeStatus reports resource-level status: ConnectedStatus, BusyStatus,
	// or ErrorStatus, distinguished by Code (spec §4.6).
	TypeStatus Type = "Status"
	// TypeInfo is a free-form informational notice.
	TypeInfo Type = "Info"
	// TypeError reports a fatal or surfaced-persistent error (spec §7).
	TypeError Type = "Error"
	// TypeFlushCompletion answers a flush barrier (spec §4.4, §4.7): ID
	// carries the flush id the client is awaiting.
	TypeFlushCompletion Type = "FlushCompletion"
	// TypeProgress reports incremental progress on a long-running sync
	// request.
	TypeProgress Type = "Progress"
	// TypeNewContentAvailable reports unseen messages landing in a folder
	// (spec §4.6).
	TypeNewContentAvailable Type = "NewContentAvailable"
	// TypeSyncStatus reports per-entity sync-status transitions
	// (SyncInProgress/SyncSuccess/SyncError) correlated by entity id (spec
	// §4.5's UpdateStatus flag, §4.6).
	TypeSyncStatus Type = "SyncStatus"
)

// Code is a small documented enum distinguishing sub-kinds within a Type
// (spec §6.2, "codes are small integers with a documented enum").
type Code int

const (
	CodeNone Code = iota
	CodeConnected
	CodeBusy
	CodeConnectionError
	CodeAuthError
	CodeStorageFull
	CodeStorageCorrupt
	CodeSyncInProgress
	CodeSyncSuccess
	CodeSyncError
)

// Notification is the tagged record spec §6.2 defines: { type, code, id,
// entities[], message, progress }.
type Notification struct {
	Type      Type
	Code      Code
	ID        string // flush id, sync request id, or empty
	Entities  []sid.ID
	Message   string
	Progress  int
	Revision  uint64 // set on TypeRevisionUpdate
	Timestamp time.Time
}

// Subscriber is a channel one client connection's dispatch loop reads from.
type Subscriber chan Notification

// subscriberBuffer is how many pending notifications one slow client may
// accumulate before Bus starts dropping for it.
const subscriberBuffer = 64

// intakeBuffer bounds how many Publish calls may be in flight to the bus's
// own dispatch loop before Publish starts blocking the caller (the pipeline,
// mid-commit-adjacent code — so this should never realistically fill).
const intakeBuffer = 256

// Bus is the process-wide notification broker: one per resource instance,
// constructed once at startup and passed explicitly to every collaborator
// that needs to publish or subscribe (spec §9, no global singleton).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	intake      chan Notification
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewBus constructs an unstarted Bus; call Start to begin dispatching.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		intake:      make(chan Notification, intakeBuffer),
		stop:        make(chan struct{}),
	}
}

// Start launches the dispatch loop in its own goroutine.
func (b *Bus) Start() {
	go b.run()
}

// Stop halts the dispatch loop and closes every subscriber channel.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Subscribe registers a new client connection's notification channel.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel, e.g. on client
// disconnect (spec §4.7).
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// SubscriberCount reports how many subscribers (client connections and live
// query subscriptions alike) are currently registered. The listener's idle
// shutdown counts its own connections instead.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish hands n off to the dispatch loop for fan-out. Safe to call from
// the pipeline's commit path; it never blocks on a slow subscriber, only
// (briefly) on the bus's own intake buffer.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case b.intake <- n:
	case <-b.stop:
	}
}

func (b *Bus) run() {
	for {
		select {
		case n := <-b.intake:
			b.broadcast(n)
		case <-b.stop:
			b.mu.Lock()
			for sub := range b.subscribers {
				close(sub)
			}
			b.subscribers = make(map[Subscriber]bool)
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bus) broadcast(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- n:
		default:
			// slow subscriber: drop rather than block the whole bus.
		}
	}
}
