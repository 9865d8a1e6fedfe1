package query

import (
	"sync"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/notify"
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
)

// UpdateKind classifies one live-query change event (spec §4.5's
// now-matches/still-matches/no-longer-matches/irrelevant vocabulary,
// surfaced to subscribers as added/modified/removed).
type UpdateKind string

const (
	Added    UpdateKind = "added"
	Modified UpdateKind = "modified"
	Removed  UpdateKind = "removed"
)

// Update is one live-query change event. ID is always populated; Entity is
// nil for every Removed event, where the entity's current (non-matching)
// state is no longer useful to the subscriber.
type Update struct {
	Kind   UpdateKind
	ID     sid.ID
	Entity *entity.Entity
}

// Subscription is a live query's handle (spec §4.5's "LiveQuery ... returns
// a subscription handle"). Updates delivers added/modified/removed events in
// the order they are classified: revision-log order for incremental
// classification, and for a full requery every Removed first (in no defined
// order) followed by the new result set in its sort order. Events carry no
// position, and an incrementally Added id is appended to the tracked order
// rather than placed by the query's sort. Cancel clears the pinned revision
// floor and unsubscribes from the notification bus.
type Subscription struct {
	engine *Engine
	db     *store.DB
	q      Query

	bus *notify.Bus
	sub notify.Subscriber

	updates chan Update

	mu       sync.Mutex
	lastSeen uint64
	pinned   uint64 // oldest revision this subscription still depends on; 0 once cancelled
	order    []sid.ID
	matched  map[sid.ID]bool

	stopOnce sync.Once
	done     chan struct{}
}

// Subscribe runs q once against the current snapshot and returns a
// Subscription that streams further changes (spec §4.5's LiveQuery flag).
// Non-reduced, non-bloom queries are classified incrementally per touched
// entity via the revision log (the fast path spec §4.5 describes
// mechanically); a Reduce or Bloom stage makes a changed entity's effect on
// the result depend on other members, so those queries re-run Execute on
// each revision batch and diff the two result sets by id instead — still
// correct, just not incremental.
func Subscribe(engine *Engine, db *store.DB, bus *notify.Bus, q Query) (*Subscription, error) {
	rt, err := db.BeginRead()
	if err != nil {
		return nil, err
	}
	defer rt.Rollback()

	result, err := engine.Execute(rt, q)
	if err != nil {
		return nil, err
	}
	maxRev, err := engine.es.MaxRevision(rt)
	if err != nil {
		return nil, err
	}

	order := make([]sid.ID, 0, len(result.Entities))
	matched := make(map[sid.ID]bool, len(result.Entities))
	for _, e := range result.Entities {
		order = append(order, e.ID)
		matched[e.ID] = true
	}

	s := &Subscription{
		engine:   engine,
		db:       db,
		q:        q,
		bus:      bus,
		sub:      bus.Subscribe(),
		updates:  make(chan Update, 256),
		lastSeen: maxRev,
		pinned:   maxRev + 1,
		order:    order,
		matched:  matched,
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Updates returns the channel added/modified/removed events are delivered
// on.
func (s *Subscription) Updates() <-chan Update { return s.updates }

// MinPinnedRevision implements pkg/pipeline.SnapshotTracker: the oldest
// revision this subscription might still replay from, 0 once cancelled.
func (s *Subscription) MinPinnedRevision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned
}

// Cancel unsubscribes from the notification bus and stops delivering
// updates (spec §4.5: "releases the read snapshot and unregisters from the
// notification bus within one revision cycle").
func (s *Subscription) Cancel() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.bus.Unsubscribe(s.sub)
		s.mu.Lock()
		s.pinned = 0
		s.mu.Unlock()
	})
}

func (s *Subscription) run() {
	defer close(s.updates)
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.sub:
			if !ok {
				return
			}
			if n.Type != notify.TypeRevisionUpdate || n.Revision == 0 {
				continue
			}
			s.handleRevisionUpdate(n.Revision)
		}
	}
}

func (s *Subscription) handleRevisionUpdate(revision uint64) {
	s.mu.Lock()
	from := s.lastSeen + 1
	s.mu.Unlock()
	if revision < from {
		return
	}

	rt, err := s.db.BeginRead()
	if err != nil {
		return
	}
	defer rt.Rollback()

	if s.q.Reduce != nil || s.q.Bloom != nil {
		s.diffFullRequery(rt, revision)
		return
	}

	s.classifyIncremental(rt, from, revision)
}

func (s *Subscription) classifyIncremental(rt *store.ReadTxn, from, to uint64) {
	filters := s.q.Filters // subquery filters are not re-resolved per touched entity; rare in live-query use

	touched := make(map[sid.ID]bool)
	var touchedOrder []sid.ID
	_ = s.engine.es.ScanLog(rt, from, func(typ string, id sid.ID, rev uint64) bool {
		if typ == s.q.Type && !touched[id] {
			touched[id] = true
			touchedOrder = append(touchedOrder, id)
		}
		return rev <= to
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range touchedOrder {
		ent, err := s.engine.es.ReadLatest(rt, s.q.Type, id)
		matchesNow := false
		if err == nil && !ent.Deleted {
			matchesNow = matchesAll(ent, filters)
		}
		wasMatched := s.matched[id]

		switch {
		case !wasMatched && matchesNow:
			s.matched[id] = true
			s.order = append(s.order, id)
			s.emit(Update{Kind: Added, ID: id, Entity: ent})
		case wasMatched && matchesNow:
			s.emit(Update{Kind: Modified, ID: id, Entity: ent})
		case wasMatched && !matchesNow:
			delete(s.matched, id)
			s.order = removeID(s.order, id)
			s.emit(Update{Kind: Removed, ID: id})
		}
	}

	s.lastSeen = to
	s.pinned = to + 1
}

func (s *Subscription) diffFullRequery(rt *store.ReadTxn, to uint64) {
	result, err := s.engine.Execute(rt, s.q)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newOrder := make([]sid.ID, 0, len(result.Entities))
	newSet := make(map[sid.ID]*entity.Entity, len(result.Entities))
	for _, e := range result.Entities {
		newOrder = append(newOrder, e.ID)
		newSet[e.ID] = e
	}

	for id := range s.matched {
		if _, still := newSet[id]; !still {
			s.emit(Update{Kind: Removed, ID: id})
		}
	}
	for _, e := range result.Entities {
		if s.matched[e.ID] {
			s.emit(Update{Kind: Modified, ID: e.ID, Entity: e})
		} else {
			s.emit(Update{Kind: Added, ID: e.ID, Entity: e})
		}
	}

	s.order = newOrder
	s.matched = make(map[sid.ID]bool, len(newOrder))
	for _, id := range newOrder {
		s.matched[id] = true
	}
	s.lastSeen = to
	s.pinned = to + 1
}

func (s *Subscription) emit(u Update) {
	select {
	case s.updates <- u:
	case <-s.done:
	}
}

func removeID(order []sid.ID, id sid.ID) []sid.ID {
	out := order[:0]
	for _, existing := range order {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// SnapshotRegistry aggregates every live Subscription's pinned floor into
// one pkg/pipeline.SnapshotTracker, so CleanupRevisions never prunes a
// revision a subscription still depends on.
type SnapshotRegistry struct {
	mu   sync.Mutex
	subs map[*Subscription]bool
}

// NewSnapshotRegistry returns an empty registry.
func NewSnapshotRegistry() *SnapshotRegistry {
	return &SnapshotRegistry{subs: make(map[*Subscription]bool)}
}

// Register tracks sub until Unregister is called.
func (r *SnapshotRegistry) Register(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub] = true
}

// Unregister stops tracking sub.
func (r *SnapshotRegistry) Unregister(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sub)
}

// MinPinnedRevision implements pkg/pipeline.SnapshotTracker: the lowest
// pinned floor across every registered subscription, 0 if none are
// registered.
func (r *SnapshotRegistry) MinPinnedRevision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var min uint64
	for sub := range r.subs {
		p := sub.MinPinnedRevision()
		if p == 0 {
			continue
		}
		if min == 0 || p < min {
			min = p
		}
	}
	return min
}
