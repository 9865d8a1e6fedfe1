package query

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
	"github.com/cuemby/sink/pkg/value"
)

// Txn is satisfied by both *store.ReadTxn and *store.WriteTxn
// (pkg/entity.txnReader's idiom), so Execute can run inside the pipeline's
// write transaction as well as a dedicated read snapshot.
type Txn interface {
	OpenDB(name string) (*store.Handle, error)
}

// Engine executes Query values against an entity.Store.
type Engine struct {
	es *entity.Store
}

// NewEngine builds an Engine over an already-bootstrapped entity.Store.
func NewEngine(es *entity.Store) *Engine {
	return &Engine{es: es}
}

// Result is Execute's output: the matched (or, for a reduced query,
// synthesized) entities in final sort order, with only Request's properties
// populated when Request is non-empty.
type Result struct {
	Entities []*entity.Entity
}

// Execute runs q's full seed/stream/filter/sort/reduce/bloom/project
// pipeline (spec §4.5) against the snapshot txn.
func (e *Engine) Execute(txn Txn, q Query) (*Result, error) {
	filters, err := e.resolveSubqueries(txn, q)
	if err != nil {
		return nil, fmt.Errorf("query: resolve subqueries: %w", err)
	}

	seedIDs, err := e.seedSet(txn, q, filters)
	if err != nil {
		return nil, fmt.Errorf("query: seed set: %w", err)
	}

	matched, err := e.filterPass(txn, q, filters, seedIDs)
	if err != nil {
		return nil, fmt.Errorf("query: filter: %w", err)
	}

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = topK(matched, q, q.Limit)
	} else {
		matched = sortEntities(matched, q)
	}

	if q.Reduce != nil {
		matched, err = reduceEntities(matched, *q.Reduce)
		if err != nil {
			return nil, fmt.Errorf("query: reduce: %w", err)
		}
	}

	if q.Bloom != nil {
		matched, err = e.bloomExpand(txn, q, matched)
		if err != nil {
			return nil, fmt.Errorf("query: bloom: %w", err)
		}
		matched = sortEntities(matched, q)
	}

	project(matched, q.Request)
	return &Result{Entities: matched}, nil
}

// resolveSubqueries evaluates every SubqueryFilters entry into an id set and
// folds it into an ordinary In filter over IDRef values, per spec §4.5:
// "Subquery filters ... evaluated by resolving the subquery to an id set."
func (e *Engine) resolveSubqueries(txn Txn, q Query) (map[string]Filter, error) {
	out := make(map[string]Filter, len(q.Filters)+len(q.SubqueryFilters))
	for name, f := range q.Filters {
		out[name] = f
	}
	for prop, sub := range q.SubqueryFilters {
		subResult, err := e.Execute(txn, *sub)
		if err != nil {
			return nil, fmt.Errorf("subquery on %q: %w", prop, err)
		}
		ids := make([]value.Value, 0, len(subResult.Entities))
		for _, se := range subResult.Entities {
			ids = append(ids, value.IDRef(se.ID))
		}
		out[prop] = Filter{Comparator: In, Values: ids}
	}
	return out, nil
}

// seedSet picks the narrowest starting candidate set (spec §4.5 stage 1).
func (e *Engine) seedSet(txn Txn, q Query, filters map[string]Filter) ([]sid.ID, error) {
	if len(q.IDFilter) > 0 {
		out := make([]sid.ID, len(q.IDFilter))
		copy(out, q.IDFilter)
		return out, nil
	}

	if prop, f, ok := mostSelectiveIndexFilter(filters); ok {
		switch f.Comparator {
		case Equals:
			ids, err := e.es.IndexLookup(txn, q.Type, prop, f.Value)
			if !errors.Is(err, store.ErrUnknownDB) {
				return ids, err
			}
		case In:
			seen := make(map[sid.ID]bool)
			var out []sid.ID
			indexed := true
			for _, v := range f.Values {
				ids, err := e.es.IndexLookup(txn, q.Type, prop, v)
				if errors.Is(err, store.ErrUnknownDB) {
					indexed = false
					break
				}
				if err != nil {
					return nil, err
				}
				for _, id := range ids {
					if !seen[id] {
						seen[id] = true
						out = append(out, id)
					}
				}
			}
			if indexed {
				return out, nil
			}
		}
	}

	// No filter to seed from, or its property has no secondary index.

	var out []sid.ID
	err := e.es.ScanLatest(txn, q.Type, func(id sid.ID, _ uint64) bool {
		out = append(out, id)
		return true
	})
	return out, err
}

// mostSelectiveIndexFilter returns the first Equals/In filter it meets in
// map order, used to seed from that property's secondary index instead of a
// full scan; seedSet falls back to the full scan when the property has no
// index. Selectivity ranking among multiple candidates is out of scope (spec
// §4.5 only requires "an available secondary index", not cost estimation).
func mostSelectiveIndexFilter(filters map[string]Filter) (string, Filter, bool) {
	for prop, f := range filters {
		if f.Comparator == Equals || f.Comparator == In {
			return prop, f, true
		}
	}
	return "", Filter{}, false
}

// filterPass reads each seed candidate's latest entity and applies every
// filter (spec §4.5 stage 3); deleted entities never match.
func (e *Engine) filterPass(txn Txn, q Query, filters map[string]Filter, seeds []sid.ID) ([]*entity.Entity, error) {
	var out []*entity.Entity
	seen := make(map[sid.ID]bool, len(seeds))
	for _, id := range seeds {
		if seen[id] {
			continue
		}
		seen[id] = true
		ent, err := e.es.ReadLatest(txn, q.Type, id)
		if err == entity.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ent.Deleted {
			continue
		}
		if matchesAll(ent, filters) {
			out = append(out, ent)
		}
	}
	return out, nil
}

func matchesAll(e *entity.Entity, filters map[string]Filter) bool {
	for prop, f := range filters {
		v, ok := e.Properties[prop]
		if !ok {
			v = value.Null()
		}
		if !matches(v, f) {
			return false
		}
	}
	return true
}

func matches(v value.Value, f Filter) bool {
	switch f.Comparator {
	case Equals:
		return value.Equal(v, f.Value)
	case In:
		for _, cand := range f.Values {
			if value.Equal(v, cand) {
				return true
			}
		}
		return false
	case Contains:
		if list, ok := v.AsList(); ok {
			for _, item := range list {
				if value.Equal(item, f.Value) {
					return true
				}
			}
			return false
		}
		s, ok := v.AsString()
		return ok && strings.Contains(s, f.Text)
	case FullText:
		s, ok := v.AsString()
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(f.Text))
	case Range:
		if f.Min != nil && value.Compare(v, *f.Min) < 0 {
			return false
		}
		if f.Max != nil && value.Compare(v, *f.Max) > 0 {
			return false
		}
		return true
	default:
		return false
	}
}

// sortDirection resolves the effective sort direction: explicit override, or
// the kind-based default (spec §4.5: "Sort is descending by default for
// date-like keys").
func sortDirection(entities []*entity.Entity, q Query) bool {
	if q.SortDescending != nil {
		return *q.SortDescending
	}
	if q.SortProperty == "" {
		return false
	}
	for _, e := range entities {
		if v, ok := e.Properties[q.SortProperty]; ok && !v.IsNull() {
			return v.Kind() == value.KindTimestamp
		}
	}
	return false
}

func compareEntities(a, b *entity.Entity, prop string, descending bool) int {
	var av, bv value.Value
	if prop != "" {
		av = a.Properties[prop]
		bv = b.Properties[prop]
	}
	c := 0
	if prop != "" {
		c = value.Compare(av, bv)
		if descending {
			c = -c
		}
	}
	if c != 0 {
		return c
	}
	return sid.Compare(a.ID, b.ID) // spec §4.5: "ties break by entity id lexicographic ascending"
}

func sortEntities(entities []*entity.Entity, q Query) []*entity.Entity {
	if q.SortProperty == "" {
		sort.SliceStable(entities, func(i, j int) bool {
			return sid.Compare(entities[i].ID, entities[j].ID) < 0
		})
		return entities
	}
	descending := sortDirection(entities, q)
	sort.SliceStable(entities, func(i, j int) bool {
		return compareEntities(entities[i], entities[j], q.SortProperty, descending) < 0
	})
	return entities
}

// entityHeap is a bounded min-heap over the *reverse* of the query's sort
// order, so popping its minimum always evicts the worst-ranked candidate —
// spec §4.5: "if a limit is set, use a bounded min-heap."
type entityHeap struct {
	items      []*entity.Entity
	prop       string
	descending bool
}

func (h entityHeap) Len() int { return len(h.items) }
func (h entityHeap) Less(i, j int) bool {
	// Min-heap over "worst first": the top of the heap is the entity that
	// would be the first one dropped, i.e. the one that sorts last under
	// the query's own order.
	return compareEntities(h.items[i], h.items[j], h.prop, h.descending) > 0
}
func (h entityHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *entityHeap) Push(x interface{}) { h.items = append(h.items, x.(*entity.Entity)) }
func (h *entityHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// topK returns the best limit entities from an unsorted candidate slice,
// fed straight into a bounded min-heap so memory stays O(limit) rather than
// O(len(entities)) and the full candidate set is never sorted (spec §4.5:
// "if a limit is set, use a bounded min-heap"). The heap's pop order is
// already the query's final sort order, so the result needs no further sort.
func topK(candidates []*entity.Entity, q Query, limit int) []*entity.Entity {
	descending := sortDirection(candidates, q)
	h := &entityHeap{prop: q.SortProperty, descending: descending}
	for _, e := range candidates {
		if h.Len() < limit {
			heap.Push(h, e)
			continue
		}
		if compareEntities(e, h.items[0], q.SortProperty, descending) < 0 {
			heap.Pop(h)
			heap.Push(h, e)
		}
	}
	out := make([]*entity.Entity, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(*entity.Entity)
	}
	return out
}

func project(entities []*entity.Entity, request []string) {
	if len(request) == 0 {
		return
	}
	keep := make(map[string]bool, len(request))
	for _, p := range request {
		keep[p] = true
	}
	for _, e := range entities {
		trimmed := make(entity.Properties, len(request))
		for name, v := range e.Properties {
			if keep[name] {
				trimmed[name] = v
			}
		}
		e.Properties = trimmed
	}
}
