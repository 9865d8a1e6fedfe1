package query

import (
	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/sid"
)

// bloomExpand implements spec §4.5 stage 6: for each entity currently in
// seeds, look up every other entity of the same type sharing its
// bloom.Property value, union the results, and dedupe.
func (e *Engine) bloomExpand(txn Txn, q Query, seeds []*entity.Entity) ([]*entity.Entity, error) {
	seen := make(map[sid.ID]bool, len(seeds))
	out := make([]*entity.Entity, 0, len(seeds))
	for _, s := range seeds {
		if !seen[s.ID] {
			seen[s.ID] = true
			out = append(out, s)
		}
	}

	for _, s := range seeds {
		v, ok := s.Properties[q.Bloom.Property]
		if !ok || v.IsNull() {
			continue
		}
		ids, err := e.es.IndexLookup(txn, q.Type, q.Bloom.Property, v)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
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
			out = append(out, ent)
		}
	}
	return out, nil
}
