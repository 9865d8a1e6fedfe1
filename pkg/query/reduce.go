package query

import (
	"fmt"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/value"
)

// reduceEntities groups entities by reduce.Property, retains one
// representative per group (via betterRepresentative; see Selector for why
// that is the lowest entity id in practice), computes every requested
// aggregate, and emits one synthesized entity per group carrying the
// aggregates as synthetic properties (spec §4.5 stage 5). Input order is
// preserved as each group's representative-selection order, matching the
// sort stage's tie-break rule.
func reduceEntities(entities []*entity.Entity, r Reduce) ([]*entity.Entity, error) {
	type group struct {
		key     string
		members []*entity.Entity
		rep     *entity.Entity
	}

	order := make([]string, 0)
	groups := make(map[string]*group)

	for _, e := range entities {
		v, ok := e.Properties[r.Property]
		if !ok {
			v = value.Null()
		}
		key, err := groupKey(v)
		if err != nil {
			return nil, fmt.Errorf("reduce: group key for %q: %w", r.Property, err)
		}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, e)
		if g.rep == nil || betterRepresentative(e, g.rep, r.Property, r.Selector) {
			g.rep = e
		}
	}

	out := make([]*entity.Entity, 0, len(order))
	for _, key := range order {
		g := groups[key]
		synthetic := g.rep.Properties.Clone()
		for _, agg := range r.Aggregates {
			applyAggregate(synthetic, agg, g.members)
		}
		out = append(out, &entity.Entity{
			Type:       g.rep.Type,
			ID:         g.rep.ID,
			Revision:   g.rep.Revision,
			Properties: synthetic,
			Changed:    g.rep.Changed,
		})
	}
	return out, nil
}

func groupKey(v value.Value) (string, error) {
	k, err := value.IndexKey(v)
	if err != nil {
		return "", err
	}
	return string(k), nil
}

// betterRepresentative reports whether candidate should replace current as
// the group's representative under selector, breaking ties by entity id
// ascending (spec §4.5: "Reduce's representative selection uses the same
// order; ties break identically").
func betterRepresentative(candidate, current *entity.Entity, property string, selector Selector) bool {
	cv, ok := candidate.Properties[property]
	if !ok {
		cv = value.Null()
	}
	cur, ok := current.Properties[property]
	if !ok {
		cur = value.Null()
	}
	c := value.Compare(cv, cur)
	if c == 0 {
		return sid.Compare(candidate.ID, current.ID) < 0
	}
	switch selector {
	case SelectMax:
		return c > 0
	case SelectMin:
		return c < 0
	default:
		return false
	}
}

func applyAggregate(props entity.Properties, agg Aggregate, members []*entity.Entity) {
	switch agg.Kind {
	case AggregateCount:
		props["count"] = value.Int(int64(len(members)))
	case AggregateCollect:
		collected := make([]value.Value, 0, len(members))
		for _, m := range members {
			if v, ok := m.Properties[agg.Property]; ok && !v.IsNull() {
				collected = append(collected, v)
			}
		}
		props["collected."+agg.As] = value.List(collected)
	}
}
