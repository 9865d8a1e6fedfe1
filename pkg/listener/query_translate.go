package listener

import (
	"fmt"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/query"
	"github.com/cuemby/sink/pkg/value"
)

func (s *Server) toEngineQuery(p QueryPayload) (query.Query, error) {
	q := query.Query{
		Type:           p.Type,
		IDFilter:       p.IDFilter,
		SortProperty:   p.SortProperty,
		SortDescending: p.SortDescending,
		Limit:          p.Limit,
		Request:        p.Request,
		LiveQuery:      p.LiveQuery,
		UpdateStatus:   p.UpdateStatus,
		IncludeStatus:  p.IncludeStatus,
	}
	if len(p.Filters) > 0 {
		q.Filters = make(map[string]query.Filter, len(p.Filters))
		for name, wf := range p.Filters {
			f, err := toEngineFilter(wf)
			if err != nil {
				return query.Query{}, fmt.Errorf("listener: filter %q: %w", name, err)
			}
			q.Filters[name] = f
		}
	}
	if len(p.SubqueryFilters) > 0 {
		q.SubqueryFilters = make(map[string]*query.Query, len(p.SubqueryFilters))
		for name, sub := range p.SubqueryFilters {
			eq, err := s.toEngineQuery(*sub)
			if err != nil {
				return query.Query{}, fmt.Errorf("listener: subquery filter %q: %w", name, err)
			}
			q.SubqueryFilters[name] = &eq
		}
	}
	if p.Reduce != nil {
		r := query.Reduce{
			Property: p.Reduce.Property,
			Selector: query.Selector(p.Reduce.Selector),
		}
		for _, a := range p.Reduce.Aggregates {
			r.Aggregates = append(r.Aggregates, query.Aggregate{
				Kind:     query.AggregateKind(a.Kind),
				Property: a.Property,
				As:       a.As,
			})
		}
		q.Reduce = &r
	}
	if p.Bloom != nil {
		q.Bloom = &query.Bloom{Property: p.Bloom.Property}
	}
	return q, nil
}

func toEngineFilter(wf WireFilter) (query.Filter, error) {
	f := query.Filter{Comparator: query.Comparator(wf.Comparator), Text: wf.Text}
	if wf.Value != nil {
		v, err := DecodeValue(*wf.Value)
		if err != nil {
			return query.Filter{}, err
		}
		f.Value = v
	}
	if len(wf.Values) > 0 {
		f.Values = make([]value.Value, len(wf.Values))
		for i, wv := range wf.Values {
			v, err := DecodeValue(wv)
			if err != nil {
				return query.Filter{}, err
			}
			f.Values[i] = v
		}
	}
	if wf.Min != nil {
		v, err := DecodeValue(*wf.Min)
		if err != nil {
			return query.Filter{}, err
		}
		f.Min = &v
	}
	if wf.Max != nil {
		v, err := DecodeValue(*wf.Max)
		if err != nil {
			return query.Filter{}, err
		}
		f.Max = &v
	}
	return f, nil
}

func (s *Server) toWireEntity(e *entity.Entity) (WireEntity, error) {
	we := WireEntity{Type: e.Type, ID: e.ID, Revision: e.Revision, Deleted: e.Deleted}
	if e.Deleted {
		return we, nil
	}
	caps, err := s.caps.Lookup(e.Type)
	if err != nil {
		return WireEntity{}, err
	}
	props, err := caps.Adaptor.Encode(e.Properties)
	if err != nil {
		return WireEntity{}, fmt.Errorf("listener: encode entity %s: %w", e.ID, err)
	}
	we.Props = props
	return we, nil
}
