package query

import (
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/value"
)

// Comparator is the predicate a Filter applies to one property (spec §4.5).
type Comparator int

const (
	Equals Comparator = iota
	In
	Contains
	FullText
	Range
)

// Filter is one property→comparator test (spec §4.5's "Filters: a map
// property → comparator").
type Filter struct {
	Comparator Comparator

	// Value is compared with Equals, and is the element Contains looks for
	// in a list property.
	Value value.Value
	// Values is the candidate set for In.
	Values []value.Value
	// Text is the substring tested for Contains on a string property and
	// for FullText (case-insensitive).
	Text string
	// Min and Max bound Range; either may be nil for an open-ended bound.
	Min, Max *value.Value
}

// Selector picks the representative entity within a Reduce group by
// comparing members on Reduce.Property, the grouping property itself. Every
// member of a group shares that value, so the comparison always ties and
// the representative is the member with the lowest entity id; a selector
// over a different property (such as max date within a thread) is not
// supported.
type Selector int

const (
	SelectMax Selector = iota
	SelectMin
)

// AggregateKind is which synthetic property an Aggregate computes.
type AggregateKind int

const (
	AggregateCount AggregateKind = iota
	AggregateCollect
)

// Aggregate computes one synthetic property across a Reduce group's members.
// Count ignores Property/As (always written to the synthetic "count"
// property); Collect reads Property from each member and writes the
// resulting list to "collected.<As>".
type Aggregate struct {
	Kind     AggregateKind
	Property string
	As       string
}

// Reduce groups the result set by Property, keeping one representative per
// group plus computed aggregates (spec §4.5's reduce stage).
type Reduce struct {
	Property   string
	Selector   Selector
	Aggregates []Aggregate
}

// Bloom expands the current result set to every entity sharing a property
// value with a result (spec §4.5's "thread expansion").
type Bloom struct {
	Property string
}

// Query is a declarative request against one entity type (spec §4.5).
type Query struct {
	Type string

	Filters         map[string]Filter
	SubqueryFilters map[string]*Query

	IDFilter []sid.ID

	SortProperty string
	// SortDescending, when non-nil, overrides the kind-based default
	// (descending for date-like/Timestamp properties, ascending otherwise).
	SortDescending *bool
	Limit          int

	Reduce *Reduce
	Bloom  *Bloom

	// Request lists the properties the consumer will read; empty means
	// "all properties" (spec §4.5's project stage is a no-op in that case).
	Request []string

	LiveQuery     bool
	UpdateStatus  bool
	IncludeStatus bool
}
