/*
Package value defines the dynamic property bag that entity payloads are built
from, plus a per-type schema registry that records which properties a type
may carry and what variant each one holds.

Every preprocessor, index, and query predicate in sink operates on this
sum-typed Value rather than on interface{} or reflection: a property is
always exactly one of the variants below, and callers switch on Kind rather
than type-asserting blindly.

# Why a closed sum type

The upstream design this was distilled from represents entity properties with
a dynamically-typed property bag (any Go value boxed in an interface, or a
scripting-language-style variant). That style pushes type errors to runtime
call sites scattered across the codebase. Value closes the set of variants so
the compiler enforces exhaustive handling at the handful of places that
actually need it (encoding, comparison, indexing).
*/
package value
