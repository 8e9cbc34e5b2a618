// Package definition holds the declarative, read-only description of a query
// as produced by the query compiler. Runtimes and all of their partition
// clones share a single Query value and never mutate it.
package definition

import (
	"fmt"
	"strings"

	argerrors "github.com/wehubfusion/Argus/pkg/errors"
)

// InnerStreamPrefix marks engine-generated streams that are only visible
// inside the engine, such as per-partition intermediate streams.
const InnerStreamPrefix = "#"

// IsInnerStreamID reports whether id names an inner stream.
func IsInnerStreamID(id string) bool {
	return strings.HasPrefix(id, InnerStreamPrefix)
}

// InputStream is one of SingleInputStream, JoinInputStream or StateInputStream.
type InputStream interface {
	// AllStreamIDs returns every stream id the input consumes, in declaration order.
	AllStreamIDs() []string
	// UniqueStreamIDs returns AllStreamIDs without repeats.
	UniqueStreamIDs() []string
	// IsInner reports whether any consumed stream is an inner stream.
	IsInner() bool

	inputStream()
}

// SingleInputStream consumes one stream.
type SingleInputStream struct {
	StreamID string
	// Alias is the reference name used in joins and patterns.
	Alias string
}

// Single is shorthand for a SingleInputStream.
func Single(streamID string) *SingleInputStream {
	return &SingleInputStream{StreamID: streamID}
}

func (s *SingleInputStream) AllStreamIDs() []string    { return []string{s.StreamID} }
func (s *SingleInputStream) UniqueStreamIDs() []string { return []string{s.StreamID} }
func (s *SingleInputStream) IsInner() bool             { return IsInnerStreamID(s.StreamID) }
func (*SingleInputStream) inputStream()                {}

// JoinInputStream correlates two single streams.
type JoinInputStream struct {
	Left  *SingleInputStream
	Right *SingleInputStream
	On    string
}

// Join is shorthand for a JoinInputStream.
func Join(left, right *SingleInputStream) *JoinInputStream {
	return &JoinInputStream{Left: left, Right: right}
}

func (j *JoinInputStream) AllStreamIDs() []string {
	return []string{j.Left.StreamID, j.Right.StreamID}
}

func (j *JoinInputStream) UniqueStreamIDs() []string { return unique(j.AllStreamIDs()) }

// IsInner is true when either side is an inner stream.
func (j *JoinInputStream) IsInner() bool {
	return j.Left.IsInner() || j.Right.IsInner()
}

func (*JoinInputStream) inputStream() {}

// StateKind tells patterns from sequences.
type StateKind string

const (
	Pattern  StateKind = "pattern"
	Sequence StateKind = "sequence"
)

// StateInputStream is a pattern or sequence over several streams. The same
// stream may appear in more than one state.
type StateInputStream struct {
	Kind   StateKind
	States []*SingleInputStream
}

// State is shorthand for a StateInputStream.
func State(kind StateKind, states ...*SingleInputStream) *StateInputStream {
	return &StateInputStream{Kind: kind, States: states}
}

func (s *StateInputStream) AllStreamIDs() []string {
	ids := make([]string, 0, len(s.States))
	for _, st := range s.States {
		ids = append(ids, st.StreamID)
	}
	return ids
}

func (s *StateInputStream) UniqueStreamIDs() []string { return unique(s.AllStreamIDs()) }

// IsInner is true when any constituent stream id carries the inner prefix.
func (s *StateInputStream) IsInner() bool {
	for _, id := range s.AllStreamIDs() {
		if IsInnerStreamID(id) {
			return true
		}
	}
	return false
}

func (*StateInputStream) inputStream() {}

// OutputStream names where a query inserts its results.
type OutputStream struct {
	StreamID string
}

// IsInner reports whether results go to an inner stream.
func (o OutputStream) IsInner() bool { return IsInnerStreamID(o.StreamID) }

// Projection is one output attribute. Exactly one of Attribute or Expression
// is set: Attribute copies an input attribute by name, Expression is a
// JavaScript expression over the input attributes.
type Projection struct {
	As         string
	Attribute  string
	Expression string
}

// Selection is the select clause. An empty Projections list selects every
// input attribute unchanged.
type Selection struct {
	Projections []Projection
	// Having is an optional boolean JavaScript expression over the output attributes.
	Having string
}

// OutputRateType names an output rate limiting policy.
type OutputRateType string

const (
	OutputAll   OutputRateType = "all"
	OutputCount OutputRateType = "count"
)

// OutputRate is the output rate clause. A zero value means OutputAll.
type OutputRate struct {
	Type  OutputRateType
	Count int
}

// Query is a compiled query definition.
type Query struct {
	Name         string
	Input        InputStream
	Selection    Selection
	OutputRate   OutputRate
	Output       OutputStream
	Synchronized bool
}

// Validate checks the structural fields the runtime relies on.
func (q *Query) Validate() error {
	if q == nil {
		return argerrors.Configuration("query is nil", argerrors.ErrInvalidDefinition)
	}
	if q.Name == "" {
		return argerrors.Configuration("query name cannot be empty", argerrors.ErrInvalidDefinition)
	}
	if q.Input == nil {
		return argerrors.Configuration(fmt.Sprintf("query %s has no input stream", q.Name), argerrors.ErrInvalidDefinition)
	}
	for _, id := range q.Input.AllStreamIDs() {
		if id == "" {
			return argerrors.Configuration(fmt.Sprintf("query %s has an empty input stream id", q.Name), argerrors.ErrInvalidDefinition)
		}
	}
	if q.Output.StreamID == "" {
		return argerrors.Configuration(fmt.Sprintf("query %s has no output stream", q.Name), argerrors.ErrInvalidDefinition)
	}
	for _, p := range q.Selection.Projections {
		if (p.Attribute == "") == (p.Expression == "") {
			return argerrors.Configuration(
				fmt.Sprintf("query %s: projection %q needs exactly one of attribute or expression", q.Name, p.As),
				argerrors.ErrInvalidDefinition)
		}
	}
	if q.OutputRate.Type == OutputCount && q.OutputRate.Count <= 0 {
		return argerrors.Configuration(fmt.Sprintf("query %s: count output rate must be positive", q.Name), argerrors.ErrInvalidDefinition)
	}
	return nil
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
