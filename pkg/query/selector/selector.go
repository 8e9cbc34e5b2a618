// Package selector implements the query selector: the pipeline stage that
// projects incoming events onto the query's output attributes and filters
// them with an optional having condition.
package selector

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Argus/pkg/definition"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/query/stage"
)

// Selector is the selection stage contract the query runtime depends on.
type Selector interface {
	stage.Processor

	// SetNext sets the downstream processor, normally the rate limiter.
	SetNext(p stage.Processor)
	// Next returns the downstream processor.
	Next() stage.Processor
	// Processed returns the number of events evaluated.
	Processed() int64
	// Duplicate returns an unlinked selector for a partition key.
	Duplicate(key string) Selector
}

// column is one compiled projection. Exactly one of index and program is used.
type column struct {
	attr    event.Attribute
	index   int
	program *goja.Program
}

// plan is the compiled, immutable form of a selection, shared by a selector
// and all of its duplicates. Projection expressions see the input attributes;
// the having condition sees only the output attributes.
type plan struct {
	input    *event.StreamDefinition
	columns  []column
	inScope  scope
	having   *goja.Program
	outScope scope
}

// New compiles sel against the input layout.
func New(id string, input *event.StreamDefinition, sel definition.Selection) (*QuerySelector, error) {
	if input == nil {
		return nil, fmt.Errorf("selector %s: input definition is nil", id)
	}
	p := &plan{input: input, inScope: newScope(input.Names())}

	if len(sel.Projections) == 0 {
		for i, a := range input.Attributes {
			p.columns = append(p.columns, column{attr: a, index: i})
		}
	}
	for _, proj := range sel.Projections {
		col, err := compileProjection(id, input, p.inScope, proj)
		if err != nil {
			return nil, err
		}
		p.columns = append(p.columns, col)
	}

	if strings.TrimSpace(sel.Having) != "" {
		names := make([]string, len(p.columns))
		for i, c := range p.columns {
			names[i] = c.attr.Name
		}
		p.outScope = newScope(names)
		if err := p.outScope.checkHelpers(); err != nil {
			return nil, fmt.Errorf("selector %s: having: %w", id, err)
		}
		prog, err := p.outScope.compile(id+":having", sel.Having)
		if err != nil {
			return nil, fmt.Errorf("selector %s: having: %w", id, err)
		}
		p.having = prog
	}

	return &QuerySelector{id: id, plan: p, vm: newVM()}, nil
}

func compileProjection(id string, input *event.StreamDefinition, in scope, proj definition.Projection) (column, error) {
	if proj.Attribute != "" {
		idx := input.Index(proj.Attribute)
		if idx < 0 {
			return column{}, fmt.Errorf("selector %s: unknown attribute %s", id, proj.Attribute)
		}
		name := proj.As
		if name == "" {
			name = proj.Attribute
		}
		return column{attr: event.Attribute{Name: name, Type: input.Attributes[idx].Type}, index: idx}, nil
	}

	if proj.As == "" {
		return column{}, fmt.Errorf("selector %s: expression %q needs an output name", id, proj.Expression)
	}
	if err := in.checkHelpers(); err != nil {
		return column{}, fmt.Errorf("selector %s: projection %s: %w", id, proj.As, err)
	}
	prog, err := in.compile(id+":"+proj.As, proj.Expression)
	if err != nil {
		return column{}, fmt.Errorf("selector %s: projection %s: %w", id, proj.As, err)
	}
	return column{attr: event.Attribute{Name: proj.As, Type: event.TypeObject}, index: -1, program: prog}, nil
}

// OutputAttributes returns the attributes the selector emits, in order.
func (s *QuerySelector) OutputAttributes() []event.Attribute {
	out := make([]event.Attribute, len(s.plan.columns))
	for i, c := range s.plan.columns {
		out[i] = c.attr
	}
	return out
}

// ID returns the selector id, qualified by the partition key for clones.
func (s *QuerySelector) ID() string {
	if s.key == "" {
		return s.id
	}
	return s.id + ":" + s.key
}

// SetNext sets the downstream processor.
func (s *QuerySelector) SetNext(p stage.Processor) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	s.next = p
}

// Next returns the downstream processor.
func (s *QuerySelector) Next() stage.Processor {
	s.linkMu.RLock()
	defer s.linkMu.RUnlock()
	return s.next
}

// Processed returns the number of events the selector has evaluated.
func (s *QuerySelector) Processed() int64 { return s.processed.Load() }

// Filtered returns the number of events dropped by the having condition.
func (s *QuerySelector) Filtered() int64 { return s.filtered.Load() }

// Process implements stage.Processor.
func (s *QuerySelector) Process(events []*event.Event) error {
	next := s.Next()
	if next == nil {
		return fmt.Errorf("selector %s has no downstream processor", s.ID())
	}

	out, err := s.evaluate(events)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	return next.Process(out)
}

func (s *QuerySelector) evaluate(events []*event.Event) ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		if err := s.instantiate(); err != nil {
			return nil, err
		}
	}

	out := make([]*event.Event, 0, len(events))
	for _, e := range events {
		s.processed.Add(1)
		data, err := s.project(e)
		if err != nil {
			return nil, err
		}
		if s.having != nil {
			keep, err := s.keep(data)
			if err != nil {
				return nil, err
			}
			if !keep {
				s.filtered.Add(1)
				continue
			}
		}
		out = append(out, &event.Event{Timestamp: e.Timestamp, Data: data, Type: e.Type})
	}
	return out, nil
}

// instantiate evaluates the compiled programs on this selector's runtime,
// yielding one callable per expression.
func (s *QuerySelector) instantiate() error {
	fns := make([]goja.Callable, len(s.plan.columns))
	for i, c := range s.plan.columns {
		if c.program == nil {
			continue
		}
		fn, err := callable(s.vm, c.program)
		if err != nil {
			return fmt.Errorf("selector %s: projection %s: %w", s.ID(), c.attr.Name, err)
		}
		fns[i] = fn
	}
	if s.plan.having != nil {
		fn, err := callable(s.vm, s.plan.having)
		if err != nil {
			return fmt.Errorf("selector %s: having: %w", s.ID(), err)
		}
		s.having = fn
	}
	s.fns = fns
	return nil
}

func (s *QuerySelector) project(e *event.Event) ([]any, error) {
	data := make([]any, len(s.plan.columns))
	var args []goja.Value
	for i, c := range s.plan.columns {
		if c.program == nil {
			data[i] = e.Get(c.index)
			continue
		}
		if args == nil {
			args = s.plan.inScope.args(s.vm, e.Data)
		}
		v, err := s.fns[i](goja.Undefined(), args...)
		if err != nil {
			return nil, fmt.Errorf("selector %s: projection %s: %w", s.ID(), c.attr.Name, err)
		}
		data[i] = v.Export()
	}
	return data, nil
}

func (s *QuerySelector) keep(data []any) (bool, error) {
	v, err := s.having(goja.Undefined(), s.plan.outScope.args(s.vm, data)...)
	if err != nil {
		return false, fmt.Errorf("selector %s: having: %w", s.ID(), err)
	}
	return v.ToBoolean(), nil
}

// Duplicate returns an unlinked selector for key. The compiled plan is
// shared; the runtime and counters are not.
func (s *QuerySelector) Duplicate(key string) Selector {
	return &QuerySelector{id: s.id, key: key, plan: s.plan, vm: newVM()}
}

var _ Selector = (*QuerySelector)(nil)
