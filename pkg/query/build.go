package query

import (
	"fmt"
	"strings"

	"github.com/wehubfusion/Argus/pkg/definition"
	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/query/input"
	"github.com/wehubfusion/Argus/pkg/query/output"
	"github.com/wehubfusion/Argus/pkg/query/ratelimit"
	"github.com/wehubfusion/Argus/pkg/query/selector"
	"github.com/wehubfusion/Argus/pkg/stream"
)

// BuildOptions controls how Build binds a query's output.
type BuildOptions struct {
	// Callback is an external delivery target. When nil, output is inserted
	// into the declared output stream.
	Callback output.Callback
}

// DefaultBuildOptions returns options that route output into the declared stream.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{}
}

// WithCallback sets an external delivery target.
func (o BuildOptions) WithCallback(cb output.Callback) BuildOptions {
	o.Callback = cb
	return o
}

// Build assembles a prototype runtime for q. Input streams must already be
// defined in registry. The output stream is defined there when output is not
// sent to an external callback; output into an inner stream is marked local
// so that partition clones get their own stream.
func Build(q *definition.Query, registry *stream.Registry, qctx *QueryContext, opts BuildOptions) (*QueryRuntime, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, argerrors.Configuration(fmt.Sprintf("query %s: stream registry is nil", q.Name), nil)
	}
	if qctx == nil {
		qctx = NewQueryContext(q.Name, nil)
	}

	intake, inputDef, streams, err := buildIntake(q, registry)
	if err != nil {
		return nil, err
	}

	sel, err := selector.New(q.Name, inputDef, q.Selection)
	if err != nil {
		return nil, argerrors.Configuration(err.Error(), argerrors.ErrInvalidDefinition)
	}
	outputDef := event.NewStreamDefinition(q.Output.StreamID, sel.OutputAttributes()...)

	limiter, err := ratelimit.FromDefinition(q.Name, q.OutputRate)
	if err != nil {
		return nil, argerrors.Configuration(fmt.Sprintf("query %s: %v", q.Name, err), argerrors.ErrInvalidDefinition)
	}

	var meta event.MetaComplexEvent
	if len(streams) == 1 {
		meta = &event.MetaStreamEvent{Input: streams[0], Output: outputDef}
	} else {
		state := &event.MetaStateEvent{Output: outputDef}
		for _, s := range streams {
			state.Streams = append(state.Streams, &event.MetaStreamEvent{Input: s})
		}
		meta = state
	}

	callback := opts.Callback
	outputLocal := false
	if callback == nil {
		callback = output.NewInsertIntoStream(registry.GetOrCreate(q.Output.StreamID, outputDef))
		outputLocal = q.Output.IsInner()
	}

	r, err := New(q, Stages{
		Intake:   intake,
		Selector: sel,
		Limiter:  limiter,
		Callback: callback,
	}, meta, q.Synchronized, qctx)
	if err != nil {
		return nil, err
	}
	r.SetOutputLocal(outputLocal)
	return r, nil
}

// buildIntake creates the intake for the input shape and the attribute
// layout the selector sees. Multi-source layouts name attributes
// "<ref>.<attribute>", where ref is the stream alias or, failing that, the
// stream id without the inner prefix.
func buildIntake(q *definition.Query, registry *stream.Registry) (input.StreamRuntime, *event.StreamDefinition, []*event.StreamDefinition, error) {
	lookup := func(id string) (*event.StreamDefinition, bool) {
		j, ok := registry.Get(id)
		if !ok {
			return nil, false
		}
		return j.Definition(), true
	}

	if single, ok := q.Input.(*definition.SingleInputStream); ok {
		def, ok := lookup(single.StreamID)
		if !ok {
			return nil, nil, nil, argerrors.Configuration(
				fmt.Sprintf("query %s: stream %s is not defined", q.Name, single.StreamID), argerrors.ErrUnknownStream)
		}
		return input.NewSingle(single.StreamID), def, []*event.StreamDefinition{def}, nil
	}

	multi, err := input.NewMultiFromInput(q.Input, lookup)
	if err != nil {
		return nil, nil, nil, err
	}

	refs := inputRefs(q.Input)
	combined := event.NewStreamDefinition(q.Name + ".input")
	var streams []*event.StreamDefinition
	for _, id := range q.Input.UniqueStreamIDs() {
		def, _ := lookup(id)
		streams = append(streams, def)
		for _, a := range def.Attributes {
			combined.Attributes = append(combined.Attributes, event.Attribute{Name: refs[id] + "." + a.Name, Type: a.Type})
		}
	}
	if err := combined.Validate(); err != nil {
		return nil, nil, nil, argerrors.Configuration(fmt.Sprintf("query %s: %v", q.Name, err), argerrors.ErrInvalidDefinition)
	}
	return multi, combined, streams, nil
}

// inputRefs maps each stream id to the name its attributes are referenced by.
// The first alias declared for a stream wins.
func inputRefs(in definition.InputStream) map[string]string {
	var sides []*definition.SingleInputStream
	switch v := in.(type) {
	case *definition.JoinInputStream:
		sides = []*definition.SingleInputStream{v.Left, v.Right}
	case *definition.StateInputStream:
		sides = v.States
	}

	refs := make(map[string]string, len(sides))
	for _, s := range sides {
		if _, ok := refs[s.StreamID]; ok {
			continue
		}
		ref := s.Alias
		if ref == "" {
			ref = strings.TrimPrefix(s.StreamID, definition.InnerStreamPrefix)
		}
		refs[s.StreamID] = ref
	}
	return refs
}
