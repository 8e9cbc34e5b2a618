package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/definition"
	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/query/input"
	"github.com/wehubfusion/Argus/pkg/query/output"
	"github.com/wehubfusion/Argus/pkg/query/ratelimit"
)

func TestBuildSingleQuery(t *testing.T) {
	reg := newRegistry()
	q := &definition.Query{
		Name:  "expensive",
		Input: definition.Single("Trades"),
		Selection: definition.Selection{
			Projections: []definition.Projection{
				{Attribute: "symbol"},
				{As: "doubled", Expression: "price * 2"},
			},
			Having: "doubled > 10",
		},
		OutputRate:   definition.OutputRate{Type: definition.OutputCount, Count: 2},
		Output:       definition.OutputStream{StreamID: "Expensive"},
		Synchronized: true,
	}

	r, err := Build(q, reg, nil, DefaultBuildOptions())
	require.NoError(t, err)

	assert.IsType(t, &input.Single{}, r.StreamRuntime())
	assert.IsType(t, &ratelimit.CountBatch{}, r.OutputRateLimiter())
	assert.IsType(t, &event.MetaStreamEvent{}, r.MetaComplexEvent())
	assert.NotNil(t, r.Lock())
	assert.False(t, r.IsOutputLocal(), "outer output streams are shared")
	assert.Equal(t, []string{"symbol", "doubled"}, r.OutputStreamDefinition().Names())

	out, ok := reg.Get("Expensive")
	require.True(t, ok)
	assert.Same(t, out, r.OutputCallback().(*output.InsertIntoStream).Junction())

	got := &sink{}
	out.Subscribe(receiverOf(got))
	require.NoError(t, r.Start())
	require.NoError(t, r.Send("Trades", []*event.Event{trade(1, "IBM", 10), trade(2, "TINY", 1), trade(3, "MSFT", 20)}))
	assert.Equal(t, 2, got.len())
	assert.Equal(t, Stats{Received: 3, Processed: 3, Emitted: 2}, r.Stats())
	assert.Equal(t, int64(1), r.Stats().Dropped())
}

func TestBuildStateQuery(t *testing.T) {
	reg := newRegistry()
	q := &definition.Query{
		Name: "rise",
		Input: definition.State(definition.Pattern,
			&definition.SingleInputStream{StreamID: "Trades", Alias: "a"},
			&definition.SingleInputStream{StreamID: "Quotes", Alias: "b"},
			&definition.SingleInputStream{StreamID: "Trades", Alias: "c"},
		),
		Selection: definition.Selection{
			Projections: []definition.Projection{{Attribute: "a.symbol", As: "symbol"}, {Attribute: "b.price", As: "quote"}},
		},
		Output: definition.OutputStream{StreamID: "Rises"},
	}

	r, err := Build(q, reg, nil, DefaultBuildOptions())
	require.NoError(t, err)
	require.IsType(t, &input.Multi{}, r.StreamRuntime())
	assert.Equal(t, 4, r.StreamRuntime().(*input.Multi).Width())
	meta, ok := r.MetaComplexEvent().(*event.MetaStateEvent)
	require.True(t, ok)
	assert.Len(t, meta.Streams, 2)
	assert.Equal(t, []string{"Trades", "Quotes", "Trades"}, r.InputStreamIDs())
}

func TestBuildWithCallbackIsNeverLocal(t *testing.T) {
	q := singleQuery("q")
	q.Output = definition.OutputStream{StreamID: "#Out"}
	cb := &sink{}
	r, err := Build(q, newRegistry(), nil, DefaultBuildOptions().WithCallback(cb))
	require.NoError(t, err)
	assert.False(t, r.IsOutputLocal())
	assert.Same(t, cb, r.OutputCallback())
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name string
		q    *definition.Query
		want error
	}{
		{
			name: "invalid definition",
			q:    &definition.Query{Name: "q", Input: definition.Single("Trades")},
			want: argerrors.ErrInvalidDefinition,
		},
		{
			name: "unknown single stream",
			q:    &definition.Query{Name: "q", Input: definition.Single("Nope"), Output: definition.OutputStream{StreamID: "Out"}},
			want: argerrors.ErrUnknownStream,
		},
		{
			name: "unknown join side",
			q: &definition.Query{
				Name:   "q",
				Input:  definition.Join(definition.Single("Trades"), definition.Single("Nope")),
				Output: definition.OutputStream{StreamID: "Out"},
			},
			want: argerrors.ErrUnknownStream,
		},
		{
			name: "bad projection",
			q: &definition.Query{
				Name:      "q",
				Input:     definition.Single("Trades"),
				Selection: definition.Selection{Projections: []definition.Projection{{Attribute: "volume"}}},
				Output:    definition.OutputStream{StreamID: "Out"},
			},
			want: argerrors.ErrInvalidDefinition,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.q, newRegistry(), nil, DefaultBuildOptions())
			require.Error(t, err)
			assert.True(t, argerrors.IsConfiguration(err))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := Build(singleQuery("q"), nil, nil, DefaultBuildOptions())
	assert.True(t, argerrors.IsConfiguration(err))
}
