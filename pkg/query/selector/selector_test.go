package selector

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/definition"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/query/stage"
)

type collector struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *collector) Process(events []*event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

var trades = event.NewStreamDefinition("Trades",
	event.Attribute{Name: "symbol", Type: event.TypeString},
	event.Attribute{Name: "price", Type: event.TypeDouble},
	event.Attribute{Name: "volume", Type: event.TypeLong},
)

func toFloat(t *testing.T, v any) float64 {
	t.Helper()
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		t.Fatalf("expected a number, got %T", v)
		return 0
	}
}

func TestEmptySelectionPassesAllAttributes(t *testing.T) {
	s, err := New("q", trades, definition.Selection{})
	require.NoError(t, err)
	assert.Equal(t, trades.Attributes, s.OutputAttributes())

	c := &collector{}
	s.SetNext(c)
	in := &event.Event{Timestamp: 5, Data: []any{"IBM", 10.5, int64(3)}, Type: event.Expired}
	require.NoError(t, s.Process([]*event.Event{in}))

	require.Len(t, c.events, 1)
	assert.Equal(t, in.Data, c.events[0].Data)
	assert.Equal(t, event.Expired, c.events[0].Type)
	assert.Equal(t, int64(5), c.events[0].Timestamp)
}

func TestProjectionAndHaving(t *testing.T) {
	s, err := New("q", trades, definition.Selection{
		Projections: []definition.Projection{
			{Attribute: "symbol", As: "name"},
			{As: "notional", Expression: "price * volume"},
			{As: "label", Expression: "title(symbol + ' corp')"},
		},
		Having: "notional > 100",
	})
	require.NoError(t, err)

	attrs := s.OutputAttributes()
	require.Len(t, attrs, 3)
	assert.Equal(t, event.Attribute{Name: "name", Type: event.TypeString}, attrs[0])
	assert.Equal(t, event.TypeObject, attrs[1].Type)

	c := &collector{}
	s.SetNext(c)
	require.NoError(t, s.Process([]*event.Event{
		event.New(1, "ibm", 10.5, int64(20)),
		event.New(2, "msft", 1.5, int64(2)),
	}))

	require.Len(t, c.events, 1)
	got := c.events[0].Data
	assert.Equal(t, "ibm", got[0])
	assert.InDelta(t, 210.0, toFloat(t, got[1]), 1e-9)
	assert.Equal(t, "Ibm Corp", got[2])
	assert.Equal(t, int64(2), s.Processed())
	assert.Equal(t, int64(1), s.Filtered())
}

func TestAllFilteredForwardsNothing(t *testing.T) {
	s, err := New("q", trades, definition.Selection{Having: "false"})
	require.NoError(t, err)
	s.SetNext(stage.ProcessorFunc(func([]*event.Event) error {
		t.Fatal("nothing should be forwarded")
		return nil
	}))
	require.NoError(t, s.Process([]*event.Event{event.New(1, "IBM", 1.0, int64(1))}))
}

func TestDottedNamesBindAsObjects(t *testing.T) {
	joined := event.NewStreamDefinition("joined",
		event.Attribute{Name: "l.symbol", Type: event.TypeString},
		event.Attribute{Name: "r.symbol", Type: event.TypeString},
	)
	s, err := New("q", joined, definition.Selection{
		Projections: []definition.Projection{
			{Attribute: "l.symbol", As: "symbol"},
			{As: "same", Expression: "l.symbol === r.symbol"},
		},
	})
	require.NoError(t, err)
	c := &collector{}
	s.SetNext(c)

	require.NoError(t, s.Process([]*event.Event{event.New(1, "IBM", "IBM"), event.New(2, "IBM", nil)}))
	require.Len(t, c.events, 2)
	assert.Equal(t, []any{"IBM", true}, c.events[0].Data)
	assert.Equal(t, []any{"IBM", false}, c.events[1].Data)
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		sel  definition.Selection
	}{
		{"unknown attribute", definition.Selection{Projections: []definition.Projection{{Attribute: "nope"}}}},
		{"unnamed expression", definition.Selection{Projections: []definition.Projection{{Expression: "1"}}}},
		{"bad expression", definition.Selection{Projections: []definition.Projection{{As: "x", Expression: "price *"}}}},
		{"bad having", definition.Selection{Having: "price >"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("q", trades, tc.sel)
			assert.Error(t, err)
		})
	}

	_, err := New("q", nil, definition.Selection{})
	assert.Error(t, err)
}

func TestHavingSeesOnlyOutputAttributes(t *testing.T) {
	selections := map[string]definition.Selection{
		"attributes only": {
			Projections: []definition.Projection{{Attribute: "symbol"}},
			Having:      "price > 1",
		},
		"with expression": {
			Projections: []definition.Projection{
				{Attribute: "symbol"},
				{As: "double", Expression: "price * 2"},
			},
			Having: "price > 1",
		},
	}
	for name, sel := range selections {
		t.Run(name, func(t *testing.T) {
			s, err := New("q", trades, sel)
			require.NoError(t, err)
			s.SetNext(&collector{})
			err = s.Process([]*event.Event{event.New(1, "IBM", 5.0, int64(1))})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "price is not defined")
		})
	}
}

func TestHavingUsesRenamedOutput(t *testing.T) {
	s, err := New("q", trades, definition.Selection{
		Projections: []definition.Projection{{Attribute: "price", As: "cost"}},
		Having:      "cost > 2 && typeof price === 'undefined'",
	})
	require.NoError(t, err)
	c := &collector{}
	s.SetNext(c)
	require.NoError(t, s.Process([]*event.Event{
		event.New(1, "IBM", 5.0, int64(1)),
		event.New(2, "IBM", 1.0, int64(1)),
	}))
	require.Len(t, c.events, 1)
	assert.Equal(t, []any{5.0}, c.events[0].Data)
}

func TestAttributesMayNotHideHelpers(t *testing.T) {
	shadowing := event.NewStreamDefinition("S",
		event.Attribute{Name: "upper", Type: event.TypeString},
	)
	_, err := New("q", shadowing, definition.Selection{
		Projections: []definition.Projection{{As: "u", Expression: "upper"}},
	})
	assert.Error(t, err)

	_, err = New("q", trades, definition.Selection{
		Projections: []definition.Projection{{Attribute: "symbol", As: "title"}},
		Having:      "title != ''",
	})
	assert.Error(t, err)

	s, err := New("q", shadowing, definition.Selection{})
	require.NoError(t, err, "names only matter when an expression can see them")
	assert.Len(t, s.OutputAttributes(), 1)
}

func TestRuntimeErrorPropagates(t *testing.T) {
	s, err := New("q", trades, definition.Selection{
		Projections: []definition.Projection{{As: "x", Expression: "missing.field"}},
	})
	require.NoError(t, err)
	s.SetNext(&collector{})
	assert.Error(t, s.Process([]*event.Event{event.New(1, "IBM", 1.0, int64(1))}))
}

func TestDownstreamErrorPropagatesUnchanged(t *testing.T) {
	boom := errors.New("limiter failed")
	s, err := New("q", trades, definition.Selection{})
	require.NoError(t, err)
	s.SetNext(stage.ProcessorFunc(func([]*event.Event) error { return boom }))
	assert.Same(t, boom, s.Process([]*event.Event{event.New(1, "IBM", 1.0, int64(1))}))
}

func TestProcessWithoutDownstreamFails(t *testing.T) {
	s, err := New("q", trades, definition.Selection{})
	require.NoError(t, err)
	assert.Error(t, s.Process([]*event.Event{event.New(1)}))
}

func TestDuplicateSharesPlanNotState(t *testing.T) {
	proto, err := New("q", trades, definition.Selection{
		Projections: []definition.Projection{{As: "p", Expression: "price + 0.5"}},
	})
	require.NoError(t, err)
	proto.SetNext(&collector{})

	a := proto.Duplicate("A").(*QuerySelector)
	b := proto.Duplicate("B")
	assert.NotSame(t, proto, a)
	assert.Same(t, proto.plan, a.plan)
	assert.NotSame(t, proto.vm, a.vm)
	assert.Nil(t, a.Next(), "duplicates are linked by the runtime")
	assert.Equal(t, "q:A", a.ID())

	out := &collector{}
	a.SetNext(out)
	require.NoError(t, a.Process([]*event.Event{event.New(1, "IBM", 1.0, int64(1))}))

	assert.Equal(t, int64(1), a.Processed())
	assert.Equal(t, int64(0), b.Processed())
	assert.Equal(t, int64(0), proto.Processed())
	require.Len(t, out.events, 1)
	assert.InDelta(t, 1.5, toFloat(t, out.events[0].Data[0]), 1e-9)
}

func TestConcurrentProcess(t *testing.T) {
	s, err := New("q", trades, definition.Selection{
		Projections: []definition.Projection{{As: "v", Expression: "volume + 1"}},
	})
	require.NoError(t, err)
	out := &collector{}
	s.SetNext(out)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < 25; k++ {
				_ = s.Process([]*event.Event{event.New(int64(k), "IBM", 1.0, int64(i))})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(200), s.Processed())
	assert.Len(t, out.events, 200)
}
