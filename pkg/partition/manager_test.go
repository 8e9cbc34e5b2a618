package partition

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/definition"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/query"
	"github.com/wehubfusion/Argus/pkg/query/output"
	"github.com/wehubfusion/Argus/pkg/stream"
)

var tradesDef = event.NewStreamDefinition("Trades",
	event.Attribute{Name: "symbol", Type: event.TypeString},
	event.Attribute{Name: "price", Type: event.TypeDouble},
)

type sink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *sink) Send(events []*event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *sink) symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Get(0).(string)
	}
	return out
}

func trade(symbol string, price float64) *event.Event {
	return event.New(1, symbol, price)
}

func bySymbol(t *testing.T) KeyFunc {
	t.Helper()
	fn, err := ByAttribute(tradesDef, "symbol")
	require.NoError(t, err)
	return fn
}

func prototype(t *testing.T, name string, out definition.OutputStream, cb output.Callback) (*query.QueryRuntime, *stream.Registry) {
	t.Helper()
	reg := stream.NewRegistry()
	reg.Define(tradesDef)
	q := &definition.Query{
		Name:   name,
		Input:  definition.Single("Trades"),
		Output: out,
		Selection: definition.Selection{
			Having: "price > 1",
		},
	}
	opts := query.DefaultBuildOptions()
	if cb != nil {
		opts = opts.WithCallback(cb)
	}
	proto, err := query.Build(q, reg, nil, opts)
	require.NoError(t, err)
	return proto, reg
}

func TestRuntimeCreatesOncePerKey(t *testing.T) {
	cb := &sink{}
	proto, reg := prototype(t, "once", definition.OutputStream{StreamID: "Out"}, cb)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions().WithTracer(tp.Tracer("test")))
	require.NoError(t, err)

	first, err := m.Runtime(context.Background(), "IBM")
	require.NoError(t, err)
	again, err := m.Runtime(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, "IBM", first.PartitionKey())
	assert.NotSame(t, proto, first)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "partition.create", spans[0].Name())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PartitionsCreated.WithLabelValues("once")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PartitionsActive.WithLabelValues("once")))
}

func TestDispatchGroupsByKey(t *testing.T) {
	cb := &sink{}
	proto, reg := prototype(t, "grouped", definition.OutputStream{StreamID: "Out"}, cb)
	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions())
	require.NoError(t, err)

	err = m.Dispatch(context.Background(), "Trades", []*event.Event{
		trade("IBM", 10), trade("MSFT", 5), trade("IBM", 11), trade("ORCL", 0.5),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"IBM", "MSFT", "ORCL"}, m.Keys())
	assert.Equal(t, []string{"IBM", "IBM", "MSFT"}, cb.symbols(), "sequential dispatch keeps first-seen key order")
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.EventsDispatched.WithLabelValues("grouped")))

	ibm, err := m.Runtime(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, query.Stats{Received: 2, Processed: 2, Emitted: 2}, ibm.Stats())
}

// rejectingSink fails every batch carrying the symbol bad.
type rejectingSink struct {
	sink
	bad string
}

var errRejected = errors.New("rejected")

func (s *rejectingSink) Send(events []*event.Event) error {
	for _, e := range events {
		if e.Get(0) == s.bad {
			return errRejected
		}
	}
	return s.sink.Send(events)
}

func TestFailingPartitionDoesNotBlockOthers(t *testing.T) {
	cb := &rejectingSink{bad: "BAD"}
	proto, reg := prototype(t, "isolated", definition.OutputStream{StreamID: "Out"}, cb)
	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 150; i++ {
		err := m.Dispatch(ctx, "Trades", []*event.Event{trade("BAD", 10)})
		require.ErrorIs(t, err, errRejected, "stage errors reach the caller unchanged")
	}

	require.NoError(t, m.Dispatch(ctx, "Trades", []*event.Event{trade("IBM", 10)}))
	assert.Equal(t, []string{"IBM"}, cb.symbols())
	assert.Equal(t, float64(150), testutil.ToFloat64(metrics.DispatchErrors.WithLabelValues("isolated")))
}

func TestDispatchDropsEventsWithoutKey(t *testing.T) {
	proto, reg := prototype(t, "nokey", definition.OutputStream{StreamID: "Out"}, &sink{})
	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, m.Dispatch(context.Background(), "Trades", []*event.Event{event.New(1, nil, 3.0)}))
	assert.Zero(t, m.Len())
}

func TestParallelDispatch(t *testing.T) {
	cb := &sink{}
	proto, reg := prototype(t, "parallel", definition.OutputStream{StreamID: "Out"}, cb)
	cfg := concurrency.DefaultConfig()
	cfg.MaxConcurrent = 4
	cfg.DispatchMode = concurrency.DispatchModeParallel

	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions().WithConcurrency(cfg))
	require.NoError(t, err)

	var events []*event.Event
	for _, s := range []string{"A", "B", "C", "D", "E", "F"} {
		events = append(events, trade(s, 2), trade(s, 3))
	}
	require.NoError(t, m.Dispatch(context.Background(), "Trades", events))
	assert.Equal(t, 6, m.Len())
	assert.ElementsMatch(t,
		[]string{"A", "A", "B", "B", "C", "C", "D", "D", "E", "E", "F", "F"},
		cb.symbols())
}

func TestInternalOutputIsPerPartition(t *testing.T) {
	proto, reg := prototype(t, "inner", definition.OutputStream{StreamID: "#Filtered"}, nil)
	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, m.Dispatch(context.Background(), "Trades", []*event.Event{trade("IBM", 10), trade("MSFT", 10)}))

	ibm, ok := reg.Get("#FilteredIBM")
	require.True(t, ok)
	msft, ok := reg.Get("#FilteredMSFT")
	require.True(t, ok)
	assert.Equal(t, int64(1), ibm.Sent())
	assert.Equal(t, int64(1), msft.Sent())
}

func TestReceiverSubscribesToJunction(t *testing.T) {
	cb := &sink{}
	proto, reg := prototype(t, "subscribed", definition.OutputStream{StreamID: "Out"}, cb)
	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions())
	require.NoError(t, err)

	trades, ok := reg.Get("Trades")
	require.True(t, ok)
	trades.Subscribe(m.Receiver("Trades"))

	require.NoError(t, trades.Send(trade("IBM", 4), trade("MSFT", 4)))
	assert.Equal(t, []string{"IBM", "MSFT"}, m.Keys())
	assert.Len(t, cb.symbols(), 2)
}

func TestRemoveReleasesKey(t *testing.T) {
	proto, reg := prototype(t, "removed", definition.OutputStream{StreamID: "Out"}, &sink{})
	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions())
	require.NoError(t, err)

	first, err := m.Runtime(context.Background(), "IBM")
	require.NoError(t, err)

	removed, err := m.Remove("IBM")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Zero(t, m.Len())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.PartitionsActive.WithLabelValues("removed")))

	removed, err = m.Remove("IBM")
	require.NoError(t, err)
	assert.False(t, removed)

	second, err := m.Runtime(context.Background(), "IBM")
	require.NoError(t, err, "a released key can be duplicated again")
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.InstanceID(), second.InstanceID())
}

func TestCloseStopsClones(t *testing.T) {
	proto, reg := prototype(t, "closed", definition.OutputStream{StreamID: "Out"}, &sink{})
	m, err := NewManager(proto, reg, bySymbol(t), DefaultOptions())
	require.NoError(t, err)

	_, err = m.Runtime(context.Background(), "IBM")
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Runtime(context.Background(), "IBM")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, m.Len())
}

func TestNewManagerRequiresPrototypeAndKey(t *testing.T) {
	_, err := NewManager(nil, nil, func(string, *event.Event) string { return "" }, DefaultOptions())
	assert.Error(t, err)

	proto, reg := prototype(t, "nokeyfn", definition.OutputStream{StreamID: "Out"}, &sink{})
	_, err = NewManager(proto, reg, nil, DefaultOptions())
	assert.Error(t, err)
}

func TestKeyFunctions(t *testing.T) {
	_, err := ByAttribute(tradesDef, "volume")
	assert.Error(t, err)

	fn := PerStream(map[string]KeyFunc{"Trades": bySymbol(t)})
	assert.Equal(t, "IBM", fn("Trades", trade("IBM", 1)))
	assert.Empty(t, fn("Quotes", trade("IBM", 1)))
}
