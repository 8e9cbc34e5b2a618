// Package partition runs one clone of a query per partition key.
//
// A Manager owns a prototype runtime. The first event seen for a key creates
// the key's clone with Duplicate; later events for the key are routed to the
// same clone until it is removed.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/query"
	"github.com/wehubfusion/Argus/pkg/query/output"
	"github.com/wehubfusion/Argus/pkg/stream"
)

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("partition manager is closed")

// Options configures a Manager
type Options struct {
	Concurrency *concurrency.Config
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

// DefaultOptions returns sequential dispatch without logging.
func DefaultOptions() Options {
	return Options{Concurrency: concurrency.DefaultConfig()}
}

// WithConcurrency sets the dispatch configuration
func (o Options) WithConcurrency(cfg *concurrency.Config) Options {
	o.Concurrency = cfg
	return o
}

// WithLogger sets the logger
func (o Options) WithLogger(logger *zap.Logger) Options {
	o.Logger = logger
	return o
}

// WithTracer sets the tracer used for partition spans
func (o Options) WithTracer(tracer trace.Tracer) Options {
	o.Tracer = tracer
	return o
}

// Manager maps partition keys to clones of a prototype runtime.
// Thread-safe for concurrent access
type Manager struct {
	proto    *query.QueryRuntime
	registry output.StreamRegistry
	keyFn    KeyFunc
	limiter  *concurrency.Limiter
	parallel bool
	logger   *zap.Logger
	tracer   trace.Tracer

	mu     sync.Mutex
	clones map[string]*query.QueryRuntime
	closed bool
}

// NewManager creates a manager for proto. registry resolves the internal
// streams of clones whose output is local.
func NewManager(proto *query.QueryRuntime, registry output.StreamRegistry, keyFn KeyFunc, opts Options) (*Manager, error) {
	if proto == nil {
		return nil, fmt.Errorf("prototype runtime is required")
	}
	if keyFn == nil {
		return nil, fmt.Errorf("key function is required for query %s", proto.ID())
	}
	cfg := opts.Concurrency
	if cfg == nil {
		cfg = concurrency.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("argus/partition")
	}

	return &Manager{
		proto:    proto,
		registry: registry,
		keyFn:    keyFn,
		// no breaker: a failing partition never blocks the others
		limiter:  concurrency.NewLimiterWithCircuitBreaker(cfg.MaxConcurrent, nil),
		parallel: cfg.Parallel(),
		logger:   logger,
		tracer:   tracer,
		clones:   make(map[string]*query.QueryRuntime),
	}, nil
}

// Prototype returns the runtime clones are duplicated from.
func (m *Manager) Prototype() *query.QueryRuntime { return m.proto }

// Runtime returns the clone for key, creating it on first use.
func (m *Manager) Runtime(ctx context.Context, key string) (*query.QueryRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if rt, ok := m.clones[key]; ok {
		return rt, nil
	}

	_, span := m.tracer.Start(ctx, "partition.create",
		trace.WithAttributes(
			attribute.String("query", m.proto.ID()),
			attribute.String("partition.key", key),
		))
	defer span.End()

	rt, err := m.proto.Duplicate(key, m.registry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("failed to create partition",
			zap.String("query", m.proto.ID()),
			zap.String("partition", key),
			zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("instance.id", rt.InstanceID()))

	m.clones[key] = rt
	metrics.PartitionsCreated.WithLabelValues(m.proto.ID()).Inc()
	metrics.PartitionsActive.WithLabelValues(m.proto.ID()).Inc()
	m.logger.Debug("partition created",
		zap.String("query", m.proto.ID()),
		zap.String("partition", key),
		zap.Int("partitions", len(m.clones)))
	return rt, nil
}

// Send routes events of streamID into the clone for key.
func (m *Manager) Send(ctx context.Context, key, streamID string, events []*event.Event) error {
	rt, err := m.Runtime(ctx, key)
	if err != nil {
		return err
	}
	if err := rt.Send(streamID, events); err != nil {
		metrics.DispatchErrors.WithLabelValues(m.proto.ID()).Inc()
		return err
	}
	metrics.EventsDispatched.WithLabelValues(m.proto.ID()).Add(float64(len(events)))
	return nil
}

// Dispatch groups events by partition key and sends each group to its
// clone. Events with an empty key are dropped. Within a key, event order is
// preserved. In parallel mode groups run concurrently through the limiter.
func (m *Manager) Dispatch(ctx context.Context, streamID string, events []*event.Event) error {
	groups, order := m.group(streamID, events)
	if len(order) == 0 {
		return nil
	}

	fns := make([]func() error, len(order))
	for i, key := range order {
		key, batch := key, groups[key]
		fns[i] = func() error { return m.Send(ctx, key, streamID, batch) }
	}

	if m.parallel && len(fns) > 1 {
		return m.limiter.GoAll(ctx, fns...)
	}
	for _, fn := range fns {
		if err := m.limiter.GoSync(ctx, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) group(streamID string, events []*event.Event) (map[string][]*event.Event, []string) {
	groups := make(map[string][]*event.Event)
	var order []string
	for _, e := range events {
		key := m.keyFn(streamID, e)
		if key == "" {
			m.logger.Debug("dropping event without partition key",
				zap.String("query", m.proto.ID()),
				zap.String("stream", streamID))
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}
	return groups, order
}

// Receiver returns a junction receiver that dispatches events of streamID.
func (m *Manager) Receiver(streamID string) stream.Receiver {
	return &receiver{manager: m, streamID: streamID}
}

type receiver struct {
	manager  *Manager
	streamID string
}

func (r *receiver) Receive(events []*event.Event) error {
	return r.manager.Dispatch(context.Background(), r.streamID, events)
}

// Remove stops the clone for key and forgets it. It reports whether the key
// had a clone.
func (m *Manager) Remove(key string) (bool, error) {
	m.mu.Lock()
	rt, ok := m.clones[key]
	delete(m.clones, key)
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	m.proto.Release(key)
	metrics.PartitionsActive.WithLabelValues(m.proto.ID()).Dec()
	return true, rt.Stop()
}

// Keys returns the partition keys with a live clone, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.clones))
	for k := range m.clones {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live clones.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clones)
}

// Close stops every clone. Further calls to Runtime fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clones := m.clones
	m.clones = make(map[string]*query.QueryRuntime)
	m.mu.Unlock()

	var errs []error
	for key, rt := range clones {
		m.proto.Release(key)
		metrics.PartitionsActive.WithLabelValues(m.proto.ID()).Dec()
		if err := rt.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("partition manager closed",
		zap.String("query", m.proto.ID()),
		zap.Int("partitions", len(clones)))
	return errors.Join(errs...)
}
