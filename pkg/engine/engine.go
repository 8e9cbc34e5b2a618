// Package engine deploys queries against a shared stream registry.
//
// An Engine owns the registry every deployed query reads from and inserts
// into. Plain deployments connect a runtime's intake to the registry
// junctions; partitioned deployments subscribe a partition manager instead,
// which clones the query per key. NATS subjects and blob archives attach to
// registry streams as sources and sinks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/internal/nats"
	"github.com/wehubfusion/Argus/internal/tracing"
	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/definition"
	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/partition"
	"github.com/wehubfusion/Argus/pkg/query"
	"github.com/wehubfusion/Argus/pkg/storage"
	"github.com/wehubfusion/Argus/pkg/stream"
	"github.com/wehubfusion/Argus/pkg/transport"
)

// ErrShutdown is returned by operations on an engine that has been shut down
var ErrShutdown = errors.New("engine is shut down")

// subscription is a receiver attached to a registry junction by the engine
type subscription struct {
	junction *stream.Junction
	receiver stream.Receiver
}

// deployment is one deployed query
type deployment struct {
	runtime *query.QueryRuntime
	manager *partition.Manager
	subs    []subscription
}

// Engine deploys and runs queries
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	registry *stream.Registry
	tracer   trace.Tracer

	conn     transport.Conn
	natsConn *natsgo.Conn
	store    storage.BlobStore
	hub      *sentry.Hub

	shutdownTracing func(context.Context) error
	undoMaxprocs    func()

	mu          sync.Mutex
	deployments map[string]*deployment
	sinks       []subscription
	sources     []*transport.Source
	closed      bool
}

// New creates an engine, connecting every integration the configuration enables
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	logger, err := cfg.buildLogger()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		registry:    stream.NewRegistry(),
		conn:        cfg.Conn,
		store:       cfg.BlobStore,
		hub:         cfg.SentryHub,
		deployments: make(map[string]*deployment),
	}
	if cfg.Concurrency.IsKubernetes {
		e.undoMaxprocs = concurrency.InitializeForKubernetes(logger)
	}

	tcfg := tracing.DefaultConfig(cfg.AppName)
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	if e.shutdownTracing, err = tracing.Setup(ctx, tcfg, logger); err != nil {
		return nil, err
	}
	e.tracer = otel.Tracer("argus/engine")

	if e.conn == nil && cfg.NATSURL != "" {
		ncfg := nats.DefaultConnectionConfig(cfg.NATSURL)
		ncfg.Name = cfg.AppName
		ncfg.Logger = logger
		conn, err := nats.Connect(ctx, ncfg)
		if err != nil {
			e.release()
			return nil, err
		}
		e.natsConn = conn
		e.conn = conn
	}

	if e.store == nil && cfg.ArchiveConnectionString != "" {
		store, err := storage.NewAzureBlobStore(cfg.ArchiveConnectionString, cfg.ArchiveContainer, logger)
		if err != nil {
			e.release()
			return nil, err
		}
		e.store = store
	}

	if e.hub == nil && cfg.SentryDSN != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			ServerName:  cfg.AppName,
		})
		if err != nil {
			e.release()
			return nil, fmt.Errorf("failed to initialize sentry: %w", err)
		}
		e.hub = sentry.NewHub(client, sentry.NewScope())
	}

	logger.Info("Engine started",
		zap.String("app", cfg.AppName),
		zap.Bool("nats", e.conn != nil),
		zap.Bool("archive", e.store != nil),
		zap.Bool("sentry", e.hub != nil),
		zap.Bool("tracing", tcfg.Enabled()),
		zap.String("dispatch_mode", string(cfg.Concurrency.DispatchMode)))
	return e, nil
}

// Registry returns the stream registry shared by every deployed query
func (e *Engine) Registry() *stream.Registry { return e.registry }

// Logger returns the engine logger
func (e *Engine) Logger() *zap.Logger { return e.logger }

// DefineStream declares a stream and returns its junction
func (e *Engine) DefineStream(def *event.StreamDefinition) (*stream.Junction, error) {
	if def == nil {
		return nil, argerrors.Configuration("stream definition is required", argerrors.ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return nil, argerrors.Configuration(fmt.Sprintf("stream %s: %v", def.ID, err), argerrors.ErrInvalidDefinition)
	}
	return e.registry.Define(def), nil
}

// Deploy builds a query, starts it and connects it to the registry streams
func (e *Engine) Deploy(ctx context.Context, q *definition.Query, opts query.BuildOptions) (rt *query.QueryRuntime, err error) {
	ctx, span := e.startDeploySpan(ctx, q, "single")
	defer func() { e.finishDeploy(ctx, span, q, "single", err) }()

	if err := e.reserve(q); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			e.unreserve(q.Name)
		}
	}()

	rt, err = query.Build(q, e.registry, e.queryContext(q), opts)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(); err != nil {
		return nil, err
	}
	if err := rt.StreamRuntime().Connect(e.registry); err != nil {
		_ = rt.Stop()
		return nil, err
	}

	e.commit(q.Name, &deployment{runtime: rt})
	return rt, nil
}

// DeployPartitioned builds a query as a prototype and routes its input
// streams through a partition manager keyed by keyFn
func (e *Engine) DeployPartitioned(ctx context.Context, q *definition.Query, keyFn partition.KeyFunc, opts query.BuildOptions) (m *partition.Manager, err error) {
	ctx, span := e.startDeploySpan(ctx, q, "partitioned")
	defer func() { e.finishDeploy(ctx, span, q, "partitioned", err) }()

	if err := e.reserve(q); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			e.unreserve(q.Name)
		}
	}()

	proto, err := query.Build(q, e.registry, e.queryContext(q), opts)
	if err != nil {
		return nil, err
	}
	m, err = partition.NewManager(proto, e.registry, keyFn, partition.DefaultOptions().
		WithConcurrency(e.cfg.Concurrency).
		WithLogger(e.logger).
		WithTracer(e.tracer))
	if err != nil {
		return nil, argerrors.Configuration(fmt.Sprintf("query %s: %v", q.Name, err), argerrors.ErrInvalidDefinition)
	}

	d := &deployment{runtime: proto, manager: m}
	for _, id := range q.Input.UniqueStreamIDs() {
		j, ok := e.registry.Get(id)
		if !ok {
			return nil, argerrors.Configuration(fmt.Sprintf("query %s reads undefined stream %s", q.Name, id), argerrors.ErrUnknownStream)
		}
		d.subs = append(d.subs, subscription{junction: j, receiver: m.Receiver(id)})
	}
	for _, s := range d.subs {
		s.junction.Subscribe(s.receiver)
	}

	e.commit(q.Name, d)
	return m, nil
}

// Undeploy stops a deployed query and detaches it from the registry
func (e *Engine) Undeploy(name string) error {
	e.mu.Lock()
	d, ok := e.deployments[name]
	if d != nil {
		delete(e.deployments, name)
	}
	e.mu.Unlock()

	if !ok || d == nil {
		return fmt.Errorf("query %s is not deployed", name)
	}
	err := d.stop()
	e.logger.Info("Query undeployed", zap.String("query", name), zap.Error(err))
	return err
}

// Deployed returns the names of deployed queries, sorted
func (e *Engine) Deployed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.deployments))
	for name, d := range e.deployments {
		if d != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Send injects events into a registry stream
func (e *Engine) Send(streamID string, events ...*event.Event) error {
	j, ok := e.registry.Get(streamID)
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, argerrors.ErrUnknownStream)
	}
	return j.Send(events...)
}

// PublishTo publishes every batch of a registry stream on a NATS subject
func (e *Engine) PublishTo(streamID, subject string) error {
	if e.conn == nil {
		return argerrors.ErrNotConnected
	}
	j, ok := e.registry.Get(streamID)
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, argerrors.ErrUnknownStream)
	}
	pub, err := transport.NewPublisher(e.conn, subject, j.Definition(), e.logger)
	if err != nil {
		return err
	}
	return e.attachSink(j, pub)
}

// Consume feeds messages of a NATS subject into a registry stream
func (e *Engine) Consume(subject, streamID string) error {
	if e.conn == nil {
		return argerrors.ErrNotConnected
	}
	j, ok := e.registry.Get(streamID)
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, argerrors.ErrUnknownStream)
	}
	src, err := transport.NewSource(e.conn, subject, j, e.logger)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	if err := src.Start(); err != nil {
		return err
	}
	e.sources = append(e.sources, src)
	return nil
}

// Archive writes every batch of a registry stream to the blob store under prefix
func (e *Engine) Archive(streamID, prefix string) error {
	if e.store == nil {
		return fmt.Errorf("no archive store configured")
	}
	j, ok := e.registry.Get(streamID)
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, argerrors.ErrUnknownStream)
	}
	a, err := storage.NewArchive(e.store, j.Definition(), prefix, e.logger)
	if err != nil {
		return err
	}
	return e.attachSink(j, a)
}

// Shutdown stops every source, query and integration. The engine cannot be
// used afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sources := e.sources
	sinks := e.sinks
	deployments := e.deployments
	e.sources, e.sinks, e.deployments = nil, nil, map[string]*deployment{}
	e.mu.Unlock()

	var errs []error
	for _, src := range sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for name, d := range deployments {
		if d == nil {
			continue
		}
		if err := d.stop(); err != nil {
			errs = append(errs, fmt.Errorf("query %s: %w", name, err))
		}
	}
	for _, s := range sinks {
		s.junction.Unsubscribe(s.receiver)
	}

	if e.hub != nil {
		timeout := 2 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		e.hub.Flush(timeout)
	}
	if err := tracing.Shutdown(e.shutdownTracing, e.logger); err != nil {
		errs = append(errs, err)
	}
	e.release()

	err := errors.Join(errs...)
	e.logger.Info("Engine stopped", zap.Int("queries", len(deployments)), zap.Error(err))
	return err
}

// release closes connections the engine opened itself
func (e *Engine) release() {
	if e.natsConn != nil {
		if err := nats.Close(e.natsConn); err != nil {
			e.logger.Warn("Failed to close NATS connection", zap.Error(err))
		}
		e.natsConn = nil
	}
	if e.undoMaxprocs != nil {
		e.undoMaxprocs()
		e.undoMaxprocs = nil
	}
}

func (e *Engine) attachSink(j *stream.Junction, r stream.Receiver) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	j.Subscribe(r)
	e.sinks = append(e.sinks, subscription{junction: j, receiver: r})
	return nil
}

func (e *Engine) queryContext(q *definition.Query) *query.QueryContext {
	qctx := query.NewQueryContext(q.Name, e.logger)
	qctx.AppName = e.cfg.AppName
	return qctx
}

// reserve claims the query name so concurrent deployments of the same name
// fail fast. A reserved name maps to a nil deployment until commit.
func (e *Engine) reserve(q *definition.Query) error {
	if q == nil {
		return argerrors.Configuration("query definition is required", argerrors.ErrInvalidDefinition)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	if _, ok := e.deployments[q.Name]; ok {
		return argerrors.Configuration(fmt.Sprintf("query %s is already deployed", q.Name), argerrors.ErrInvalidDefinition)
	}
	e.deployments[q.Name] = nil
	return nil
}

func (e *Engine) unreserve(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.deployments[name]; ok && d == nil {
		delete(e.deployments, name)
	}
}

func (e *Engine) commit(name string, d *deployment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deployments[name] = d
}

func (e *Engine) startDeploySpan(ctx context.Context, q *definition.Query, mode string) (context.Context, trace.Span) {
	name := ""
	if q != nil {
		name = q.Name
	}
	return e.tracer.Start(ctx, "engine.deploy",
		trace.WithAttributes(
			attribute.String("query", name),
			attribute.String("mode", mode),
		))
}

func (e *Engine) finishDeploy(_ context.Context, span trace.Span, q *definition.Query, mode string, err error) {
	defer span.End()
	metrics.QueriesDeployed.WithLabelValues(mode, metrics.Status(err)).Inc()
	if err == nil {
		e.logger.Info("Query deployed", zap.String("query", q.Name), zap.String("mode", mode))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("Query deployment failed", zap.String("mode", mode), zap.Error(err))
	if e.hub != nil && argerrors.IsConfiguration(err) {
		e.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("mode", mode)
			if q != nil {
				scope.SetTag("query", q.Name)
			}
			e.hub.CaptureException(err)
		})
	}
}

// stop detaches and stops the deployment
func (d *deployment) stop() error {
	for _, s := range d.subs {
		s.junction.Unsubscribe(s.receiver)
	}
	if d.manager != nil {
		return d.manager.Close()
	}
	return d.runtime.Stop()
}
