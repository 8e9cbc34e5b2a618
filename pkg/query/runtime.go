// Package query assembles query pipelines and clones them per partition.
//
// A QueryRuntime owns one stream intake, one selector, one output rate limiter
// and one delivery callback, wired as
//
//	intake -> selector -> rate limiter -> callback
//
// Events never pass through the runtime itself. It builds the chain, exposes
// it, and produces fully independent copies of it for partition keys with
// Duplicate.
package query

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/definition"
	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/lock"
	"github.com/wehubfusion/Argus/pkg/query/input"
	"github.com/wehubfusion/Argus/pkg/query/output"
	"github.com/wehubfusion/Argus/pkg/query/ratelimit"
	"github.com/wehubfusion/Argus/pkg/query/selector"
)

// Stages groups the pipeline stages handed to New.
type Stages struct {
	Intake   input.StreamRuntime
	Selector selector.Selector
	Limiter  ratelimit.OutputRateLimiter
	// Callback is the delivery target. Nil means the query only feeds its
	// observers.
	Callback output.Callback
}

// QueryRuntime is a wired query pipeline.
type QueryRuntime struct {
	instanceID   string
	key          string
	query        *definition.Query
	qctx         *QueryContext
	meta         event.MetaComplexEvent
	outputDef    *event.StreamDefinition
	synchronized bool
	lock         *lock.Wrapper

	mu          sync.RWMutex
	intake      input.StreamRuntime
	selector    selector.Selector
	limiter     ratelimit.OutputRateLimiter
	callback    output.Callback
	outputLocal bool
	initialized bool
	clones      map[string]struct{}
}

// New wires a prototype runtime. A synchronized query gets its own lock,
// which is handed to the rate limiter together with qctx before wiring.
func New(q *definition.Query, stages Stages, meta event.MetaComplexEvent, synchronized bool, qctx *QueryContext) (*QueryRuntime, error) {
	if q == nil {
		return nil, argerrors.Configuration("query definition is nil", argerrors.ErrInvalidDefinition)
	}
	if err := checkStages(q, stages, meta); err != nil {
		return nil, err
	}
	if qctx == nil {
		qctx = NewQueryContext(q.Name, nil)
	}
	var lk *lock.Wrapper
	if synchronized {
		lk = lock.New(q.Name)
	}
	if stages.Limiter != nil {
		stages.Limiter.Init(lk, qctx)
	}
	return newRuntime(q, stages, meta, synchronized, qctx, lk, "")
}

// checkStages rejects a construction before any stage is touched, so a
// failure leaves the caller's stages unwired.
func checkStages(q *definition.Query, stages Stages, meta event.MetaComplexEvent) error {
	switch {
	case stages.Intake == nil:
		return argerrors.Configuration(fmt.Sprintf("query %s has no stream intake", q.Name), argerrors.ErrNoReceivers)
	case stages.Selector == nil:
		return argerrors.Configuration(fmt.Sprintf("query %s has no selector", q.Name), nil)
	case stages.Limiter == nil:
		return argerrors.Configuration(fmt.Sprintf("query %s has no output rate limiter", q.Name), nil)
	case meta == nil || meta.OutputStreamDefinition() == nil:
		return argerrors.Configuration(fmt.Sprintf("query %s", q.Name), argerrors.ErrNoOutputSchema)
	case len(stages.Intake.SingleStreamRuntimes()) == 0:
		return argerrors.Configuration(fmt.Sprintf("query %s", q.Name), argerrors.ErrNoReceivers)
	}
	return nil
}

// newRuntime performs the wiring steps in order: delivery into the limiter,
// limiter behind the selector, output schema, intake.
func newRuntime(q *definition.Query, stages Stages, meta event.MetaComplexEvent, synchronized bool, qctx *QueryContext, lk *lock.Wrapper, key string) (*QueryRuntime, error) {
	if err := checkStages(q, stages, meta); err != nil {
		return nil, err
	}

	r := &QueryRuntime{
		instanceID:   uuid.NewString(),
		key:          key,
		query:        q,
		qctx:         qctx,
		meta:         meta,
		synchronized: synchronized,
		lock:         lk,
		intake:       stages.Intake,
		selector:     stages.Selector,
	}

	stages.Limiter.SetOutputCallback(stages.Callback)
	r.callback = stages.Callback
	r.SetOutputRateLimiter(stages.Limiter)

	r.outputDef = meta.OutputStreamDefinition()

	if err := r.initIntake(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()

	qctx.Log().Debug("query runtime constructed",
		zap.String("query", r.QualifiedID()),
		zap.String("instance", r.instanceID),
		zap.Bool("synchronized", synchronized))
	return r, nil
}

// initIntake makes the selector the intake's common processor, hands every
// receiver the pipeline lock and binds multi-source receivers to the current
// rate limiter.
func (r *QueryRuntime) initIntake() error {
	r.mu.RLock()
	intake, sel, limiter := r.intake, r.selector, r.limiter
	r.mu.RUnlock()

	streams := intake.SingleStreamRuntimes()
	if len(streams) == 0 {
		return argerrors.Configuration(fmt.Sprintf("query %s", r.query.Name), argerrors.ErrNoReceivers)
	}

	intake.SetCommonProcessor(sel)
	intake.SetLock(r.lock)
	for _, s := range streams {
		if rcv := s.ProcessStreamReceiver(); rcv.MultiSource() {
			rcv.BindRateLimiter(limiter)
		}
	}
	return nil
}

// SetOutputRateLimiter binds l and points the selector at it in one step.
// Multi-source receivers are rebound when the intake is already wired.
func (r *QueryRuntime) SetOutputRateLimiter(l ratelimit.OutputRateLimiter) {
	r.mu.Lock()
	r.limiter = l
	r.selector.SetNext(l)
	wired := r.initialized
	intake := r.intake
	r.mu.Unlock()

	if !wired {
		return
	}
	for _, s := range intake.SingleStreamRuntimes() {
		if rcv := s.ProcessStreamReceiver(); rcv.MultiSource() {
			rcv.BindRateLimiter(l)
		}
	}
}

// setOutputCallback binds cb into the limiter and the runtime's own reference.
func (r *QueryRuntime) setOutputCallback(cb output.Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetOutputCallback(cb)
	r.callback = cb
}

// AddCallback registers an observer notified after every emission.
func (r *QueryRuntime) AddCallback(cb output.QueryCallback) {
	r.OutputRateLimiter().AddQueryCallback(cb)
}

// Start makes the rate limiter accept events.
func (r *QueryRuntime) Start() error {
	if err := r.OutputRateLimiter().Start(); err != nil {
		return err
	}
	r.qctx.Log().Info("query runtime started", zap.String("query", r.QualifiedID()))
	return nil
}

// Stop disconnects the intake from its junctions, then stops the rate
// limiter, flushing pending output.
func (r *QueryRuntime) Stop() error {
	r.StreamRuntime().Disconnect()
	if err := r.OutputRateLimiter().Stop(); err != nil {
		return fmt.Errorf("failed to stop query %s: %w", r.QualifiedID(), err)
	}
	r.qctx.Log().Info("query runtime stopped", zap.String("query", r.QualifiedID()))
	return nil
}

// Send pushes events for streamID into the intake.
func (r *QueryRuntime) Send(streamID string, events []*event.Event) error {
	return r.StreamRuntime().Send(streamID, events)
}

// ID returns the query name.
func (r *QueryRuntime) ID() string { return r.query.Name }

// QualifiedID returns the query name, suffixed with "#key" for clones.
func (r *QueryRuntime) QualifiedID() string {
	if r.key == "" {
		return r.query.Name
	}
	return r.query.Name + "#" + r.key
}

// InstanceID returns the id unique to this runtime instance.
func (r *QueryRuntime) InstanceID() string { return r.instanceID }

// PartitionKey returns the clone's partition key, empty for a prototype.
func (r *QueryRuntime) PartitionKey() string { return r.key }

// Query returns the shared query definition.
func (r *QueryRuntime) Query() *definition.Query { return r.query }

// Context returns the shared query context.
func (r *QueryRuntime) Context() *QueryContext { return r.qctx }

// OutputStreamDefinition returns the output schema.
func (r *QueryRuntime) OutputStreamDefinition() *event.StreamDefinition { return r.outputDef }

// MetaComplexEvent returns the metadata the output schema was derived from.
func (r *QueryRuntime) MetaComplexEvent() event.MetaComplexEvent { return r.meta }

// InputStreamIDs returns the declared input stream ids in declaration order.
func (r *QueryRuntime) InputStreamIDs() []string { return r.query.Input.AllStreamIDs() }

// Synchronized reports whether the query was declared synchronized.
func (r *QueryRuntime) Synchronized() bool { return r.synchronized }

// Lock returns the pipeline lock, nil for unsynchronized queries.
func (r *QueryRuntime) Lock() *lock.Wrapper { return r.lock }

// IsOutputLocal reports whether output is routed into an internal stream.
func (r *QueryRuntime) IsOutputLocal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outputLocal
}

// SetOutputLocal records whether output is routed into an internal stream.
// Set by the deploying layer before partitions are created.
func (r *QueryRuntime) SetOutputLocal(local bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputLocal = local
}

// IsInputLocal reports whether any input stream is an inner stream.
func (r *QueryRuntime) IsInputLocal() bool { return r.query.Input.IsInner() }

// StreamRuntime returns the intake.
func (r *QueryRuntime) StreamRuntime() input.StreamRuntime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.intake
}

// Selector returns the selector.
func (r *QueryRuntime) Selector() selector.Selector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selector
}

// OutputRateLimiter returns the bound rate limiter.
func (r *QueryRuntime) OutputRateLimiter() ratelimit.OutputRateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter
}

// OutputCallback returns the bound delivery target.
func (r *QueryRuntime) OutputCallback() output.Callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callback
}
