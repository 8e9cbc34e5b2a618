// Package ratelimit provides output rate limiters, the stage between a query's
// selector and its delivery target.
package ratelimit

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/lock"
	"github.com/wehubfusion/Argus/pkg/query/output"
	"github.com/wehubfusion/Argus/pkg/query/stage"
)

// OutputRateLimiter throttles or batches selector output before delivery.
//
// Lifecycle: construct, SetOutputCallback, Init, Start. Process is rejected
// with ErrNotStarted until Start is called.
type OutputRateLimiter interface {
	stage.Processor
	stage.Flusher

	// SetOutputCallback binds the delivery target.
	SetOutputCallback(cb output.Callback)
	// OutputCallback returns the bound delivery target.
	OutputCallback() output.Callback
	// AddQueryCallback registers an observer notified after each delivery.
	AddQueryCallback(cb output.QueryCallback)
	// Init hands the limiter the pipeline lock (nil when unsynchronized) and
	// the query context.
	Init(l *lock.Wrapper, qctx *stage.Context)
	// Lock returns the lock passed to Init.
	Lock() *lock.Wrapper
	// Start makes the limiter accept events.
	Start() error
	// Stop flushes pending output under the pipeline lock and stops accepting events.
	Stop() error
	// Started reports whether the limiter accepts events.
	Started() bool
	// Emitted returns the number of events delivered.
	Emitted() int64
	// Duplicate returns an unbound, unstarted limiter of the same policy for
	// partition key. Registered observers are carried over; pending output is not.
	Duplicate(key string) OutputRateLimiter
}

// base carries the plumbing shared by every policy.
type base struct {
	id  string
	key string

	mu        sync.RWMutex
	callback  output.Callback
	observers []output.QueryCallback
	lock      *lock.Wrapper
	qctx      *stage.Context

	started atomic.Bool
	emitted atomic.Int64
}

func (b *base) SetOutputCallback(cb output.Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = cb
}

func (b *base) OutputCallback() output.Callback {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.callback
}

func (b *base) AddQueryCallback(cb output.QueryCallback) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, cb)
}

func (b *base) Init(l *lock.Wrapper, qctx *stage.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lock = l
	b.qctx = qctx
}

func (b *base) Lock() *lock.Wrapper {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lock
}

func (b *base) Started() bool { return b.started.Load() }

// Emitted returns the number of events delivered by this limiter.
func (b *base) Emitted() int64 { return b.emitted.Load() }

// ID returns the limiter id, qualified by the partition key for clones.
func (b *base) ID() string { return b.id + b.key }

func (b *base) start() error {
	b.started.Store(true)
	b.log().Debug("output rate limiter started", zap.String("limiter", b.ID()))
	return nil
}

func (b *base) checkStarted() error {
	if !b.started.Load() {
		return argerrors.ErrNotStarted
	}
	return nil
}

func (b *base) log() *zap.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.qctx.Log()
}

// observersCopy returns a fresh slice so that duplicates never share backing arrays.
func (b *base) observersCopy() []output.QueryCallback {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]output.QueryCallback, len(b.observers))
	copy(out, b.observers)
	return out
}

// emit delivers events to the bound callback, then to every observer.
func (b *base) emit(events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	b.mu.RLock()
	cb := b.callback
	observers := b.observers
	b.mu.RUnlock()

	if cb != nil {
		if err := cb.Send(events); err != nil {
			return err
		}
	}
	b.emitted.Add(int64(len(events)))

	if len(observers) > 0 {
		current, expired := event.Split(events)
		ts := events[len(events)-1].Timestamp
		for _, o := range observers {
			o(ts, current, expired)
		}
	}
	return nil
}
