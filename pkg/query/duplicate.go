package query

import (
	"fmt"

	"go.uber.org/zap"

	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/lock"
	"github.com/wehubfusion/Argus/pkg/query/output"
)

// Duplicate builds a started, independent runtime for a partition key.
//
// The clone gets its own intake, selector and rate limiter, and its own lock
// when the query is synchronized. The query definition, output schema and
// context are shared. Output goes to the prototype's callback unless output
// is local, in which case the clone inserts into its own key-qualified
// stream resolved from registry. The prototype is not modified apart from
// recording key, so that a second duplication for the same key is rejected
// until Release is called.
func (r *QueryRuntime) Duplicate(key string, registry output.StreamRegistry) (*QueryRuntime, error) {
	if err := r.claim(key); err != nil {
		return nil, err
	}
	clone, err := r.duplicate(key, registry)
	if err != nil {
		r.Release(key)
		return nil, err
	}
	return clone, nil
}

func (r *QueryRuntime) duplicate(key string, registry output.StreamRegistry) (*QueryRuntime, error) {
	var lk *lock.Wrapper
	if r.synchronized {
		lk = lock.New(r.query.Name + "#" + key)
	}

	r.mu.RLock()
	intake := r.intake.Duplicate(key)
	sel := r.selector.Duplicate(key)
	limiter := r.limiter.Duplicate(key)
	callback := r.callback
	outputLocal := r.outputLocal
	r.mu.RUnlock()

	limiter.Init(lk, r.qctx)

	clone, err := newRuntime(r.query, Stages{
		Intake:   intake,
		Selector: sel,
		Limiter:  limiter,
		Callback: callback,
	}, r.meta, r.synchronized, r.qctx, lk, key)
	if err != nil {
		return nil, err
	}

	// Rebind multi-source receivers of the clone's intake to the clone's limiter.
	if err := clone.initIntake(); err != nil {
		return nil, err
	}
	clone.SetOutputLocal(outputLocal)

	target, err := r.delivery(callback, outputLocal).Resolve(key, registry)
	if err != nil {
		return nil, argerrors.Configuration(
			fmt.Sprintf("query %s: failed to resolve delivery for partition %s", r.query.Name, key), err)
	}
	clone.setOutputCallback(target)

	if err := limiter.Start(); err != nil {
		return nil, err
	}

	r.qctx.Log().Info("partition runtime created",
		zap.String("query", r.query.Name),
		zap.String("partition", key),
		zap.String("instance", clone.instanceID),
		zap.Bool("output_local", outputLocal))
	return clone, nil
}

// delivery returns the lifetime policy of the delivery target across partitions.
func (r *QueryRuntime) delivery(callback output.Callback, outputLocal bool) output.Delivery {
	if !outputLocal {
		return output.ExternalShared{Callback: callback}
	}
	return output.InternalPerPartition{Output: r.query.Output, Definition: r.outputDef}
}

// claim checks the duplication preconditions and records key.
func (r *QueryRuntime) claim(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case !r.initialized:
		return argerrors.Configuration(fmt.Sprintf("query %s", r.query.Name), argerrors.ErrNotInitialized)
	case r.key != "":
		return argerrors.Configuration(fmt.Sprintf("query %s", r.QualifiedID()), argerrors.ErrCloneOfClone)
	case key == "":
		return argerrors.Configuration(fmt.Sprintf("query %s: partition key cannot be empty", r.query.Name), nil)
	}
	if _, ok := r.clones[key]; ok {
		return argerrors.Configuration(fmt.Sprintf("query %s: partition %s", r.query.Name, key), argerrors.ErrDuplicatePartition)
	}
	if r.clones == nil {
		r.clones = make(map[string]struct{})
	}
	r.clones[key] = struct{}{}
	return nil
}

// Release forgets key so that it can be duplicated again, typically after
// the clone has been torn down.
func (r *QueryRuntime) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clones, key)
}
