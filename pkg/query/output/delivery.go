package output

import (
	"github.com/wehubfusion/Argus/pkg/definition"
	"github.com/wehubfusion/Argus/pkg/event"
)

// Delivery is the lifetime policy of a query's delivery target across
// partitions. It is either ExternalShared or InternalPerPartition.
type Delivery interface {
	// Resolve returns the callback a partition clone keyed by key delivers to.
	Resolve(key string, registry StreamRegistry) (Callback, error)

	delivery()
}

// ExternalShared delivers every partition's output into the same callback.
type ExternalShared struct {
	Callback Callback
}

// Resolve returns the shared callback.
func (d ExternalShared) Resolve(string, StreamRegistry) (Callback, error) {
	return d.Callback, nil
}

func (ExternalShared) delivery() {}

// InternalPerPartition delivers each partition's output into its own
// partition-qualified internal stream.
type InternalPerPartition struct {
	Output     definition.OutputStream
	Definition *event.StreamDefinition
}

// Resolve creates or resolves the partition's stream and returns a fresh
// callback bound to it.
func (d InternalPerPartition) Resolve(key string, registry StreamRegistry) (Callback, error) {
	return ConstructCallback(d.Output, key, registry, d.Definition)
}

func (InternalPerPartition) delivery() {}

var (
	_ Delivery = ExternalShared{}
	_ Delivery = InternalPerPartition{}
)
