// Package stage defines the contracts shared by the stages of a query
// pipeline: the processor link between stages and the query context handed
// to each of them.
package stage

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/event"
)

// Processor is a link in the forward chain intake -> selector -> rate limiter.
// Errors returned by a stage propagate to the caller unchanged.
type Processor interface {
	Process(events []*event.Event) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(events []*event.Event) error

// Process implements Processor.
func (f ProcessorFunc) Process(events []*event.Event) error { return f(events) }

// Flusher is implemented by rate limiters. Multi-source receivers call Flush
// once a correlated delivery completes so that batched output is emitted in
// step with the inputs that produced it.
type Flusher interface {
	Flush() error
}

// Context is the query-level metadata shared, read-only, by a runtime, its
// stages and every partition clone.
type Context struct {
	// Name is the query name; runtimes use it as their id.
	Name string
	// AppName is the name of the deploying application.
	AppName string
	// Logger is the structured logger for the query. Nil means no logging.
	Logger *zap.Logger
}

// NewContext creates a query context.
func NewContext(name string, logger *zap.Logger) *Context {
	return &Context{Name: name, Logger: logger}
}

// Log returns the context logger, or a no-op logger.
func (c *Context) Log() *zap.Logger {
	if c == nil || c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
