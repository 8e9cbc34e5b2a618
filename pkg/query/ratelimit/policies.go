package ratelimit

import (
	"fmt"
	"sync"

	"github.com/wehubfusion/Argus/pkg/definition"
	"github.com/wehubfusion/Argus/pkg/event"
)

// PassThrough forwards every batch as soon as it arrives.
type PassThrough struct {
	base
}

// NewPassThrough creates a pass-through limiter.
func NewPassThrough(id string) *PassThrough {
	return &PassThrough{base: base{id: id}}
}

// Process implements stage.Processor.
func (p *PassThrough) Process(events []*event.Event) error {
	if err := p.checkStarted(); err != nil {
		return err
	}
	return p.emit(events)
}

// Flush is a no-op; nothing is ever pending.
func (p *PassThrough) Flush() error { return nil }

// Start implements OutputRateLimiter.
func (p *PassThrough) Start() error { return p.start() }

// Stop implements OutputRateLimiter.
func (p *PassThrough) Stop() error {
	p.started.Store(false)
	return nil
}

// Duplicate implements OutputRateLimiter.
func (p *PassThrough) Duplicate(key string) OutputRateLimiter {
	d := &PassThrough{base: base{id: p.id, key: key}}
	d.observers = p.observersCopy()
	return d
}

// CountBatch emits events in batches of a fixed size. Flush emits whatever is
// pending. Multi-source receivers flush after each delivery, so on a join or
// pattern the limiter emits per delivery and batches only within one.
type CountBatch struct {
	base
	size int

	bufMu   sync.Mutex
	pending []*event.Event
}

// NewCountBatch creates a limiter that emits every size events.
func NewCountBatch(id string, size int) (*CountBatch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be greater than 0, got %d", size)
	}
	return &CountBatch{base: base{id: id}, size: size}, nil
}

// Size returns the batch size.
func (c *CountBatch) Size() int { return c.size }

// Pending returns the number of buffered events.
func (c *CountBatch) Pending() int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return len(c.pending)
}

// Process implements stage.Processor.
func (c *CountBatch) Process(events []*event.Event) error {
	if err := c.checkStarted(); err != nil {
		return err
	}

	c.bufMu.Lock()
	c.pending = append(c.pending, events...)
	var batches [][]*event.Event
	for len(c.pending) >= c.size {
		batch := make([]*event.Event, c.size)
		copy(batch, c.pending[:c.size])
		c.pending = c.pending[c.size:]
		batches = append(batches, batch)
	}
	c.bufMu.Unlock()

	for _, batch := range batches {
		if err := c.emit(batch); err != nil {
			return err
		}
	}
	return nil
}

// Flush implements stage.Flusher.
func (c *CountBatch) Flush() error {
	c.bufMu.Lock()
	batch := c.pending
	c.pending = nil
	c.bufMu.Unlock()
	return c.emit(batch)
}

// Start implements OutputRateLimiter.
func (c *CountBatch) Start() error { return c.start() }

// Stop implements OutputRateLimiter.
func (c *CountBatch) Stop() error {
	err := c.Lock().Guard(c.Flush)
	c.started.Store(false)
	return err
}

// Duplicate implements OutputRateLimiter.
func (c *CountBatch) Duplicate(key string) OutputRateLimiter {
	d := &CountBatch{base: base{id: c.id, key: key}, size: c.size}
	d.observers = c.observersCopy()
	return d
}

// FromDefinition creates the limiter declared by rate.
func FromDefinition(id string, rate definition.OutputRate) (OutputRateLimiter, error) {
	switch rate.Type {
	case "", definition.OutputAll:
		return NewPassThrough(id), nil
	case definition.OutputCount:
		return NewCountBatch(id, rate.Count)
	default:
		return nil, fmt.Errorf("unsupported output rate %q", rate.Type)
	}
}

var (
	_ OutputRateLimiter = (*PassThrough)(nil)
	_ OutputRateLimiter = (*CountBatch)(nil)
)
