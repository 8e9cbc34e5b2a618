package query

// Stats is a snapshot of a runtime's pipeline counters.
type Stats struct {
	// Received is the number of events accepted by the intake receivers
	Received int64
	// Processed is the number of events evaluated by the selector
	Processed int64
	// Emitted is the number of events delivered by the rate limiter
	Emitted int64
}

// Dropped returns the number of evaluated events that were not emitted,
// either filtered or still pending in the rate limiter.
func (s Stats) Dropped() int64 {
	if s.Processed < s.Emitted {
		return 0
	}
	return s.Processed - s.Emitted
}

// Stats returns the current counters of the runtime's own stages.
func (r *QueryRuntime) Stats() Stats {
	var received int64
	for _, s := range r.StreamRuntime().SingleStreamRuntimes() {
		received += s.ProcessStreamReceiver().Received()
	}
	return Stats{
		Received:  received,
		Processed: r.Selector().Processed(),
		Emitted:   r.OutputRateLimiter().Emitted(),
	}
}
