// Package transport moves stream events over NATS subjects.
//
// A Publisher is a query output callback that encodes each batch as a JSON
// record array and publishes it on one subject. A Source subscribes to a
// subject and feeds decoded batches into a stream junction.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/stream"
)

// Conn is the subset of *nats.Conn used by the transport
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Publisher failures in a row that open its circuit, and how long it stays open
const (
	publishFailureThreshold = 10
	publishResetTimeout     = 30 * time.Second
)

// Publisher publishes output batches of one stream on a subject. After
// repeated publish failures it rejects batches with concurrency.ErrCircuitOpen
// until the broker has had time to recover.
type Publisher struct {
	conn    Conn
	subject string
	def     *event.StreamDefinition
	logger  *zap.Logger
	breaker *concurrency.CircuitBreaker
}

// NewPublisher creates a publisher encoding events with def
func NewPublisher(conn Conn, subject string, def *event.StreamDefinition, logger *zap.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if def == nil {
		return nil, fmt.Errorf("stream definition is required for subject %s", subject)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		def:     def,
		logger:  logger,
		breaker: concurrency.NewCircuitBreaker(publishFailureThreshold, publishResetTimeout),
	}, nil
}

// Subject returns the subject batches are published on
func (p *Publisher) Subject() string { return p.subject }

// Send encodes and publishes events. Empty batches are not published.
func (p *Publisher) Send(events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if p.breaker.IsOpen() {
		metrics.TransportMessages.WithLabelValues("out", "error").Inc()
		return fmt.Errorf("publish to %s skipped: %w", p.subject, concurrency.ErrCircuitOpen)
	}
	data, err := event.Encode(p.def, events)
	if err != nil {
		metrics.TransportMessages.WithLabelValues("out", "error").Inc()
		return fmt.Errorf("failed to encode %s batch: %w", p.def.ID, err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.breaker.RecordFailure()
		metrics.TransportMessages.WithLabelValues("out", "error").Inc()
		p.logger.Error("Failed to publish batch",
			zap.String("subject", p.subject),
			zap.Int("events", len(events)),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	p.breaker.RecordSuccess()
	metrics.TransportMessages.WithLabelValues("out", "ok").Inc()
	return nil
}

// Receive lets a publisher subscribe to a junction directly
func (p *Publisher) Receive(events []*event.Event) error { return p.Send(events) }

// Source feeds messages of a subject into a junction
type Source struct {
	conn     Conn
	subject  string
	junction *stream.Junction
	logger   *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewSource creates a source decoding messages with the junction's definition
func NewSource(conn Conn, subject string, junction *stream.Junction, logger *zap.Logger) (*Source, error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if junction == nil {
		return nil, fmt.Errorf("junction is required for subject %s", subject)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{conn: conn, subject: subject, junction: junction, logger: logger}, nil
}

// Start subscribes to the subject. Starting twice is a no-op.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.conn.Subscribe(s.subject, s.Handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("Consuming subject",
		zap.String("subject", s.subject),
		zap.String("stream", s.junction.ID()))
	return nil
}

// Handle decodes one message and sends its events into the junction.
// Undecodable messages are logged and dropped.
func (s *Source) Handle(msg *nats.Msg) {
	events, err := event.Decode(s.junction.Definition(), msg.Data)
	if err != nil {
		metrics.TransportMessages.WithLabelValues("in", "error").Inc()
		s.logger.Warn("Dropping undecodable message",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	if err := s.junction.Send(events...); err != nil {
		metrics.TransportMessages.WithLabelValues("in", "error").Inc()
		s.logger.Error("Failed to deliver consumed events",
			zap.String("subject", msg.Subject),
			zap.String("stream", s.junction.ID()),
			zap.Error(err))
		return
	}
	metrics.TransportMessages.WithLabelValues("in", "ok").Inc()
}

// Close unsubscribes from the subject. A closed connection has already
// dropped the subscription.
func (s *Source) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.subject, err)
	}
	return nil
}
