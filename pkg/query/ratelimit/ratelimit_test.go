package ratelimit

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/definition"
	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/lock"
	"github.com/wehubfusion/Argus/pkg/query/output"
	"github.com/wehubfusion/Argus/pkg/query/stage"
)

type sink struct {
	mu      sync.Mutex
	batches [][]*event.Event
	err     error
}

func (s *sink) Send(events []*event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func events(n int) []*event.Event {
	out := make([]*event.Event, n)
	for i := range out {
		out[i] = event.New(int64(i), i)
	}
	return out
}

func TestPassThroughRejectsBeforeStart(t *testing.T) {
	l := NewPassThrough("q1")
	l.SetOutputCallback(&sink{})

	err := l.Process(events(1))
	assert.ErrorIs(t, err, argerrors.ErrNotStarted)

	require.NoError(t, l.Start())
	assert.True(t, l.Started())
	require.NoError(t, l.Process(events(1)))

	require.NoError(t, l.Stop())
	assert.ErrorIs(t, l.Process(events(1)), argerrors.ErrNotStarted)
}

func TestPassThroughDeliversThenNotifiesObservers(t *testing.T) {
	l := NewPassThrough("q1")
	s := &sink{}
	l.SetOutputCallback(s)

	var observedTs int64
	var current, expired []*event.Event
	l.AddQueryCallback(func(ts int64, c, e []*event.Event) {
		assert.Equal(t, 2, s.count(), "observers run after delivery")
		observedTs, current, expired = ts, c, e
	})
	l.AddQueryCallback(nil)
	require.NoError(t, l.Start())

	in := []*event.Event{event.New(3, "a"), {Timestamp: 7, Data: []any{"b"}, Type: event.Expired}}
	require.NoError(t, l.Process(in))

	assert.Equal(t, int64(7), observedTs)
	assert.Len(t, current, 1)
	assert.Len(t, expired, 1)
	assert.Equal(t, int64(2), l.Emitted())
}

func TestDeliveryErrorPropagatesUnchanged(t *testing.T) {
	boom := errors.New("sink down")
	l := NewPassThrough("q1")
	l.SetOutputCallback(&sink{err: boom})
	notified := false
	l.AddQueryCallback(func(int64, []*event.Event, []*event.Event) { notified = true })
	require.NoError(t, l.Start())

	err := l.Process(events(1))
	assert.Same(t, boom, err)
	assert.False(t, notified)
}

func TestCountBatchEmitsFullBatchesAndFlushesRemainder(t *testing.T) {
	l, err := NewCountBatch("q1", 3)
	require.NoError(t, err)
	s := &sink{}
	l.SetOutputCallback(s)
	require.NoError(t, l.Start())

	require.NoError(t, l.Process(events(2)))
	assert.Equal(t, 0, s.count())
	assert.Equal(t, 2, l.Pending())

	require.NoError(t, l.Process(events(5)))
	assert.Equal(t, 6, s.count())
	assert.Len(t, s.batches, 2)
	assert.Equal(t, 1, l.Pending())

	require.NoError(t, l.Flush())
	assert.Equal(t, 7, s.count())
	assert.Equal(t, 0, l.Pending())

	require.NoError(t, l.Flush(), "flushing nothing is a no-op")
	assert.Len(t, s.batches, 3)
}

func TestCountBatchStopFlushesUnderLock(t *testing.T) {
	l, err := NewCountBatch("q1", 10)
	require.NoError(t, err)
	s := &sink{}
	l.SetOutputCallback(s)
	w := lock.New("q1")
	l.Init(w, stage.NewContext("q1", nil))
	require.NoError(t, l.Start())

	require.NoError(t, l.Process(events(4)))
	require.NoError(t, l.Stop())
	assert.Equal(t, 4, s.count())
	assert.False(t, l.Started())

	// The lock must have been released.
	require.NoError(t, w.Guard(func() error { return nil }))
}

func TestNewCountBatchRejectsNonPositiveSize(t *testing.T) {
	_, err := NewCountBatch("q1", 0)
	assert.Error(t, err)
}

func TestDuplicateIsIndependent(t *testing.T) {
	proto, err := NewCountBatch("q1", 2)
	require.NoError(t, err)
	protoSink := &sink{}
	proto.SetOutputCallback(protoSink)
	observed := 0
	proto.AddQueryCallback(func(int64, []*event.Event, []*event.Event) { observed++ })
	w := lock.New("q1")
	proto.Init(w, stage.NewContext("q1", nil))
	require.NoError(t, proto.Start())
	require.NoError(t, proto.Process(events(1)))

	dup := proto.Duplicate("A").(*CountBatch)
	assert.NotSame(t, proto, dup)
	assert.Nil(t, dup.OutputCallback(), "delivery is rebound by the runtime")
	assert.Nil(t, dup.Lock(), "lock is handed over by Init")
	assert.False(t, dup.Started())
	assert.Equal(t, 0, dup.Pending(), "pending output is not carried over")
	assert.Equal(t, 2, dup.Size())
	assert.Equal(t, "q1A", dup.ID())

	dupSink := &sink{}
	dup.SetOutputCallback(dupSink)
	require.NoError(t, dup.Start())
	require.NoError(t, dup.Process(events(2)))

	assert.Equal(t, 2, dupSink.count())
	assert.Equal(t, 0, protoSink.count())
	assert.Equal(t, 1, proto.Pending())
	assert.Equal(t, 1, observed, "observers are carried over to duplicates")

	dup.AddQueryCallback(func(int64, []*event.Event, []*event.Event) {})
	assert.Len(t, proto.observersCopy(), 1, "duplicate observer lists are not shared")
}

func TestFromDefinition(t *testing.T) {
	l, err := FromDefinition("q1", definition.OutputRate{})
	require.NoError(t, err)
	assert.IsType(t, &PassThrough{}, l)

	l, err = FromDefinition("q1", definition.OutputRate{Type: definition.OutputCount, Count: 5})
	require.NoError(t, err)
	require.IsType(t, &CountBatch{}, l)
	assert.Equal(t, 5, l.(*CountBatch).Size())

	_, err = FromDefinition("q1", definition.OutputRate{Type: "snapshot"})
	assert.Error(t, err)
}

var _ output.Callback = (*sink)(nil)
