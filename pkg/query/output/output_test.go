package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/definition"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/stream"
)

var avgDef = event.NewStreamDefinition("#Avg",
	event.Attribute{Name: "device", Type: event.TypeString},
	event.Attribute{Name: "avg", Type: event.TypeDouble},
)

func TestInsertIntoStreamClonesEvents(t *testing.T) {
	j := stream.NewJunction(avgDef)
	var got []*event.Event
	j.Subscribe(stream.ReceiverFunc(func(events []*event.Event) error {
		got = events
		return nil
	}))

	in := event.New(5, "d1", 1.5)
	require.NoError(t, NewInsertIntoStream(j).Send([]*event.Event{in}))

	require.Len(t, got, 1)
	assert.NotSame(t, in, got[0])
	assert.Equal(t, in.Data, got[0].Data)

	got[0].Data[0] = "mutated"
	assert.Equal(t, "d1", in.Data[0])
}

func TestConstructCallbackQualifiesByKey(t *testing.T) {
	registry := stream.NewRegistry()
	target := definition.OutputStream{StreamID: "#Avg"}

	p1, err := ConstructCallback(target, "P1", registry, avgDef)
	require.NoError(t, err)
	p2, err := ConstructCallback(target, "P2", registry, avgDef)
	require.NoError(t, err)
	proto, err := ConstructCallback(target, "", registry, avgDef)
	require.NoError(t, err)

	assert.Equal(t, "#AvgP1", p1.StreamID())
	assert.Equal(t, "#AvgP2", p2.StreamID())
	assert.Equal(t, "#Avg", proto.StreamID())
	assert.NotSame(t, p1.Junction(), p2.Junction())
}

func TestConstructCallbackRequiresRegistryAndDefinition(t *testing.T) {
	target := definition.OutputStream{StreamID: "#Avg"}
	_, err := ConstructCallback(target, "P1", nil, avgDef)
	assert.Error(t, err)
	_, err = ConstructCallback(target, "P1", stream.NewRegistry(), nil)
	assert.Error(t, err)
}

func TestDeliveryResolve(t *testing.T) {
	registry := stream.NewRegistry()
	sink := Func(func([]*event.Event) error { return nil })

	var shared Delivery = ExternalShared{Callback: sink}
	a, err := shared.Resolve("A", registry)
	require.NoError(t, err)
	b, err := shared.Resolve("B", registry)
	require.NoError(t, err)
	assert.NotNil(t, a)
	assert.NotNil(t, b)
	assert.Empty(t, registry.IDs(), "shared delivery must not create streams")

	var internal Delivery = InternalPerPartition{
		Output:     definition.OutputStream{StreamID: "#Avg"},
		Definition: avgDef,
	}
	c1, err := internal.Resolve("A", registry)
	require.NoError(t, err)
	c2, err := internal.Resolve("A", registry)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2, "each resolution yields a new callback")
	assert.Same(t, c1.(*InsertIntoStream).Junction(), c2.(*InsertIntoStream).Junction())
	assert.Equal(t, []string{"#AvgA"}, registry.IDs())
}
