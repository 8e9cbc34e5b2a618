package partition

import (
	"fmt"
	"math"
	"strconv"

	"github.com/wehubfusion/Argus/pkg/event"
)

// KeyFunc returns the partition key of an event arriving on streamID. An
// empty key means the event belongs to no partition.
type KeyFunc func(streamID string, e *event.Event) string

// ByAttribute partitions events of def by the value of the named attribute.
// Integer attributes key by their decimal form whatever Go numeric type
// carries them, so local and decoded events land in the same partition.
func ByAttribute(def *event.StreamDefinition, name string) (KeyFunc, error) {
	idx := def.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("stream %s has no attribute %s", def.ID, name)
	}
	typ := def.Attributes[idx].Type
	return func(_ string, e *event.Event) string {
		return keyOf(typ, e.Get(idx))
	}, nil
}

func keyOf(typ event.AttributeType, v any) string {
	if v == nil {
		return ""
	}
	if typ != event.TypeInt && typ != event.TypeLong {
		return fmt.Sprint(v)
	}
	switch n := v.(type) {
	case int:
		return strconv.FormatInt(int64(n), 10)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<63 {
			return strconv.FormatInt(int64(n), 10)
		}
	}
	return fmt.Sprint(v)
}

// PerStream dispatches to the key function of each stream. Events of streams
// without one get no key.
func PerStream(fns map[string]KeyFunc) KeyFunc {
	return func(streamID string, e *event.Event) string {
		fn, ok := fns[streamID]
		if !ok {
			return ""
		}
		return fn(streamID, e)
	}
}
