package msgtype_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalforge/signalbus/internal/msgtype"
)

type alpha struct{}
type beta struct{}

func TestIndexOfIsDenseAndStable(t *testing.T) {
	r := msgtype.NewRegistry()

	a1 := r.IndexOf(reflect.TypeOf(alpha{}))
	b1 := r.IndexOf(reflect.TypeOf(beta{}))
	a2 := r.IndexOf(reflect.TypeOf(alpha{}))

	require.Equal(t, 0, a1)
	require.Equal(t, 1, b1)
	require.Equal(t, a1, a2, "repeated lookups must return the cached index")
	require.Equal(t, 2, r.Count())
}

func TestCountNeverDecreases(t *testing.T) {
	r := msgtype.NewRegistry()
	r.IndexOf(reflect.TypeOf(alpha{}))
	r.IndexOf(reflect.TypeOf(beta{}))
	require.Equal(t, 2, r.Count())

	// Re-observing known types must not inflate the count.
	r.IndexOf(reflect.TypeOf(alpha{}))
	require.Equal(t, 2, r.Count())
}

func TestIndexOfInjective(t *testing.T) {
	r := msgtype.NewRegistry()
	seen := make(map[int]reflect.Type)

	types := []reflect.Type{
		reflect.TypeOf(alpha{}),
		reflect.TypeOf(beta{}),
		reflect.TypeOf(0),
		reflect.TypeOf(""),
	}
	for _, typ := range types {
		idx := r.IndexOf(typ)
		if existing, ok := seen[idx]; ok {
			require.Equal(t, existing, typ, "index %d reused for a different type", idx)
		}
		seen[idx] = typ
	}
}
