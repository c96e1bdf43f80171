package dispatch

import (
	"reflect"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/signalforge/signalbus/identity"
	"github.com/signalforge/signalbus/internal/ring"
)

// Property 1: a handler registered before an emission fires exactly once
// during that emission iff it is active and the emission was not
// cancelled by an interceptor.
func TestPropertyHandlerFiresOnceIffActiveAndUncancelled(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bus := NewBus(DefaultBusConfig())
		tok, err := NewToken(bus, identity.New(uint64(rapid.IntRange(1, 1<<30).Draw(t, "owner"))))
		require.NoError(t, err)

		calls := 0
		_, _, err = RegisterUntargeted(bus, func(e *pingEvent) { calls++ }, WithToken(tok))
		require.NoError(t, err)

		active := rapid.Bool().Draw(t, "active")
		if !active {
			tok.Disable()
		}

		cancel := rapid.Bool().Draw(t, "cancel")
		if cancel {
			_, _, err = RegisterUntargetedIntercept(bus, func(e *pingEvent) bool { return false }, WithPriority(-1))
			require.NoError(t, err)
		}

		err = EmitUntargeted(bus, &pingEvent{N: 1})
		require.NoError(t, err)

		want := 0
		if active && !cancel {
			want = 1
		}
		require.Equal(t, want, calls)
	})
}

// Property 4: observed invocation order within a Handler List always
// equals a stable sort of its entries by (priority, insertion sequence).
func TestPropertyInvocationOrderMatchesStableSortByPriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bus := NewBus(DefaultBusConfig())

		n := rapid.IntRange(1, 30).Draw(t, "n")
		type registered struct {
			priority int
			seq      int
		}
		var want []registered
		var order []int

		for i := 0; i < n; i++ {
			priority := rapid.IntRange(-5, 5).Draw(t, "priority")
			idx := i
			_, _, err := RegisterUntargeted(bus, func(e *pingEvent) {
				order = append(order, idx)
			}, WithPriority(priority))
			require.NoError(t, err)
			want = append(want, registered{priority: priority, seq: idx})
		}

		require.NoError(t, EmitUntargeted(bus, &pingEvent{N: 1}))

		sort.SliceStable(want, func(i, j int) bool {
			return want[i].priority < want[j].priority
		})
		var wantOrder []int
		for _, w := range want {
			wantOrder = append(wantOrder, w.seq)
		}
		require.Equal(t, wantOrder, order)
	})
}

// Property 6: Reset preserves Message Type Indices for every type already
// observed and leaves the registry's total count unchanged. The registry is
// shared with every other type in the process, so the count is checked to
// be at least max index + 1 of the two types observed here.
func TestPropertyResetPreservesMessageTypeIndices(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prevDefault := SetDefaultBus(NewBus(DefaultBusConfig()))
		defer SetDefaultBus(prevDefault)

		require.NoError(t, EmitUntargetedGlobal(&pingEvent{N: 1}))
		require.NoError(t, EmitUntargetedGlobal(&otherEvent{}))

		pingIdx := registry.IndexOf(reflect.TypeOf(pingEvent{}))
		otherIdx := registry.IndexOf(reflect.TypeOf(otherEvent{}))
		totalBefore := registry.Count()

		resets := rapid.IntRange(1, 5).Draw(t, "resets")
		for i := 0; i < resets; i++ {
			Reset()
		}

		require.Equal(t, pingIdx, registry.IndexOf(reflect.TypeOf(pingEvent{})))
		require.Equal(t, otherIdx, registry.IndexOf(reflect.TypeOf(otherEvent{})))
		require.Equal(t, totalBefore, registry.Count())
		require.GreaterOrEqual(t, registry.Count(), max(pingIdx, otherIdx)+1)
	})
}

// Property 7: the diagnostic ring retains at most capacity entries, always
// the newest ones, and a resize-to-k keeps exactly min(prevCount, k) of
// the most recent entries.
func TestPropertyDiagnosticRingRetainsNewest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		buf := ring.New[int](capacity)

		added := rapid.IntRange(0, 20).Draw(t, "added")
		for i := 0; i < added; i++ {
			buf.Add(i)
		}

		require.LessOrEqual(t, buf.Len(), capacity)
		items := buf.Items()
		if added > 0 {
			wantLen := added
			if wantLen > capacity {
				wantLen = capacity
			}
			require.Len(t, items, wantLen)
			for i, v := range items {
				require.Equal(t, added-wantLen+i, v)
			}
		}

		newCap := rapid.IntRange(0, 10).Draw(t, "newCap")
		prevCount := buf.Len()
		buf.Resize(newCap)

		wantCount := prevCount
		if wantCount > newCap {
			wantCount = newCap
		}
		require.Equal(t, wantCount, buf.Len())
		for i, v := range buf.Items() {
			require.Equal(t, added-wantCount+i, v)
		}
	})
}

// Property 8: Handle equality is value equality, two creations yield
// distinct handles, and Reset restarts the handle counter so the first
// post-reset handle equals the first pre-reset handle.
func TestPropertyHandleSequenceRestartsAfterReset(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prevDefault := SetDefaultBus(NewBus(DefaultBusConfig()))
		defer SetDefaultBus(prevDefault)
		Reset()

		n := rapid.IntRange(1, 10).Draw(t, "n")
		var handles []Handle
		for i := 0; i < n; i++ {
			h, _, err := RegisterUntargeted(DefaultBus(), func(e *pingEvent) {})
			require.NoError(t, err)
			handles = append(handles, h)
		}

		seen := make(map[Handle]bool)
		for _, h := range handles {
			require.False(t, seen[h], "handle %v reused within one generation", h)
			seen[h] = true
		}

		first := handles[0]
		Reset()

		h, _, err := RegisterUntargeted(DefaultBus(), func(e *pingEvent) {})
		require.NoError(t, err)
		require.Equal(t, first, h)
	})
}
