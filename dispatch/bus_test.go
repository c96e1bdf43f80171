package dispatch

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalforge/signalbus/identity"
)

type pingEvent struct {
	BaseEvent
	N int
}

type otherEvent struct {
	BaseEvent
}

// S1 Isolation: a handler registered on one bus never fires for an
// emission on a different bus, including the process-wide default bus.
func TestIsolationAcrossBuses(t *testing.T) {
	busA := NewBus(DefaultBusConfig())
	busB := NewBus(DefaultBusConfig())

	tokA, err := NewToken(busA, identity.None)
	require.NoError(t, err)

	var hitsA int
	_, _, err = RegisterUntargeted[pingEvent](busA, func(*pingEvent) { hitsA++ }, WithToken(tokA))
	require.NoError(t, err)

	prev := SetDefaultBus(busB)
	defer SetDefaultBus(prev)

	require.NoError(t, EmitUntargetedGlobal(&pingEvent{}))
	require.Equal(t, 0, hitsA)

	require.NoError(t, EmitUntargeted(busA, &pingEvent{}))
	require.Equal(t, 1, hitsA)
}

// S2 Re-entrant add: a handler that registers a second handler for the
// same type on its first call must not have that second handler fire
// during the same emission; it fires starting with the next one.
func TestReentrantRegistrationDuringEmission(t *testing.T) {
	b := NewBus(DefaultBusConfig())
	tok, err := NewToken(b, identity.None)
	require.NoError(t, err)

	h1Calls, h2Calls := 0, 0
	var h2Registered bool

	_, _, err = RegisterUntargeted[pingEvent](b, func(*pingEvent) {
		h1Calls++
		if !h2Registered {
			h2Registered = true
			_, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) {
				h2Calls++
			}, WithToken(tok))
			require.NoError(t, err)
		}
	}, WithToken(tok))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	}

	require.Equal(t, 3, h1Calls)
	require.Equal(t, 2, h2Calls)
}

// S3 Destroy peer: a handler with lower priority (runs first) deactivates
// a peer's owning identity; the peer's handler must not fire in the same
// emission.
func TestDeactivateDuringEmissionSkipsPeer(t *testing.T) {
	b := NewBus(DefaultBusConfig())

	peer := identity.New(42)
	tokPeer, err := NewToken(b, peer)
	require.NoError(t, err)

	var firstCalls, peerCalls int

	_, _, err = RegisterUntargeted[pingEvent](b, func(*pingEvent) {
		firstCalls++
		b.Deactivate(peer)
	}, WithPriority(-10))
	require.NoError(t, err)

	_, _, err = RegisterUntargeted[pingEvent](b, func(*pingEvent) {
		peerCalls++
	}, WithToken(tokPeer))
	require.NoError(t, err)

	require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	require.Equal(t, 1, firstCalls)
	require.Equal(t, 0, peerCalls)
}

// S5 Priority interleave: handlers run strictly in priority order and
// post-processors run only after every handler.
func TestPriorityOrderingAndPostProcessorSequencing(t *testing.T) {
	b := NewBus(DefaultBusConfig())

	var order []int
	const n = 20
	for p := n - 1; p >= 0; p-- {
		priority := p
		_, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) {
			order = append(order, priority)
		}, WithPriority(priority))
		require.NoError(t, err)
	}

	var postRan bool
	_, _, err := RegisterUntargetedPost[pingEvent](b, func(*pingEvent) {
		require.Len(t, order, n, "post-processor must run after every handler")
		postRan = true
	})
	require.NoError(t, err)

	require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	require.True(t, postRan)
	for i := 0; i < n; i++ {
		require.Equal(t, i, order[i])
	}
}

// S6 Interceptor veto: a cancelling interceptor prevents all handler and
// post-processor invocations, but the interceptor itself still counts as
// having run once.
func TestInterceptorVetoStopsDelivery(t *testing.T) {
	b := NewBus(DefaultBusConfig())

	var interceptCalls, handlerCalls, postCalls int
	_, _, err := RegisterUntargetedIntercept[pingEvent](b, func(*pingEvent) bool {
		interceptCalls++
		return false
	})
	require.NoError(t, err)
	_, _, err = RegisterUntargeted[pingEvent](b, func(*pingEvent) { handlerCalls++ })
	require.NoError(t, err)
	_, _, err = RegisterUntargetedPost[pingEvent](b, func(*pingEvent) { postCalls++ })
	require.NoError(t, err)

	require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	require.Equal(t, 1, interceptCalls)
	require.Equal(t, 0, handlerCalls)
	require.Equal(t, 0, postCalls)
}

func TestUnregisterAllStopsFutureInvocations(t *testing.T) {
	b := NewBus(DefaultBusConfig())
	tok, err := NewToken(b, identity.None)
	require.NoError(t, err)

	var calls int
	_, _, err = RegisterUntargeted[pingEvent](b, func(*pingEvent) { calls++ }, WithToken(tok))
	require.NoError(t, err)

	require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	require.Equal(t, 1, calls)

	tok.UnregisterAll()

	require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	require.Equal(t, 1, calls)
}

func TestTokenDisableSuppressesWithoutRemoving(t *testing.T) {
	b := NewBus(DefaultBusConfig())
	tok, err := NewToken(b, identity.None)
	require.NoError(t, err)

	var calls int
	h, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) { calls++ }, WithToken(tok))
	require.NoError(t, err)
	require.True(t, h.IsValid())

	tok.Disable()
	require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	require.Equal(t, 0, calls)

	tok.Enable()
	require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	require.Equal(t, 1, calls)
}

func TestTargetedDeliversOnlyToMatchingKeyAndAny(t *testing.T) {
	b := NewBus(DefaultBusConfig())
	alice := identity.New(1)
	bob := identity.New(2)

	var aliceCalls, bobCalls, anyCalls int
	_, _, err := RegisterTargeted[pingEvent](b, alice, func(identity.Identity, *pingEvent) { aliceCalls++ })
	require.NoError(t, err)
	_, _, err = RegisterTargeted[pingEvent](b, bob, func(identity.Identity, *pingEvent) { bobCalls++ })
	require.NoError(t, err)
	_, _, err = RegisterTargetedAny[pingEvent](b, func(identity.Identity, *pingEvent) { anyCalls++ })
	require.NoError(t, err)

	require.NoError(t, EmitTargeted(b, alice, &pingEvent{}))
	require.Equal(t, 1, aliceCalls)
	require.Equal(t, 0, bobCalls)
	require.Equal(t, 1, anyCalls)
}

func TestGlobalAcceptAllObservesEveryShapeAndType(t *testing.T) {
	b := NewBus(DefaultBusConfig())

	var untargetedSeen, targetedSeen, broadcastSeen int
	_, _, err := RegisterGlobalAcceptAll(b,
		func(Event) { untargetedSeen++ },
		func(identity.Identity, Event) { targetedSeen++ },
		func(identity.Identity, Event) { broadcastSeen++ },
	)
	require.NoError(t, err)

	key := identity.New(7)
	require.NoError(t, EmitUntargeted(b, &pingEvent{}))
	require.NoError(t, EmitUntargeted(b, &otherEvent{}))
	require.NoError(t, EmitTargeted(b, key, &pingEvent{}))
	require.NoError(t, EmitBroadcast(b, key, &pingEvent{}))

	require.Equal(t, 2, untargetedSeen)
	require.Equal(t, 1, targetedSeen)
	require.Equal(t, 1, broadcastSeen)
}

func TestHandlerFaultAbortsRemainingDelivery(t *testing.T) {
	b := NewBus(DefaultBusConfig())

	var ranAfterFault, postRan bool
	_, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) {
		panic("boom")
	}, WithPriority(0))
	require.NoError(t, err)
	_, _, err = RegisterUntargeted[pingEvent](b, func(*pingEvent) {
		ranAfterFault = true
	}, WithPriority(1))
	require.NoError(t, err)
	_, _, err = RegisterUntargetedPost[pingEvent](b, func(*pingEvent) { postRan = true })
	require.NoError(t, err)

	err = EmitUntargeted(b, &pingEvent{})
	require.Error(t, err)
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	require.False(t, ranAfterFault)
	require.False(t, postRan)
}

func TestFaultIsolateContinuesDelivery(t *testing.T) {
	b := NewBus(BusConfig{DiagnosticsBufferSize: 10, FaultIsolate: true, Aliveness: identity.AlwaysAlive})

	var secondRan bool
	_, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) {
		panic("boom")
	}, WithPriority(0))
	require.NoError(t, err)
	_, _, err = RegisterUntargeted[pingEvent](b, func(*pingEvent) {
		secondRan = true
	}, WithPriority(1))
	require.NoError(t, err)

	err = EmitUntargeted(b, &pingEvent{})
	require.Error(t, err)
	require.True(t, secondRan)
}

func TestOwnershipMismatchRejected(t *testing.T) {
	busA := NewBus(DefaultBusConfig())
	busB := NewBus(DefaultBusConfig())

	tokA, err := NewToken(busA, identity.None)
	require.NoError(t, err)

	_, _, err = RegisterUntargeted[pingEvent](busB, func(*pingEvent) {}, WithToken(tokA))
	require.ErrorIs(t, err, ErrOwnershipMismatch)
}

func TestTokenFactoryIsIdempotentForSameOwner(t *testing.T) {
	b := NewBus(DefaultBusConfig())
	owner := identity.New(9)

	tok1, err := NewToken(b, owner)
	require.NoError(t, err)
	tok2, err := NewToken(b, owner)
	require.NoError(t, err)
	require.Same(t, tok1, tok2)
}

func TestNewTokenRejectsNilBus(t *testing.T) {
	_, err := NewToken(nil, identity.None)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRemoveRegistrationIsIdempotent(t *testing.T) {
	b := NewBus(DefaultBusConfig())
	tok, err := NewToken(b, identity.None)
	require.NoError(t, err)

	h, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) {}, WithToken(tok))
	require.NoError(t, err)

	require.True(t, tok.RemoveRegistration(h))
	require.False(t, tok.RemoveRegistration(h))
	require.False(t, tok.RemoveRegistration(InvalidHandle))
}

func TestHandleValuesAreDistinctAndValid(t *testing.T) {
	b := NewBus(DefaultBusConfig())

	h1, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) {})
	require.NoError(t, err)
	h2, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) {})
	require.NoError(t, err)

	require.True(t, h1.IsValid())
	require.True(t, h2.IsValid())
	require.NotEqual(t, h1, h2)
}

func TestResetRestartsHandleCounterButNotMessageTypeIndex(t *testing.T) {
	prevBus := DefaultBus()
	defer SetDefaultBus(prevBus)

	// Start a fresh handle generation so h1 is the first handle before the
	// Reset under test.
	Reset()

	b1 := NewBus(DefaultBusConfig())
	before := registry.IndexOf(reflect.TypeOf(pingEvent{}))

	h1, _, err := RegisterUntargeted[pingEvent](b1, func(*pingEvent) {})
	require.NoError(t, err)

	Reset()

	b2 := DefaultBus()
	h2, _, err := RegisterUntargeted[pingEvent](b2, func(*pingEvent) {})
	require.NoError(t, err)

	require.Equal(t, h1, h2, "first handle after reset must equal first handle before reset")
	require.Equal(t, before, registry.IndexOf(reflect.TypeOf(pingEvent{})))
}

func TestDiagnosticsRingRecordsEmissions(t *testing.T) {
	b := NewBus(BusConfig{Diagnostics: DiagnosticsBus, DiagnosticsBufferSize: 5, Aliveness: identity.AlwaysAlive})

	_, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) {})
	require.NoError(t, err)
	require.NoError(t, EmitUntargeted(b, &pingEvent{N: 1}))
	require.NoError(t, EmitUntargeted(b, &pingEvent{N: 2}))

	recs := b.Diagnostics()
	require.Len(t, recs, 2)
	require.Equal(t, "pingEvent", recs[0].TypeName)
	require.Less(t, recs[0].SequenceID, recs[1].SequenceID)
}

func TestDynamicDispatchReachesRegisteredHandler(t *testing.T) {
	b := NewBus(DefaultBusConfig())
	RegisterDynamicEmitter[pingEvent]()

	key := identity.New(3)
	var untargetedCalls, targetedCalls, broadcastCalls int
	_, _, err := RegisterUntargeted[pingEvent](b, func(*pingEvent) { untargetedCalls++ })
	require.NoError(t, err)
	_, _, err = RegisterTargetedAny[pingEvent](b, func(identity.Identity, *pingEvent) { targetedCalls++ })
	require.NoError(t, err)
	_, _, err = RegisterBroadcastAny[pingEvent](b, func(identity.Identity, *pingEvent) { broadcastCalls++ })
	require.NoError(t, err)

	require.NoError(t, EmitUntargetedAny(b, &pingEvent{}))
	require.NoError(t, EmitTargetedAny(b, key, &pingEvent{}))
	require.NoError(t, EmitBroadcastAny(b, key, &pingEvent{}))

	require.Equal(t, 1, untargetedCalls)
	require.Equal(t, 1, targetedCalls)
	require.Equal(t, 1, broadcastCalls)
}

func TestTargetedEmissionSkipsDeadIdentity(t *testing.T) {
	dead := identity.New(5)
	b := NewBus(BusConfig{
		DiagnosticsBufferSize: 10,
		Aliveness:             identity.AliveFunc(func(id identity.Identity) bool { return id != dead }),
	})

	var calls int
	_, _, err := RegisterTargeted[pingEvent](b, dead, func(identity.Identity, *pingEvent) { calls++ })
	require.NoError(t, err)

	require.NoError(t, EmitTargeted(b, dead, &pingEvent{}))
	require.Equal(t, 0, calls)
}
