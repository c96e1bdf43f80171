package dispatch

import "github.com/signalforge/signalbus/identity"

// Global accept-all handler signatures. GlobalAcceptAll handlers observe
// every concrete event type, so they are typed over the Event interface
// rather than over a type parameter: there is exactly one of these lists
// per (emission shape, kind) on a Bus, not one per message type.
type (
	globalNormalFunc    func(Event)
	globalInterceptFunc func(Event) bool

	globalKeyedNormalFunc    func(identity.Identity, Event)
	globalKeyedInterceptFunc func(identity.Identity, Event) bool
)

// acceptAll bundles every GlobalAcceptAll list a Bus exposes: one group per
// shape it can observe (untargeted, targeted, broadcast), each with all
// three Kinds. register_global_accept_all in §4.2 only ever wires the
// Normal-kind callbacks, but the engine supports Interceptor and
// PostProcessor kinds for GlobalAcceptAll too, consistent with "Handler
// Kinds... exist for every shape" in §3.
type acceptAll struct {
	untargeted struct {
		normal    *list[globalNormalFunc]
		intercept *list[globalInterceptFunc]
		post      *list[globalNormalFunc]
	}
	targeted struct {
		normal    *list[globalKeyedNormalFunc]
		intercept *list[globalKeyedInterceptFunc]
		post      *list[globalKeyedNormalFunc]
	}
	broadcast struct {
		normal    *list[globalKeyedNormalFunc]
		intercept *list[globalKeyedInterceptFunc]
		post      *list[globalKeyedNormalFunc]
	}
}

func newAcceptAll() *acceptAll {
	a := &acceptAll{}
	a.untargeted.normal = newList[globalNormalFunc]()
	a.untargeted.intercept = newList[globalInterceptFunc]()
	a.untargeted.post = newList[globalNormalFunc]()
	a.targeted.normal = newList[globalKeyedNormalFunc]()
	a.targeted.intercept = newList[globalKeyedInterceptFunc]()
	a.targeted.post = newList[globalKeyedNormalFunc]()
	a.broadcast.normal = newList[globalKeyedNormalFunc]()
	a.broadcast.intercept = newList[globalKeyedInterceptFunc]()
	a.broadcast.post = newList[globalKeyedNormalFunc]()
	return a
}
