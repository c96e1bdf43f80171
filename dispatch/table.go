package dispatch

import "github.com/signalforge/signalbus/identity"

// Generic handler signatures. Untargeted handlers take only the event,
// since there is no addressing key to report; Targeted and Broadcast
// handlers (both the specific-key and "any" varieties) also receive the
// Identity that the emission carried, since a single *-Any handler needs
// to know which key actually matched.
type (
	normalFunc[E Event]  func(*E)
	interceptFunc[E Event] func(*E) bool

	keyedNormalFunc[E Event]  func(identity.Identity, *E)
	keyedInterceptFunc[E Event] func(identity.Identity, *E) bool
)

// keyedLists groups the three Kind lists that apply to one addressing key
// (or to the "any" variant of a keyed shape, which is really just a list
// that is never partitioned by key).
type keyedLists[E Event] struct {
	normal    *list[keyedNormalFunc[E]]
	intercept *list[keyedInterceptFunc[E]]
	post      *list[keyedNormalFunc[E]]
}

func newKeyedLists[E Event]() *keyedLists[E] {
	return &keyedLists[E]{
		normal:    newList[keyedNormalFunc[E]](),
		intercept: newList[keyedInterceptFunc[E]](),
		post:      newList[keyedNormalFunc[E]](),
	}
}

// HandlerTable holds every Handler List for one concrete event type E. The
// dispatch Bus owns exactly one HandlerTable[E] per type, resolved by
// tableFor's reflect.Type lookup (see bus.go), which is what lets the typed
// Emit path avoid both boxing and a runtime type switch on the hot path.
type HandlerTable[E Event] struct {
	untargeted struct {
		normal    *list[normalFunc[E]]
		intercept *list[interceptFunc[E]]
		post      *list[normalFunc[E]]
	}

	targetedByKey map[identity.Identity]*keyedLists[E]
	targetedAny   *keyedLists[E]

	broadcastByKey map[identity.Identity]*keyedLists[E]
	broadcastAny   *keyedLists[E]
}

// newHandlerTable builds an empty table for E.
func newHandlerTable[E Event]() *HandlerTable[E] {
	t := &HandlerTable[E]{
		targetedByKey:  make(map[identity.Identity]*keyedLists[E]),
		targetedAny:    newKeyedLists[E](),
		broadcastByKey: make(map[identity.Identity]*keyedLists[E]),
		broadcastAny:   newKeyedLists[E](),
	}
	t.untargeted.normal = newList[normalFunc[E]]()
	t.untargeted.intercept = newList[interceptFunc[E]]()
	t.untargeted.post = newList[normalFunc[E]]()
	return t
}

// keyedFor returns the keyedLists for a specific addressing key under the
// given shape (Targeted or Broadcast), creating it on first use.
func (t *HandlerTable[E]) keyedFor(shape Shape, key identity.Identity) *keyedLists[E] {
	var m map[identity.Identity]*keyedLists[E]
	switch shape {
	case Targeted:
		m = t.targetedByKey
	case Broadcast:
		m = t.broadcastByKey
	default:
		panic("dispatch: keyedFor called with a non-keyed shape")
	}

	kl, ok := m[key]
	if !ok {
		kl = newKeyedLists[E]()
		m[key] = kl
	}
	return kl
}

// anyFor returns the "-Any" keyedLists for the given shape.
func (t *HandlerTable[E]) anyFor(shape Shape) *keyedLists[E] {
	switch shape {
	case TargetedAny:
		return t.targetedAny
	case BroadcastAny:
		return t.broadcastAny
	default:
		panic("dispatch: anyFor called with a non-any shape")
	}
}

// handlerCounts reports, for diagnostics, the number of entries (including
// inactive/removed ones still occupying a slot) registered for each
// Normal-kind list in the table.
func (t *HandlerTable[E]) handlerCounts() map[Shape]int {
	counts := map[Shape]int{
		Untargeted: t.untargeted.normal.len(),
	}
	for _, kl := range t.targetedByKey {
		counts[Targeted] += kl.normal.len()
	}
	counts[TargetedAny] = t.targetedAny.normal.len()
	for _, kl := range t.broadcastByKey {
		counts[Broadcast] += kl.normal.len()
	}
	counts[BroadcastAny] = t.broadcastAny.normal.len()
	return counts
}
