package dispatch

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/signalforge/signalbus/identity"
	"github.com/signalforge/signalbus/internal/metrics"
	"github.com/signalforge/signalbus/internal/msgtype"
	"github.com/signalforge/signalbus/internal/ring"
)

// registry is the process-wide Message Type Registry. It is intentionally
// shared by every Bus: §3's injective, Reset-surviving index is defined
// per process, not per bus, so that a diagnostic record's
// MessageTypeIndex means the same thing no matter which Bus emitted it.
var registry = msgtype.NewRegistry()

// BusConfig configures a Bus at construction. The zero value is not valid;
// use DefaultBusConfig as a starting point.
type BusConfig struct {
	// Diagnostics selects which diagnostic rings this bus populates.
	Diagnostics DiagnosticsTarget

	// DiagnosticsBufferSize is the capacity of the bus's own emission
	// ring and the default capacity handed to every Token created
	// against this bus.
	DiagnosticsBufferSize int

	// FaultIsolate, when true, converts a handler fault into a logged
	// skip and continues the emission instead of aborting it. Default
	// false, per the open question resolved in §9: abort-emission is
	// the default.
	FaultIsolate bool

	// Aliveness is consulted before a Targeted or Broadcast emission is
	// delivered; a dead addressing key quietly matches nothing. Nil
	// defaults to identity.AlwaysAlive.
	Aliveness identity.Aliveness

	// Metrics, when non-nil, receives per-emission and per-fault
	// observations. A nil Collector (the default) costs nothing: every
	// Collector method is nil-receiver safe.
	Metrics *metrics.Collector
}

// DefaultBusConfig returns the configuration used by the process-wide
// default Bus and by NewBus when no override is supplied.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Diagnostics:           DiagnosticsOff,
		DiagnosticsBufferSize: 100,
		FaultIsolate:          false,
		Aliveness:             identity.AlwaysAlive,
	}
}

// Bus is the dispatch engine's registry: one Handler Table per observed
// message type, the cross-type GlobalAcceptAll lists, the emission
// sequence counter, and the diagnostic ring. A Bus is not safe for
// concurrent use from multiple goroutines; the engine's correctness model
// (§5) is single-threaded cooperative re-entrancy, not mutual exclusion.
// The mutex below guards only the bookkeeping state: the per-type table
// map, the token-owner map, and the closed flag. Emissions take it briefly
// in tableFor to look up the table, but never hold it while handlers run.
type Bus struct {
	mu sync.Mutex

	cfg BusConfig

	// tables holds one *HandlerTable[E] per concrete event type, boxed
	// as any and recovered via a single type assertion in tableFor.
	tables map[reflect.Type]any

	accept *acceptAll

	tokensByOwner map[identity.Identity]*Token

	emissionSeq uint64
	ring        *ring.Buffer[EmissionRecord]

	closed bool
}

// NewBus constructs a Bus with the given configuration.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Aliveness == nil {
		cfg.Aliveness = identity.AlwaysAlive
	}
	return &Bus{
		cfg:           cfg,
		tables:        make(map[reflect.Type]any),
		accept:        newAcceptAll(),
		tokensByOwner: make(map[identity.Identity]*Token),
		ring:          ring.New[EmissionRecord](cfg.DiagnosticsBufferSize),
	}
}

func (b *Bus) diagnosticsFor(bit int) bool {
	return b.cfg.Diagnostics.bits()&bit != 0
}

func (b *Bus) bufferSize() int {
	return b.cfg.DiagnosticsBufferSize
}

// Close marks the bus closed: subsequent registration calls return
// ErrBusClosed. Emissions on an already-closed bus still run, matching the
// teardown behavior of a host that wants in-flight messages to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// EmissionID returns the sequence id of the most recently started
// emission on this bus, or 0 if none has run yet.
func (b *Bus) EmissionID() uint64 {
	return b.emissionSeq
}

// Diagnostics returns the bus's diagnostic ring, oldest first. It is empty
// whenever bus-level diagnostics are off.
func (b *Bus) Diagnostics() []EmissionRecord {
	return b.ring.Items()
}

// HandlerCounts reports, for a given concrete event type, the number of
// registered handlers per shape. It returns nil if the type has never been
// observed by this bus.
func HandlerCounts[E Event](b *Bus) map[Shape]int {
	t, ok := tableFor[E](b, false)
	if !ok {
		return nil
	}
	return t.handlerCounts()
}

// tableFor resolves the HandlerTable[E] for the calling type parameter,
// creating one on demand when create is true. It is the one dictionary
// lookup (keyed by reflect.Type) a typed Emit/Register call pays per
// concrete event type, matching §9's "typed emit paths... perform no
// boxing and no dictionary lookups besides the per-type Handler Table"
// design note.
func tableFor[E Event](b *Bus, create bool) (*HandlerTable[E], bool) {
	var zero E
	typ := reflect.TypeOf(zero)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.tables[typ]; ok {
		return existing.(*HandlerTable[E]), true
	}
	if !create {
		return nil, false
	}

	t := newHandlerTable[E]()
	b.tables[typ] = t
	return t, true
}

// Deactivate flips active=false on every entry, across every registered
// message type and shape, that is keyed on id, and disables every Token
// owned by id. It models the host adapter's on_destroy(identity) callback
// from §6: a destroyed entity stops observing and stops being observed
// without anyone having to walk its individual handles.
func (b *Bus) Deactivate(id identity.Identity) {
	if id.IsNone() {
		return
	}

	b.mu.Lock()
	tok, hasToken := b.tokensByOwner[id]
	b.mu.Unlock()
	if hasToken {
		tok.Disable()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, boxed := range b.tables {
		if d, ok := boxed.(interface{ deactivateKey(identity.Identity) }); ok {
			d.deactivateKey(id)
		}
	}
}

// deactivateKey soft-disables every keyed entry (Targeted/Broadcast,
// specific-key lists only) addressed to key, across every Kind.
func (t *HandlerTable[E]) deactivateKey(key identity.Identity) {
	if kl, ok := t.targetedByKey[key]; ok {
		kl.normal.deactivateAll()
		kl.intercept.deactivateAll()
		kl.post.deactivateAll()
	}
	if kl, ok := t.broadcastByKey[key]; ok {
		kl.normal.deactivateAll()
		kl.intercept.deactivateAll()
		kl.post.deactivateAll()
	}
}

// RegisterOption configures a single registration call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	priority int
	token    *Token
	key      identity.Identity
}

// WithPriority sets the handler's priority; lower values run earlier.
// Default 0.
func WithPriority(p int) RegisterOption {
	return func(o *registerOptions) { o.priority = p }
}

// WithToken binds the registration to tok, so tok.Enable/Disable and
// tok.RemoveRegistration/UnregisterAll reach this handler.
func WithToken(tok *Token) RegisterOption {
	return func(o *registerOptions) { o.token = tok }
}

func resolveOptions(opts []RegisterOption) registerOptions {
	var o registerOptions
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// checkToken validates that tok (if non-nil) is bound to b.
func checkToken(b *Bus, tok *Token) error {
	if tok != nil && tok.bus != b {
		return ErrOwnershipMismatch
	}
	return nil
}

func (b *Bus) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// --- Untargeted registration -------------------------------------------

// RegisterUntargeted registers a Normal handler for every Untargeted
// emission of type E. It returns a Handle and a disposer equivalent to
// calling tok.RemoveRegistration(handle), per §4.2.
func RegisterUntargeted[E Event](b *Bus, fn func(*E), opts ...RegisterOption) (Handle, func(), error) {
	return registerSimple(b, Normal, func(t *HandlerTable[E]) *list[normalFunc[E]] {
		return t.untargeted.normal
	}, normalFunc[E](fn), opts...)
}

// RegisterUntargetedIntercept registers an Interceptor for Untargeted
// emissions of type E.
func RegisterUntargetedIntercept[E Event](b *Bus, fn func(*E) bool, opts ...RegisterOption) (Handle, func(), error) {
	return registerSimple(b, Interceptor, func(t *HandlerTable[E]) *list[interceptFunc[E]] {
		return t.untargeted.intercept
	}, interceptFunc[E](fn), opts...)
}

// RegisterUntargetedPost registers a PostProcessor for Untargeted
// emissions of type E.
func RegisterUntargetedPost[E Event](b *Bus, fn func(*E), opts ...RegisterOption) (Handle, func(), error) {
	return registerSimple(b, PostProcessor, func(t *HandlerTable[E]) *list[normalFunc[E]] {
		return t.untargeted.post
	}, normalFunc[E](fn), opts...)
}

func registerSimple[E Event, F any](b *Bus, kind Kind, pick func(*HandlerTable[E]) *list[F], fn F, opts ...RegisterOption) (Handle, func(), error) {
	if err := b.checkOpen(); err != nil {
		return InvalidHandle, noop, err
	}
	o := resolveOptions(opts)
	if err := checkToken(b, o.token); err != nil {
		return InvalidHandle, noop, err
	}
	if isNilFunc(fn) {
		return InvalidHandle, noop, fmt.Errorf("%w: nil handler", ErrInvalidInput)
	}

	t, _ := tableFor[E](b, true)
	l := pick(t)

	h := nextHandle()
	e := &entry[F]{handle: h, priority: o.priority, seq: h.seqValue(), fn: fn, token: o.token}
	l.insert(e)
	b.cfg.Metrics.SetRegisteredHandlers(Untargeted.String(), kind.String(), l.len())

	remove := func() bool {
		ok := l.removeByHandle(h)
		if ok {
			b.cfg.Metrics.SetRegisteredHandlers(Untargeted.String(), kind.String(), l.len())
		}
		return ok
	}
	if o.token != nil {
		o.token.own(h, remove)
	}
	return h, func() { remove() }, nil
}

func noop() {}

// isNilFunc reports whether a generically-typed function value is nil.
// A direct `any(fn) == nil` comparison is always false here because
// boxing a nil func value of a concrete type into an interface produces
// a non-nil interface; reflection is the only reliable way to ask the
// question for a type parameter unconstrained by a nilable core type.
func isNilFunc(fn any) bool {
	v := reflect.ValueOf(fn)
	return v.Kind() == reflect.Func && v.IsNil()
}

// seqValue exposes the Handle's raw ordinal for use as a list insertion
// sequence: handles are minted from the same monotonic counter emissions
// use for tie-breaking, so the handle itself already carries the order
// handlers were registered in.
func (h Handle) seqValue() uint64 { return uint64(h) }

// --- Targeted / Broadcast registration ----------------------------------

// RegisterTargeted registers a Normal handler observing Targeted emissions
// of type E addressed to key.
func RegisterTargeted[E Event](b *Bus, key identity.Identity, fn func(identity.Identity, *E), opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, Targeted, Normal, key, false, func(kl *keyedLists[E]) *list[keyedNormalFunc[E]] {
		return kl.normal
	}, keyedNormalFunc[E](fn), opts...)
}

// RegisterTargetedIntercept registers an Interceptor observing Targeted
// emissions of type E addressed to key.
func RegisterTargetedIntercept[E Event](b *Bus, key identity.Identity, fn func(identity.Identity, *E) bool, opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, Targeted, Interceptor, key, false, func(kl *keyedLists[E]) *list[keyedInterceptFunc[E]] {
		return kl.intercept
	}, keyedInterceptFunc[E](fn), opts...)
}

// RegisterTargetedPost registers a PostProcessor observing Targeted
// emissions of type E addressed to key.
func RegisterTargetedPost[E Event](b *Bus, key identity.Identity, fn func(identity.Identity, *E), opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, Targeted, PostProcessor, key, false, func(kl *keyedLists[E]) *list[keyedNormalFunc[E]] {
		return kl.post
	}, keyedNormalFunc[E](fn), opts...)
}

// RegisterTargetedAny registers a Normal handler observing every Targeted
// emission of type E, regardless of addressing key.
func RegisterTargetedAny[E Event](b *Bus, fn func(identity.Identity, *E), opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, TargetedAny, Normal, identity.None, true, func(kl *keyedLists[E]) *list[keyedNormalFunc[E]] {
		return kl.normal
	}, keyedNormalFunc[E](fn), opts...)
}

// RegisterTargetedAnyIntercept registers an Interceptor observing every
// Targeted emission of type E, regardless of addressing key.
func RegisterTargetedAnyIntercept[E Event](b *Bus, fn func(identity.Identity, *E) bool, opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, TargetedAny, Interceptor, identity.None, true, func(kl *keyedLists[E]) *list[keyedInterceptFunc[E]] {
		return kl.intercept
	}, keyedInterceptFunc[E](fn), opts...)
}

// RegisterTargetedAnyPost registers a PostProcessor observing every
// Targeted emission of type E, regardless of addressing key.
func RegisterTargetedAnyPost[E Event](b *Bus, fn func(identity.Identity, *E), opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, TargetedAny, PostProcessor, identity.None, true, func(kl *keyedLists[E]) *list[keyedNormalFunc[E]] {
		return kl.post
	}, keyedNormalFunc[E](fn), opts...)
}

// RegisterBroadcast registers a Normal handler observing Broadcast
// emissions of type E originating from key.
func RegisterBroadcast[E Event](b *Bus, key identity.Identity, fn func(identity.Identity, *E), opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, Broadcast, Normal, key, false, func(kl *keyedLists[E]) *list[keyedNormalFunc[E]] {
		return kl.normal
	}, keyedNormalFunc[E](fn), opts...)
}

// RegisterBroadcastIntercept registers an Interceptor observing Broadcast
// emissions of type E originating from key.
func RegisterBroadcastIntercept[E Event](b *Bus, key identity.Identity, fn func(identity.Identity, *E) bool, opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, Broadcast, Interceptor, key, false, func(kl *keyedLists[E]) *list[keyedInterceptFunc[E]] {
		return kl.intercept
	}, keyedInterceptFunc[E](fn), opts...)
}

// RegisterBroadcastPost registers a PostProcessor observing Broadcast
// emissions of type E originating from key.
func RegisterBroadcastPost[E Event](b *Bus, key identity.Identity, fn func(identity.Identity, *E), opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, Broadcast, PostProcessor, key, false, func(kl *keyedLists[E]) *list[keyedNormalFunc[E]] {
		return kl.post
	}, keyedNormalFunc[E](fn), opts...)
}

// RegisterBroadcastAny registers a Normal handler observing every
// Broadcast emission of type E, regardless of originating key.
func RegisterBroadcastAny[E Event](b *Bus, fn func(identity.Identity, *E), opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, BroadcastAny, Normal, identity.None, true, func(kl *keyedLists[E]) *list[keyedNormalFunc[E]] {
		return kl.normal
	}, keyedNormalFunc[E](fn), opts...)
}

// RegisterBroadcastAnyIntercept registers an Interceptor observing every
// Broadcast emission of type E, regardless of originating key.
func RegisterBroadcastAnyIntercept[E Event](b *Bus, fn func(identity.Identity, *E) bool, opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, BroadcastAny, Interceptor, identity.None, true, func(kl *keyedLists[E]) *list[keyedInterceptFunc[E]] {
		return kl.intercept
	}, keyedInterceptFunc[E](fn), opts...)
}

// RegisterBroadcastAnyPost registers a PostProcessor observing every
// Broadcast emission of type E, regardless of originating key.
func RegisterBroadcastAnyPost[E Event](b *Bus, fn func(identity.Identity, *E), opts ...RegisterOption) (Handle, func(), error) {
	return registerKeyed(b, BroadcastAny, PostProcessor, identity.None, true, func(kl *keyedLists[E]) *list[keyedNormalFunc[E]] {
		return kl.post
	}, keyedNormalFunc[E](fn), opts...)
}

func registerKeyed[E Event, F any](b *Bus, shape Shape, kind Kind, key identity.Identity, isAnyKey bool, pick func(*keyedLists[E]) *list[F], fn F, opts ...RegisterOption) (Handle, func(), error) {
	if err := b.checkOpen(); err != nil {
		return InvalidHandle, noop, err
	}
	o := resolveOptions(opts)
	if err := checkToken(b, o.token); err != nil {
		return InvalidHandle, noop, err
	}
	if isNilFunc(fn) {
		return InvalidHandle, noop, fmt.Errorf("%w: nil handler", ErrInvalidInput)
	}
	if !isAnyKey && key.IsNone() {
		return InvalidHandle, noop, fmt.Errorf("%w: zero addressing key", ErrInvalidInput)
	}

	t, _ := tableFor[E](b, true)
	var kl *keyedLists[E]
	if isAnyKey {
		kl = t.anyFor(shape)
	} else {
		kl = t.keyedFor(shape, key)
	}
	l := pick(kl)

	h := nextHandle()
	e := &entry[F]{handle: h, priority: o.priority, seq: h.seqValue(), fn: fn, token: o.token}
	l.insert(e)
	b.cfg.Metrics.SetRegisteredHandlers(shape.String(), kind.String(), l.len())

	remove := func() bool {
		ok := l.removeByHandle(h)
		if ok {
			b.cfg.Metrics.SetRegisteredHandlers(shape.String(), kind.String(), l.len())
		}
		return ok
	}
	if o.token != nil {
		o.token.own(h, remove)
	}
	return h, func() { remove() }, nil
}

// --- Global accept-all ---------------------------------------------------

// RegisterGlobalAcceptAll attaches up to three Normal handlers that observe
// every emission of every type: untargetedFn sees Untargeted emissions,
// targetedFn sees Targeted and TargetedAny emissions, broadcastFn sees
// Broadcast and BroadcastAny emissions. A nil function for any slot skips
// registering that slot. See §4.2.
func RegisterGlobalAcceptAll(b *Bus, untargetedFn func(Event), targetedFn func(identity.Identity, Event), broadcastFn func(identity.Identity, Event), opts ...RegisterOption) ([]Handle, func(), error) {
	return registerAcceptAllTriple(b, Normal,
		b.accept.untargeted.normal, globalNormalFunc(untargetedFn),
		b.accept.targeted.normal, globalKeyedNormalFunc(targetedFn),
		b.accept.broadcast.normal, globalKeyedNormalFunc(broadcastFn),
		opts...)
}

// RegisterGlobalAcceptAllIntercept attaches up to three Interceptors that
// observe every emission of every type, for the "global interceptors for
// that shape" level described in §4.2 step 3. A cancel from one of these
// halts the emission before any shape-specific interceptor runs.
func RegisterGlobalAcceptAllIntercept(b *Bus, untargetedFn func(Event) bool, targetedFn func(identity.Identity, Event) bool, broadcastFn func(identity.Identity, Event) bool, opts ...RegisterOption) ([]Handle, func(), error) {
	return registerAcceptAllTriple(b, Interceptor,
		b.accept.untargeted.intercept, globalInterceptFunc(untargetedFn),
		b.accept.targeted.intercept, globalKeyedInterceptFunc(targetedFn),
		b.accept.broadcast.intercept, globalKeyedInterceptFunc(broadcastFn),
		opts...)
}

// RegisterGlobalAcceptAllPost attaches up to three PostProcessors that
// observe every emission of every type, run after all shape-specific
// post-processors.
func RegisterGlobalAcceptAllPost(b *Bus, untargetedFn func(Event), targetedFn func(identity.Identity, Event), broadcastFn func(identity.Identity, Event), opts ...RegisterOption) ([]Handle, func(), error) {
	return registerAcceptAllTriple(b, PostProcessor,
		b.accept.untargeted.post, globalNormalFunc(untargetedFn),
		b.accept.targeted.post, globalKeyedNormalFunc(targetedFn),
		b.accept.broadcast.post, globalKeyedNormalFunc(broadcastFn),
		opts...)
}

func registerAcceptAllTriple[FU, FK any](b *Bus, kind Kind,
	untargetedList *list[FU], untargetedFn FU,
	targetedList *list[FK], targetedFn FK,
	broadcastList *list[FK], broadcastFn FK,
	opts ...RegisterOption) ([]Handle, func(), error) {

	if err := b.checkOpen(); err != nil {
		return nil, noop, err
	}
	o := resolveOptions(opts)
	if err := checkToken(b, o.token); err != nil {
		return nil, noop, err
	}

	var handles []Handle
	var removers []func() bool

	if !isNilFunc(untargetedFn) {
		h := nextHandle()
		untargetedList.insert(&entry[FU]{handle: h, priority: o.priority, seq: h.seqValue(), fn: untargetedFn, token: o.token})
		handles = append(handles, h)
		removers = append(removers, func() bool {
			ok := untargetedList.removeByHandle(h)
			if ok {
				b.cfg.Metrics.SetRegisteredHandlers(GlobalAcceptAll.String(), kind.String(), untargetedList.len())
			}
			return ok
		})
		b.cfg.Metrics.SetRegisteredHandlers(GlobalAcceptAll.String(), kind.String(), untargetedList.len())
	}
	if !isNilFunc(targetedFn) {
		h := nextHandle()
		targetedList.insert(&entry[FK]{handle: h, priority: o.priority, seq: h.seqValue(), fn: targetedFn, token: o.token})
		handles = append(handles, h)
		removers = append(removers, func() bool {
			ok := targetedList.removeByHandle(h)
			if ok {
				b.cfg.Metrics.SetRegisteredHandlers(GlobalAcceptAll.String(), kind.String(), targetedList.len())
			}
			return ok
		})
		b.cfg.Metrics.SetRegisteredHandlers(GlobalAcceptAll.String(), kind.String(), targetedList.len())
	}
	if !isNilFunc(broadcastFn) {
		h := nextHandle()
		broadcastList.insert(&entry[FK]{handle: h, priority: o.priority, seq: h.seqValue(), fn: broadcastFn, token: o.token})
		handles = append(handles, h)
		removers = append(removers, func() bool {
			ok := broadcastList.removeByHandle(h)
			if ok {
				b.cfg.Metrics.SetRegisteredHandlers(GlobalAcceptAll.String(), kind.String(), broadcastList.len())
			}
			return ok
		})
		b.cfg.Metrics.SetRegisteredHandlers(GlobalAcceptAll.String(), kind.String(), broadcastList.len())
	}

	for i, h := range handles {
		remove := removers[i]
		if o.token != nil {
			o.token.own(h, remove)
		}
	}

	disposeAll := func() {
		for _, remove := range removers {
			remove()
		}
	}
	return handles, disposeAll, nil
}

// --- Emission --------------------------------------------------------

// emissionState accumulates the cross-cutting state a single emit call
// needs as it walks interceptors, handlers, and post-processors: the
// sequence id, addressing metadata for diagnostics, whether an
// interceptor cancelled delivery, and the first fault encountered (if
// any). The postRan flag documents the one-shot post-processing guard
// required by §4.3; it is never consulted for control flow because each
// Emit function already runs its post-processing block exactly once, but
// setting it makes that invariant explicit. It is not copied into the
// EmissionRecord.
type emissionState struct {
	seq              uint64
	shape            Shape
	ctx              identity.Identity
	messageTypeIndex int
	typeName         string
	postRan          bool
	cancelled        bool
	fault            *FaultError
	handlersInvoked  int
	timestamp        time.Time
	stack            string
}

func (b *Bus) beginEmission(shape Shape, ctx identity.Identity, msg any) *emissionState {
	b.emissionSeq++
	typ := reflect.TypeOf(msg).Elem()
	var stack string
	if b.diagnosticsFor(diagBus) {
		stack = captureStack(1)
	}
	return &emissionState{
		seq:              b.emissionSeq,
		shape:            shape,
		ctx:              ctx,
		messageTypeIndex: registry.IndexOf(typ),
		typeName:         typ.Name(),
		timestamp:        time.Now(),
		stack:            stack,
	}
}

// err converts the emission's possibly-nil fault into a plain error,
// avoiding the classic Go pitfall of boxing a nil *FaultError into a
// non-nil error interface.
func (es *emissionState) err() error {
	if es.fault == nil {
		return nil
	}
	return es.fault
}

func (b *Bus) finishEmission(es *emissionState) {
	outcome := "ok"
	switch {
	case es.fault != nil:
		outcome = "faulted"
	case es.cancelled:
		outcome = "cancelled"
	}
	b.cfg.Metrics.ObserveEmission(es.shape.String(), outcome, es.handlersInvoked)

	if !b.diagnosticsFor(diagBus) {
		return
	}
	b.ring.Add(EmissionRecord{
		SequenceID:       es.seq,
		MessageTypeIndex: es.messageTypeIndex,
		TypeName:         es.typeName,
		Shape:            es.shape,
		Context:          es.ctx,
		Cancelled:        es.cancelled,
		Fault:            es.fault,
		Stack:            es.stack,
		Timestamp:        es.timestamp,
	})
}

// recordTokenInvocation appends to the owning token's diagnostic ring, if
// token-level diagnostics are on.
func (b *Bus) recordTokenInvocation(es *emissionState, tok *Token, h Handle) {
	if tok == nil || !b.diagnosticsFor(diagToken) {
		return
	}
	tok.recordInvocation(h, EmissionRecord{
		SequenceID:       es.seq,
		MessageTypeIndex: es.messageTypeIndex,
		TypeName:         es.typeName,
		Shape:            es.shape,
		Context:          es.ctx,
		Timestamp:        es.timestamp,
	})
}

// faultFromRecover converts a recovered panic value into an error.
func faultFromRecover(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// invokeEntry calls e.fn through call, recovering a panic into a
// FaultError recorded on es (first fault wins). It reports whether this
// call faulted.
func invokeEntry[F any](b *Bus, es *emissionState, kind Kind, e *entry[F], call func(F)) (faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			fe := &FaultError{Shape: es.shape, Kind: kind, Handle: e.handle, Err: faultFromRecover(r)}
			if es.fault == nil {
				es.fault = fe
			}
			if b.cfg.FaultIsolate {
				log.Warnf("dispatch: isolated handler fault: %v", fe)
			}
			b.cfg.Metrics.ObserveFault(kind.String())
			faulted = true
		}
	}()
	call(e.fn)
	es.handlersInvoked++
	b.recordTokenInvocation(es, e.token, e.handle)
	return false
}

// runEntries invokes every active entry in entries through call, in
// order. It stops at the first fault unless the bus is configured with
// FaultIsolate, matching §7's HandlerFault policy: "the emission aborts
// after the faulty handler... subsequent handlers at the same priority
// are skipped, as is post-processing."
func runEntries[F any](b *Bus, es *emissionState, kind Kind, entries []*entry[F], call func(F)) {
	for _, e := range entries {
		if es.fault != nil && !b.cfg.FaultIsolate {
			return
		}
		if !e.active() {
			continue
		}
		invokeEntry(b, es, kind, e, call)
	}
}

// runInterceptLevel runs one priority-sorted interceptor level to
// completion or until an active interceptor returns false (cancel) or
// faults, whichever happens first. With FaultIsolate set, a faulting
// interceptor is logged and skipped instead of stopping delivery. It
// reports whether delivery should stop.
func runInterceptLevel[F any](b *Bus, es *emissionState, entries []*entry[F], call func(F) bool) bool {
	for _, e := range entries {
		if !e.active() {
			continue
		}

		allow := true
		faulted := func() (faulted bool) {
			defer func() {
				if r := recover(); r != nil {
					fe := &FaultError{Shape: es.shape, Kind: Interceptor, Handle: e.handle, Err: faultFromRecover(r)}
					if es.fault == nil {
						es.fault = fe
					}
					if b.cfg.FaultIsolate {
						log.Warnf("dispatch: isolated handler fault: %v", fe)
					}
					b.cfg.Metrics.ObserveFault(Interceptor.String())
					faulted = true
				}
			}()
			allow = call(e.fn)
			return false
		}()

		if faulted {
			if b.cfg.FaultIsolate {
				continue
			}
			return true
		}
		es.handlersInvoked++
		b.recordTokenInvocation(es, e.token, e.handle)
		if !allow {
			es.cancelled = true
			b.cfg.Metrics.ObserveCancellation(es.shape.String())
			return true
		}
	}
	return false
}

// EmitUntargeted runs the full emission pipeline for an Untargeted
// message of type E, per §4.2: global interceptors for this shape, then
// the untargeted interceptor list; if not cancelled, untargeted Normal
// handlers followed by the GlobalAcceptAll untargeted handler; then the
// same structure for PostProcessors; then diagnostics.
func EmitUntargeted[E Event](b *Bus, msg *E) error {
	t, ok := tableFor[E](b, false)
	es := b.beginEmission(Untargeted, identity.None, msg)
	defer b.finishEmission(es)

	cancelled := runInterceptLevel(b, es, b.accept.untargeted.intercept.snapshot(),
		func(fn globalInterceptFunc) bool { return fn(msg) })
	if !cancelled && ok {
		cancelled = runInterceptLevel(b, es, t.untargeted.intercept.snapshot(),
			func(fn interceptFunc[E]) bool { return fn(msg) })
	}
	if cancelled {
		return es.err()
	}

	if ok {
		runEntries(b, es, Normal, t.untargeted.normal.snapshot(), func(fn normalFunc[E]) { fn(msg) })
	}
	runEntries(b, es, Normal, b.accept.untargeted.normal.snapshot(), func(fn globalNormalFunc) { fn(msg) })

	if ok {
		runEntries(b, es, PostProcessor, t.untargeted.post.snapshot(), func(fn normalFunc[E]) { fn(msg) })
	}
	es.postRan = true
	runEntries(b, es, PostProcessor, b.accept.untargeted.post.snapshot(), func(fn globalNormalFunc) { fn(msg) })

	return es.err()
}

// EmitTargeted runs the full emission pipeline for a Targeted message of
// type E addressed to key. If key fails the bus's Aliveness check, the
// emission matches nothing and returns nil (§7's IdentityDestroyed: silent,
// not an error).
func EmitTargeted[E Event](b *Bus, key identity.Identity, msg *E) error {
	if !b.cfg.Aliveness.IsAlive(key) {
		return nil
	}
	return emitKeyed(b, Targeted, TargetedAny, key, msg,
		b.accept.targeted.intercept, b.accept.targeted.normal, b.accept.targeted.post)
}

// EmitBroadcast runs the full emission pipeline for a Broadcast message of
// type E originating from key.
func EmitBroadcast[E Event](b *Bus, key identity.Identity, msg *E) error {
	if !b.cfg.Aliveness.IsAlive(key) {
		return nil
	}
	return emitKeyed(b, Broadcast, BroadcastAny, key, msg,
		b.accept.broadcast.intercept, b.accept.broadcast.normal, b.accept.broadcast.post)
}

// emitKeyed implements the shared Targeted/Broadcast pipeline: global
// interceptors for the shape, then the key-specific interceptor list,
// then the "-Any" interceptor list; if not cancelled, key-specific and
// "-Any" Normal handlers interleaved by priority (§4.2's general
// interleave rule for a block), followed by the GlobalAcceptAll handler
// for this shape as a separate sequential sub-phase; then the same
// structure for PostProcessors.
func emitKeyed[E Event](b *Bus, shape, anyShape Shape, key identity.Identity, msg *E,
	globalIntercept *list[globalKeyedInterceptFunc], globalNormal, globalPost *list[globalKeyedNormalFunc]) error {

	t, ok := tableFor[E](b, false)
	es := b.beginEmission(shape, key, msg)
	defer b.finishEmission(es)

	var kl, klAny *keyedLists[E]
	if ok {
		kl = t.keyedFor(shape, key)
		klAny = t.anyFor(anyShape)
	}

	cancelled := runInterceptLevel(b, es, globalIntercept.snapshot(),
		func(fn globalKeyedInterceptFunc) bool { return fn(key, msg) })
	if !cancelled && ok {
		cancelled = runInterceptLevel(b, es, kl.intercept.snapshot(),
			func(fn keyedInterceptFunc[E]) bool { return fn(key, msg) })
	}
	if !cancelled && ok {
		cancelled = runInterceptLevel(b, es, klAny.intercept.snapshot(),
			func(fn keyedInterceptFunc[E]) bool { return fn(key, msg) })
	}
	if cancelled {
		return es.err()
	}

	if ok {
		merged := stableByPriority(kl.normal.snapshot(), klAny.normal.snapshot())
		runEntries(b, es, Normal, merged, func(fn keyedNormalFunc[E]) { fn(key, msg) })
	}
	runEntries(b, es, Normal, globalNormal.snapshot(), func(fn globalKeyedNormalFunc) { fn(key, msg) })

	if ok {
		merged := stableByPriority(kl.post.snapshot(), klAny.post.snapshot())
		runEntries(b, es, PostProcessor, merged, func(fn keyedNormalFunc[E]) { fn(key, msg) })
	}
	es.postRan = true
	runEntries(b, es, PostProcessor, globalPost.snapshot(), func(fn globalKeyedNormalFunc) { fn(key, msg) })

	return es.err()
}

// --- Untyped dispatch -----------------------------------------------

// EmitUntargetedAny is the dynamic-dispatch entry point for an Untargeted
// emission whose concrete type is only known at runtime: msg must be a
// pointer to a type satisfying Event. Exactly one dynamic dispatch
// (a type switch registered by RegisterDynamicEmitter) locates the typed
// Handler Table; the per-type hot path inside it is unaffected.
func EmitUntargetedAny(b *Bus, msg Event) error {
	emit, ok := dynamicEmitters.untargeted[reflect.TypeOf(msg)]
	if !ok {
		return fmt.Errorf("%w: unregistered dynamic event type %T", ErrInvalidInput, msg)
	}
	return emit(b, msg)
}

// EmitTargetedAny is the dynamic-dispatch counterpart of EmitTargeted.
func EmitTargetedAny(b *Bus, key identity.Identity, msg Event) error {
	emit, ok := dynamicEmitters.targeted[reflect.TypeOf(msg)]
	if !ok {
		return fmt.Errorf("%w: unregistered dynamic event type %T", ErrInvalidInput, msg)
	}
	return emit(b, key, msg)
}

// EmitBroadcastAny is the dynamic-dispatch counterpart of EmitBroadcast.
func EmitBroadcastAny(b *Bus, key identity.Identity, msg Event) error {
	emit, ok := dynamicEmitters.broadcast[reflect.TypeOf(msg)]
	if !ok {
		return fmt.Errorf("%w: unregistered dynamic event type %T", ErrInvalidInput, msg)
	}
	return emit(b, key, msg)
}

// dynamicDispatchTable holds the one-time-registered type-erased emit
// functions that back the emit_untyped_* entry points from §4.2. A
// message type only needs registering here if a caller will ever reach
// it through the dynamic-dispatch path; the typed EmitUntargeted/
// EmitTargeted/EmitBroadcast functions never consult it.
type dynamicDispatchTable struct {
	mu         sync.Mutex
	untargeted map[reflect.Type]func(*Bus, Event) error
	targeted   map[reflect.Type]func(*Bus, identity.Identity, Event) error
	broadcast  map[reflect.Type]func(*Bus, identity.Identity, Event) error
}

var dynamicEmitters = &dynamicDispatchTable{
	untargeted: make(map[reflect.Type]func(*Bus, Event) error),
	targeted:   make(map[reflect.Type]func(*Bus, identity.Identity, Event) error),
	broadcast:  make(map[reflect.Type]func(*Bus, identity.Identity, Event) error),
}

// RegisterDynamicEmitter makes type E reachable through EmitUntargetedAny/
// EmitTargetedAny/EmitBroadcastAny. Call it once per message type during
// start-up, typically from an init() alongside the type's definition.
func RegisterDynamicEmitter[E Event]() {
	// Callers and the type assertion below both work in terms of *E
	// (msg is documented as a pointer to the concrete event type), so the
	// map must be keyed on the pointer type, not the value type.
	var zero E
	typ := reflect.TypeOf(&zero)

	dynamicEmitters.mu.Lock()
	defer dynamicEmitters.mu.Unlock()

	dynamicEmitters.untargeted[typ] = func(b *Bus, msg Event) error {
		m := msg.(*E)
		return EmitUntargeted(b, m)
	}
	dynamicEmitters.targeted[typ] = func(b *Bus, key identity.Identity, msg Event) error {
		m := msg.(*E)
		return EmitTargeted(b, key, m)
	}
	dynamicEmitters.broadcast[typ] = func(b *Bus, key identity.Identity, msg Event) error {
		m := msg.(*E)
		return EmitBroadcast(b, key, m)
	}
}
