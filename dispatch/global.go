package dispatch

import (
	"sync"

	"github.com/signalforge/signalbus/identity"
)

var (
	globalMu   sync.Mutex
	globalBus  *Bus
	defaultCfg = DefaultBusConfig()
)

func init() {
	globalBus = NewBus(defaultCfg)
}

// DefaultBus returns the process-wide default Bus. Most hosts only ever
// need this one instance; EmitUntargetedGlobal and friends are shorthand
// for calling the typed Emit functions against it.
func DefaultBus() *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalBus
}

// SetDefaultBus replaces the process-wide default Bus and returns the
// previous one, so a caller (typically a test) can restore it later.
func SetDefaultBus(b *Bus) *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	prev := globalBus
	globalBus = b
	return prev
}

// Reset restores all process-wide mutable state to its defaults, per §5:
// a fresh default Bus (diagnostics off, default buffer size, emission
// counter back to zero), and the registration handle counter rewound to
// zero. The Message Type Registry is deliberately untouched — its
// indices and total count are stable for the life of the process and
// Reset must never perturb them (invariant 4 of §3).
func Reset() {
	globalMu.Lock()
	globalBus = NewBus(defaultCfg)
	globalMu.Unlock()

	resetHandleCounter()
}

// EmitUntargetedGlobal emits msg as an Untargeted message on the default
// Bus.
func EmitUntargetedGlobal[E Event](msg *E) error {
	return EmitUntargeted(DefaultBus(), msg)
}

// EmitTargetedGlobal emits msg as a Targeted message addressed to key on
// the default Bus.
func EmitTargetedGlobal[E Event](key identity.Identity, msg *E) error {
	return EmitTargeted(DefaultBus(), key, msg)
}

// EmitBroadcastGlobal emits msg as a Broadcast message originating from
// key on the default Bus.
func EmitBroadcastGlobal[E Event](key identity.Identity, msg *E) error {
	return EmitBroadcast(DefaultBus(), key, msg)
}
