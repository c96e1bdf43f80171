package dispatch

import (
	"fmt"

	"github.com/signalforge/signalbus/identity"
	"github.com/signalforge/signalbus/internal/ring"
)

// Token is the subscriber-facing aggregate described in §4.4: a bundle of
// handler entries bound to exactly one Bus, with a single Enable/Disable
// switch that flips every entry it owns in one step. A Token's handles can
// only ever be invoked through the Bus it was created against (invariant 5
// of §3); registering against a different Bus with the same Token is
// rejected with ErrOwnershipMismatch.
type Token struct {
	owner   identity.Identity
	bus     *Bus
	enabled bool

	// handles maps each owned Handle to a closure that soft-deletes its
	// entry in whichever concretely-typed Handler List it lives in. The
	// closure is what lets a single homogeneous Token manage handles
	// spread across heterogeneously-typed tables (one per event type).
	handles map[Handle]func() bool

	// Diagnostics, populated lazily only when the bus's diagnostics
	// target includes Token.
	callCounts map[Handle]int
	emissions  *ring.Buffer[EmissionRecord]
}

// NewToken creates a Token bound to bus, optionally associated with owner
// (pass identity.None for a subscriber with no single owning entity, such
// as a system-level service). If a live Token already exists for this
// (owner, bus) pair and owner is not identity.None, the existing Token is
// returned instead of creating a second one, matching the idempotent
// factory behavior required by §4.4.
func NewToken(bus *Bus, owner identity.Identity) (*Token, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: nil bus", ErrInvalidInput)
	}

	if !owner.IsNone() {
		bus.mu.Lock()
		if existing, ok := bus.tokensByOwner[owner]; ok {
			bus.mu.Unlock()
			return existing, nil
		}
		bus.mu.Unlock()
	}

	tok := &Token{
		owner:   owner,
		bus:     bus,
		enabled: true,
		handles: make(map[Handle]func() bool),
	}

	if bus.diagnosticsFor(diagToken) {
		tok.callCounts = make(map[Handle]int)
		tok.emissions = ring.New[EmissionRecord](bus.bufferSize())
	}

	if !owner.IsNone() {
		bus.mu.Lock()
		bus.tokensByOwner[owner] = tok
		bus.mu.Unlock()
	}

	return tok, nil
}

// Owner returns the entity this token was created for, or identity.None.
func (t *Token) Owner() identity.Identity {
	return t.owner
}

// Bus returns the Bus this token is bound to.
func (t *Token) Bus() *Bus {
	return t.bus
}

// Enabled reports the token's current activation state.
func (t *Token) Enabled() bool {
	return t.enabled
}

// Enable re-activates every entry owned by this token. Entries registered
// while the token was disabled start inactive and light up here, on the
// first Enable call that follows their registration.
func (t *Token) Enable() {
	t.enabled = true
}

// Disable deactivates every entry owned by this token without removing
// them. Disabled entries are skipped at call time by any in-flight
// emission's snapshot, even one that already captured them (§4.3).
func (t *Token) Disable() {
	t.enabled = false
}

// own records a newly-registered handle and its remover. The entry's
// active state is not stored here: entry.active() reads the token's
// enabled flag at call time.
func (t *Token) own(h Handle, remove func() bool) {
	t.handles[h] = remove
}

// RemoveRegistration removes the single entry named by h. It is a no-op,
// returning false, for a handle this token does not own (including an
// already-removed one), matching the idempotence §4.4 requires.
func (t *Token) RemoveRegistration(h Handle) bool {
	remove, ok := t.handles[h]
	if !ok {
		return false
	}
	delete(t.handles, h)
	return remove()
}

// UnregisterAll removes every entry this token owns. After it returns, no
// handler owned by this token will fire again, satisfying testable
// property §8.5.
func (t *Token) UnregisterAll() {
	for h, remove := range t.handles {
		remove()
		delete(t.handles, h)
	}
}

// recordInvocation updates this token's diagnostics for one handler call,
// when token-level diagnostics are enabled.
func (t *Token) recordInvocation(h Handle, rec EmissionRecord) {
	if t.callCounts == nil {
		return
	}
	t.callCounts[h]++
	t.emissions.Add(rec)
}

// CallCount returns how many times the handler named by h has fired
// through this token. It is always zero when token-level diagnostics are
// off.
func (t *Token) CallCount(h Handle) int {
	return t.callCounts[h]
}

// Emissions returns this token's diagnostic ring, oldest first. It is
// empty (never nil) when token-level diagnostics are off.
func (t *Token) Emissions() []EmissionRecord {
	if t.emissions == nil {
		return []EmissionRecord{}
	}
	return t.emissions.Items()
}
