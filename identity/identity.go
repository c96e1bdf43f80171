// Package identity defines the opaque entity identifier used throughout the
// dispatch engine as a targeting and sourcing key. The core never mints
// identities itself; a host engine's entity/component system is responsible
// for producing stable, distinct values for the things it wants to address.
package identity

import "fmt"

// Identity is an opaque 64-bit handle for an addressable entity (or
// component) in the host engine. Two Identity values compare equal if and
// only if they were derived from the same underlying reference. The zero
// value, None, is reserved and never matches a real entity.
type Identity uint64

// None is the reserved sentinel identity representing "no entity". It never
// matches a live entity and Identity.IsNone reports true only for it.
const None Identity = 0

// New wraps a raw, externally-supplied 64-bit value as an Identity. Callers
// are responsible for ensuring the raw value is stable for the lifetime of
// the entity it names and distinct from any unrelated entity, including a
// component living on the same container as another addressable entity.
//
// For example, an object and a component attached to that object must be
// converted to distinct Identity values even though both name "the same
// container", so that "targeted at the object" and "targeted at the
// component" remain separate subscription keys.
func New(raw uint64) Identity {
	return Identity(raw)
}

// IsNone reports whether id is the reserved "no entity" sentinel.
func (id Identity) IsNone() bool {
	return id == None
}

// Raw returns the underlying 64-bit value, primarily for adapters that need
// to log or hash the identity alongside engine-native identifiers.
func (id Identity) Raw() uint64 {
	return uint64(id)
}

// String implements fmt.Stringer for diagnostic output.
func (id Identity) String() string {
	if id.IsNone() {
		return "identity(none)"
	}
	return fmt.Sprintf("identity(%d)", uint64(id))
}

// Aliveness reports whether an Identity currently refers to a live entity.
// The dispatch engine asks a host-supplied Aliveness before delivering
// targeted or broadcast emissions, so that messages addressed to a
// just-destroyed entity quietly match nothing instead of erroring. The
// engine never implements this itself; it is satisfied by the host adapter
// (see the host adapter contract in the dispatch package's adapter.go).
type Aliveness interface {
	// IsAlive reports whether id still names a live entity.
	IsAlive(id Identity) bool
}

// AliveFunc adapts a plain function to the Aliveness interface.
type AliveFunc func(Identity) bool

// IsAlive implements Aliveness.
func (f AliveFunc) IsAlive(id Identity) bool {
	if f == nil {
		return true
	}
	return f(id)
}

// AlwaysAlive is the default Aliveness used when a host does not wire in a
// real liveness check: every identity is considered alive.
var AlwaysAlive Aliveness = AliveFunc(nil)
