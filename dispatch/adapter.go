package dispatch

import "github.com/signalforge/signalbus/identity"

// This file documents and implements the host adapter contract from §6:
// the small set of calls a host engine's entity/component layer is
// expected to make into the core. Converting a host-native object or
// component reference into an identity.Identity is entirely the host's
// concern (the core never mints identities); is_alive is satisfied by
// whatever identity.Aliveness a Bus is configured with. OnEnable,
// OnDisable, and OnDestroy below are the three lifecycle callbacks the
// host drives the core with.

// OnEnable mirrors a host component's enable event into the core by
// re-activating every handler tok owns. It is equivalent to calling
// tok.Enable() directly; it exists as a named entry point so a host
// adapter's lifecycle dispatch table reads the same as §6's contract.
func OnEnable(tok *Token) {
	tok.Enable()
}

// OnDisable mirrors a host component's disable event into the core.
func OnDisable(tok *Token) {
	tok.Disable()
}

// OnDestroy mirrors a host entity or component's destruction into the
// core: every handler entry addressed to id across every message type on
// b is deactivated, and any Token owned by id is disabled. See
// Bus.Deactivate for the mechanics.
func OnDestroy(b *Bus, id identity.Identity) {
	b.Deactivate(id)
}
