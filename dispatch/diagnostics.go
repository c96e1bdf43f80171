package dispatch

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/signalforge/signalbus/identity"
)

// DiagnosticsTarget selects which diagnostic rings are populated while an
// emission runs. Capturing a stack trace on every emission is not free, so
// diagnostics default to Off.
type DiagnosticsTarget uint8

const (
	// DiagnosticsOff disables both the per-bus and per-token emission
	// rings. This is the default.
	DiagnosticsOff DiagnosticsTarget = iota

	// DiagnosticsBus populates only the Bus's emission ring.
	DiagnosticsBus

	// DiagnosticsToken populates only the emission rings of Tokens whose
	// handlers fire.
	DiagnosticsToken

	// DiagnosticsAll populates both the Bus's ring and every firing
	// Token's ring.
	DiagnosticsAll
)

func (d DiagnosticsTarget) String() string {
	switch d {
	case DiagnosticsOff:
		return "off"
	case DiagnosticsBus:
		return "bus"
	case DiagnosticsToken:
		return "token"
	case DiagnosticsAll:
		return "all"
	default:
		return "diagnostics(?)"
	}
}

// bus-level diagnostic target bit, checked independently of token-level so
// the two rings really are independent as §4.5 requires.
const (
	diagBus = 1 << iota
	diagToken
)

func (d DiagnosticsTarget) bits() int {
	switch d {
	case DiagnosticsBus:
		return diagBus
	case DiagnosticsToken:
		return diagToken
	case DiagnosticsAll:
		return diagBus | diagToken
	default:
		return 0
	}
}

// EmissionRecord is one entry in a diagnostic ring: a snapshot of a single
// emission's identity, for post-hoc inspection by a host's debug tooling.
type EmissionRecord struct {
	// SequenceID is the emission's sequence number on the Bus that ran it
	// (each Bus keeps its own counter).
	SequenceID uint64

	// MessageTypeIndex is the dense index the Message Type Registry
	// assigned the emitted message's concrete type.
	MessageTypeIndex int

	// TypeName is the emitted message's concrete Go type name, kept
	// alongside the index since the index alone is meaningless to a
	// human reading a diagnostic dump.
	TypeName string

	// Shape is the dispatch shape of the emission.
	Shape Shape

	// Context is the addressing key for Targeted/Broadcast emissions, or
	// identity.None for Untargeted.
	Context identity.Identity

	// Cancelled reports whether an interceptor vetoed this emission.
	Cancelled bool

	// Fault is non-nil if a handler faulted during this emission.
	Fault *FaultError

	// Stack is the captured call stack at the point of emission, with
	// frames inside this package filtered out so a host sees only its
	// own call site.
	Stack string

	// Timestamp is the wall-clock time the emission began.
	Timestamp time.Time
}

// String renders a one-line human-readable summary, convenient for a CLI
// or log line dumping the ring.
func (r EmissionRecord) String() string {
	status := "ok"
	switch {
	case r.Cancelled:
		status = "cancelled"
	case r.Fault != nil:
		status = "fault: " + r.Fault.Error()
	}
	return fmt.Sprintf("#%d %s(%s) ctx=%s [%s]",
		r.SequenceID, r.TypeName, r.Shape, r.Context, status)
}

// captureStack returns the current goroutine's stack trace with frames
// belonging to this package filtered out, per §4.5's "engine-internal
// frames filtered out" requirement. skip is the number of additional
// caller frames (beyond captureStack itself) to discard before filtering,
// letting call sites avoid surfacing their own emission-pipeline frames.
func captureStack(skip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "signalforge/signalbus/dispatch.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
