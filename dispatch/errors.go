package dispatch

import "errors"

// Sentinel errors returned by the registration surface. Runtime dispatch
// faults (handler panics/errors) are reported through FaultError instead,
// since they carry per-fault context the registration errors do not need.
var (
	// ErrInvalidInput is returned when a registration call is given a
	// nil handler function, an invalid (zero) Handle where a live one is
	// required, or an otherwise malformed shape parameter.
	ErrInvalidInput = errors.New("dispatch: invalid input")

	// ErrOwnershipMismatch is returned when a Token is asked to operate
	// against a Bus other than the one it was bound to at construction.
	ErrOwnershipMismatch = errors.New("dispatch: owner mismatch")

	// ErrBusClosed is returned by registration calls once a Bus has been
	// shut down and should no longer accept new handlers.
	ErrBusClosed = errors.New("dispatch: bus is closed")
)

// FaultError wraps a panic or error value recovered from inside a user
// handler. It is attached to the emission record that diagnostics capture
// and, when fault isolation is disabled (the default), is the value
// Emit-family functions return.
type FaultError struct {
	// Shape is the dispatch shape of the emission during which the
	// fault occurred.
	Shape Shape

	// Kind is the handler kind that faulted (almost always Normal,
	// since interceptor/post-processor faults are reported the same
	// way but are rarer in practice).
	Kind Kind

	// Handle identifies the specific handler entry that faulted.
	Handle Handle

	// Err is the underlying error. For a recovered panic that was not
	// itself an error, Err wraps the panic value with fmt.Errorf.
	Err error
}

func (f *FaultError) Error() string {
	return "dispatch: handler fault (" + f.Shape.String() + "/" + f.Kind.String() + "): " + f.Err.Error()
}

func (f *FaultError) Unwrap() error {
	return f.Err
}
