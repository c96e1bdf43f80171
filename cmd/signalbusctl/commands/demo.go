package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/signalforge/signalbus/dispatch"
	"github.com/signalforge/signalbus/identity"
	"github.com/signalforge/signalbus/internal/config"
)

// pingEvent is the sample message type the demo and report commands fire.
// It embeds dispatch.BaseEvent the same way any real host-defined event
// would.
type pingEvent struct {
	dispatch.BaseEvent
	Sequence int
	Note     string
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Register sample handlers and fire a few emissions",
	Long: `demo builds a Bus from the active configuration, registers a small
set of Untargeted, Targeted, and Broadcast handlers keyed by freshly minted
identities, fires one emission of each shape, and prints the resulting
diagnostic ring as a table.`,
	RunE: runDemo,
}

func newDemoIdentity() identity.Identity {
	id := uuid.New()
	// Fold the UUID's low 8 bytes into a 64-bit identity; collisions
	// are astronomically unlikely for a demo run and the dispatch
	// engine only requires the value be stable and distinct for the
	// entity's lifetime, not globally unique.
	hi := uint64(0)
	for _, b := range id[8:] {
		hi = hi<<8 | uint64(b)
	}
	return identity.New(hi)
}

// runDiagnosticSample builds a Bus from cfg, registers the demo handler
// set, fires one emission per shape, and returns the resulting bus
// alongside its diagnostic ring. Shared by the demo and report commands so
// both see an identical run.
func runDiagnosticSample(cfg *config.Config) (*dispatch.Bus, []dispatch.EmissionRecord, []string, error) {
	bus := dispatch.NewBus(cfg.ToBusConfig(identity.AlwaysAlive, nil))

	alice := newDemoIdentity()
	bob := newDemoIdentity()

	var fired []string
	if _, _, err := dispatch.RegisterUntargeted(bus, func(e *pingEvent) {
		fired = append(fired, fmt.Sprintf("untargeted: %s", e.Note))
	}); err != nil {
		return nil, nil, nil, err
	}
	if _, _, err := dispatch.RegisterTargeted(bus, alice, func(key identity.Identity, e *pingEvent) {
		fired = append(fired, fmt.Sprintf("targeted(alice): %s", e.Note))
	}); err != nil {
		return nil, nil, nil, err
	}
	if _, _, err := dispatch.RegisterBroadcast(bus, bob, func(key identity.Identity, e *pingEvent) {
		fired = append(fired, fmt.Sprintf("broadcast(from bob): %s", e.Note))
	}); err != nil {
		return nil, nil, nil, err
	}

	if err := dispatch.EmitUntargeted(bus, &pingEvent{Sequence: 1, Note: "hello, untargeted"}); err != nil {
		return nil, nil, nil, err
	}
	if err := dispatch.EmitTargeted(bus, alice, &pingEvent{Sequence: 2, Note: "hello, alice"}); err != nil {
		return nil, nil, nil, err
	}
	if err := dispatch.EmitBroadcast(bus, bob, &pingEvent{Sequence: 3, Note: "bob says hi"}); err != nil {
		return nil, nil, nil, err
	}

	return bus, bus.Diagnostics(), fired, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The demo's whole point is to show the diagnostic ring, so force
	// bus-level diagnostics on regardless of the active config.
	cfg.Diagnostics = "bus"

	bus, records, fired, err := runDiagnosticSample(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	for _, line := range fired {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"seq", "type", "shape", "context", "status"})
	for _, rec := range records {
		status := "ok"
		switch {
		case rec.Cancelled:
			status = "cancelled"
		case rec.Fault != nil:
			status = "fault: " + rec.Fault.Error()
		}
		table.Append([]string{
			fmt.Sprintf("%d", rec.SequenceID),
			rec.TypeName,
			rec.Shape.String(),
			rec.Context.String(),
			status,
		})
	}
	table.Render()

	return nil
}
