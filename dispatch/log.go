package dispatch

import "github.com/btcsuite/btclog/v2"

// log is the package-wide logger, wired into the host application's
// HandlerSet: a disabled sink by default, swapped for a real one via
// UseLogger during application start-up.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-wide logger used by the dispatch engine. Call
// it once during start-up, before constructing any Bus, with a logger
// built from the application's btclog HandlerSet.
func UseLogger(logger btclog.Logger) {
	log = logger
}
