// Package pkg provides shared utilities for the USB driver packages.
//
// It contains:
//
//   - Component-tagged structured logging via [log/slog]
//   - Sentinel errors for USB protocol and controller conditions
//
// # Logging
//
// Driver code logs through the package-level helpers so a daemon can
// redirect everything with [SetLogger]:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogDebug(pkg.ComponentControl, "setup", "request", 0x0680)
//
// Interrupt paths guard expensive attribute construction with [LogEnabled].
//
// # Errors
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // the host saw a STALL handshake
//	}
package pkg
