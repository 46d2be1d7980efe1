//go:build windows

package sweep

// raiseFileLimit is a no-op on platforms without POSIX rlimits.
func raiseFileLimit() {}
