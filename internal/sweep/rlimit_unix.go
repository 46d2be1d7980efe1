//go:build !windows

package sweep

import "golang.org/x/sys/unix"

// raiseFileLimit raises RLIMIT_NOFILE to the hard ceiling so a
// bounded-parallel sweep with a few hundred concurrent dials doesn't
// exhaust file descriptors under a low default soft limit.
func raiseFileLimit() {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return
	}
	if rlim.Cur >= rlim.Max {
		return
	}
	rlim.Cur = rlim.Max
	_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
}
