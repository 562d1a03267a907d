//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package vcrypt

import "golang.org/x/sys/unix"

// lockMemory keeps key material out of swap. Failure (for example RLIMIT_MEMLOCK) is ignored.
func lockMemory(b []byte) {
	_ = unix.Mlock(b)
}

func unlockMemory(b []byte) {
	_ = unix.Munlock(b)
}
