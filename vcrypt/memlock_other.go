//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package vcrypt

func lockMemory(b []byte) {}

func unlockMemory(b []byte) {}
