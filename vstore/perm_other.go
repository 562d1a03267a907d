//go:build windows || plan9

package vstore

// checkPerm is a no-op where files carry no POSIX permission bits.
func checkPerm(path string) error {
	return nil
}
