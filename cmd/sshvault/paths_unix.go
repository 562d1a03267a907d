//go:build !windows

package main

import "path/filepath"

// defaultDir holds the vault and config file unless configured otherwise.
func defaultDir() string {
	return expandHome(filepath.Join("~", ".sshvault"))
}
