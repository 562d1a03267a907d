//go:build windows

package main

import (
	"os"
	"path/filepath"
)

func defaultDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		return expandHome(filepath.Join("~", "sshvault"))
	}
	return filepath.Join(appData, "sshvault")
}
