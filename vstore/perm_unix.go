//go:build !windows && !plan9

package vstore

import (
	"fmt"
	"os"

	"github.com/kardianos/sshvault/vdef"
)

func checkPerm(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", vdef.ErrIO, path, err)
	}
	if mode := fi.Mode().Perm(); mode != 0600 {
		return fmt.Errorf("%w: %s has mode %04o", vdef.ErrPermission, path, mode)
	}
	return nil
}
