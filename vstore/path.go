package vstore

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kardianos/sshvault/vdef"
)

var validPathRegex = regexp.MustCompile(`^[A-Za-z0-9_\-./\\: ~]+$`)

// cleanPath rejects traversal and unexpected characters, then normalizes path.
func cleanPath(path string) (string, error) {
	if path == "" {
		return "", &vdef.ValidationError{Field: "path", Reason: "cannot be empty"}
	}
	if !validPathRegex.MatchString(path) {
		return "", &vdef.ValidationError{Field: "path", Reason: "contains invalid characters"}
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", &vdef.ValidationError{Field: "path", Reason: "must not contain .. segments"}
		}
	}
	return filepath.Clean(path), nil
}
