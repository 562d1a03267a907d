package vdef

import (
	"regexp"
)

// validIDRegex matches record ids. Ids become part of store keys, so only
// alphanumeric characters, hyphens and underscores are allowed.
var validIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID checks that id is usable as a key pair or backend id.
func ValidateID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: "cannot be empty"}
	}
	if !validIDRegex.MatchString(id) {
		return &ValidationError{Field: field, Reason: "must contain only alphanumeric characters, hyphens, and underscores"}
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{Field: field, Reason: "must be between 1 and 65535"}
	}
	return nil
}

// Validate checks a key pair before it is stored.
func (kp KeyPair) Validate() error {
	if err := ValidateID("keypair.id", kp.ID); err != nil {
		return err
	}
	if kp.PrivateKey == "" {
		return &ValidationError{Field: "keypair.privateKey", Reason: "cannot be empty"}
	}
	return nil
}

// Validate checks a tunnel config.
func (t TunnelConfig) Validate() error {
	if err := validatePort("tunnel.localPort", t.LocalPort); err != nil {
		return err
	}
	return validatePort("tunnel.remotePort", t.RemotePort)
}

// Validate checks a backend before it is stored.
func (b Backend) Validate() error {
	if err := ValidateID("backend.id", b.ID); err != nil {
		return err
	}
	if b.Host == "" {
		return &ValidationError{Field: "backend.host", Reason: "cannot be empty"}
	}
	if err := validatePort("backend.port", b.Port); err != nil {
		return err
	}
	if b.Username == "" {
		return &ValidationError{Field: "backend.username", Reason: "cannot be empty"}
	}
	if err := ValidateID("backend.keyPairId", b.KeyPairID); err != nil {
		return err
	}
	seen := make(map[int]bool, len(b.Tunnels))
	for _, t := range b.Tunnels {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.LocalPort] {
			return &ValidationError{Field: "tunnel.localPort", Reason: "duplicate local port"}
		}
		seen[t.LocalPort] = true
	}
	return nil
}
