package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kardianos/sshvault/sshconn"
	"github.com/kardianos/sshvault/vault"
	"github.com/kardianos/sshvault/vdef"
	"golang.org/x/term"
)

const (
	passwordEnv      = "SSHVAULT_PASSWORD"
	keyPassphraseEnv = "SSHVAULT_KEY_PASSPHRASE"
)

// Config is the optional TOML configuration file.
type Config struct {
	Vault      string        `toml:"vault"`
	Store      string        `toml:"store"` // "json" or "bolt"
	MaxSize    int64         `toml:"max_size"`
	KnownHosts string        `toml:"known_hosts"`
	Insecure   bool          `toml:"insecure"`
	Manager    ManagerConfig `toml:"manager"`
}

// ManagerConfig mirrors sshconn.Config.
type ManagerConfig struct {
	ConnectionTimeout        time.Duration `toml:"connection_timeout"`
	MaxConcurrentConnections int           `toml:"max_concurrent_connections"`
	MaxConnectionAttempts    int           `toml:"max_connection_attempts"`
	AttemptResetWindow       time.Duration `toml:"attempt_reset_window"`
}

func defaultConfig() Config {
	return Config{
		Vault:      filepath.Join(defaultDir(), "vault.json"),
		Store:      "json",
		KnownHosts: "~/.ssh/known_hosts",
	}
}

// loadConfig reads path over the defaults. A missing file is not an error
// unless required is set.
func loadConfig(path string, required bool) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(expandHome(path), &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}
	switch cfg.Store {
	case "json", "bolt":
	default:
		return cfg, fmt.Errorf("load config %s: store must be json or bolt, got %q", path, cfg.Store)
	}
	return cfg, nil
}

func (c Config) managerConfig() sshconn.Config {
	return sshconn.Config{
		ConnectionTimeout:        c.Manager.ConnectionTimeout,
		MaxConcurrentConnections: c.Manager.MaxConcurrentConnections,
		MaxConnectionAttempts:    c.Manager.MaxConnectionAttempts,
		AttemptResetWindow:       c.Manager.AttemptResetWindow,
	}
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// vaultFlags are shared by every mode.
type vaultFlags struct {
	config string
	vault  string
	store  string
}

func addVaultFlags(fs *flag.FlagSet) *vaultFlags {
	vf := &vaultFlags{}
	fs.StringVar(&vf.config, "config", filepath.Join(defaultDir(), "config.toml"), "Configuration file")
	fs.StringVar(&vf.vault, "vault", "", "Vault path (overrides config)")
	fs.StringVar(&vf.store, "store", "", "Vault store: json or bolt (overrides config)")
	return vf
}

// load returns the effective configuration with flag overrides applied.
func (vf *vaultFlags) load(fs *flag.FlagSet) (Config, error) {
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	cfg, err := loadConfig(vf.config, explicit)
	if err != nil {
		return cfg, err
	}
	if vf.vault != "" {
		cfg.Vault = vf.vault
	}
	if vf.store != "" {
		cfg.Store = vf.store
	}
	return cfg, nil
}

// openVault opens and unlocks the configured vault.
func openVault(cfg Config) (*vault.Vault, error) {
	var opts []vault.Option
	if cfg.MaxSize > 0 {
		opts = append(opts, vault.WithMaxSize(cfg.MaxSize))
	}
	switch cfg.Store {
	case "bolt":
		opts = append(opts, vault.WithBolt())
	case "json", "":
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	v, err := vault.Open(expandHome(cfg.Vault), opts...)
	if err != nil {
		return nil, err
	}
	pw, err := readPassword()
	if err != nil {
		return nil, err
	}
	if err := v.Connect(pw); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func readPassword() ([]byte, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return []byte(pw), nil
	}
	return promptSecret("Vault password", passwordEnv)
}

// readKeyPassphrase returns the passphrase for encrypted private keys. The
// environment wins; otherwise the user is prompted only when ask is set.
func readKeyPassphrase(ask bool) ([]byte, error) {
	if pp := os.Getenv(keyPassphraseEnv); pp != "" {
		return []byte(pp), nil
	}
	if !ask {
		return nil, nil
	}
	return promptSecret("Key passphrase", keyPassphraseEnv)
}

func promptSecret(label, env string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal for %s prompt; set %s", strings.ToLower(label), env)
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return pw, nil
}

// tunnelsFlag collects repeated -tunnel values.
type tunnelsFlag []vdef.TunnelConfig

func (f *tunnelsFlag) String() string {
	parts := make([]string, len(*f))
	for i, t := range *f {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

func (f *tunnelsFlag) Set(s string) error {
	t, err := parseTunnel(s)
	if err != nil {
		return err
	}
	*f = append(*f, t)
	return nil
}

// parseTunnel parses "local:remote" or "local:host:remote".
func parseTunnel(s string) (vdef.TunnelConfig, error) {
	parts := strings.Split(s, ":")
	var local, remote, host string
	switch len(parts) {
	case 2:
		local, remote = parts[0], parts[1]
	case 3:
		local, host, remote = parts[0], parts[1], parts[2]
	default:
		return vdef.TunnelConfig{}, fmt.Errorf("tunnel %q: want local:remote or local:host:remote", s)
	}
	lp, err := strconv.Atoi(local)
	if err != nil {
		return vdef.TunnelConfig{}, fmt.Errorf("tunnel %q: local port: %w", s, err)
	}
	rp, err := strconv.Atoi(remote)
	if err != nil {
		return vdef.TunnelConfig{}, fmt.Errorf("tunnel %q: remote port: %w", s, err)
	}
	t := vdef.TunnelConfig{LocalPort: lp, RemotePort: rp, RemoteHost: host}
	if err := t.Validate(); err != nil {
		return vdef.TunnelConfig{}, err
	}
	return t, nil
}
