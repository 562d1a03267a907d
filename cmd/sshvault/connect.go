package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kardianos/sshvault/sshconn"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func runConnectMode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sshvault connect [options] <backend-id>...\n\nConnects and holds tunnels open until interrupted.\n\n")
		fs.PrintDefaults()
	}
	vf := addVaultFlags(fs)
	knownHostsFile := fs.String("known-hosts", "", "known_hosts file (overrides config)")
	insecure := fs.Bool("insecure", false, "Do not verify server host keys")
	askPassphrase := fs.Bool("ask-passphrase", false, "Prompt for the passphrase of encrypted private keys (or set "+keyPassphraseEnv+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := fs.Args()
	if len(ids) == 0 {
		fs.Usage()
		return fmt.Errorf("connect: at least one backend id is required")
	}

	cfg, err := vf.load(fs)
	if err != nil {
		return err
	}
	if *knownHostsFile != "" {
		cfg.KnownHosts = *knownHostsFile
	}
	if *insecure {
		cfg.Insecure = true
	}

	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return err
	}

	passphrase, err := readKeyPassphrase(*askPassphrase)
	if err != nil {
		return err
	}
	defer clear(passphrase)

	v, err := openVault(cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	mcfg := cfg.managerConfig()
	mcfg.Observer = &consoleObserver{out: os.Stderr}
	m := sshconn.New(v, &sshconn.SSHDialer{HostKeyCallback: hostKeys, Passphrase: passphrase}, mcfg)
	defer m.Close()

	for _, id := range ids {
		if _, err := m.Connect(ctx, id); err != nil {
			return fmt.Errorf("connect %s: %w", id, err)
		}
		for _, addr := range m.Listeners(id) {
			fmt.Fprintf(os.Stderr, "%s listening on %s\n", id, addr)
		}
	}

	<-ctx.Done()
	return nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(cfg.KnownHosts))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}
