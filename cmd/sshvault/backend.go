package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kardianos/sshvault/vdef"
)

func runBackendMode(ctx context.Context, args []string) error {
	cmd, args, err := splitCommand("backend", args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("backend "+cmd, flag.ExitOnError)
	vf := addVaultFlags(fs)

	switch cmd {
	case "add":
		b := vdef.Backend{}
		var tunnels tunnelsFlag
		fs.StringVar(&b.ID, "id", "", "Backend id (generated when empty)")
		fs.StringVar(&b.Name, "name", "", "Display name")
		fs.StringVar(&b.Host, "host", "", "SSH host (required)")
		fs.IntVar(&b.Port, "port", 22, "SSH port")
		fs.StringVar(&b.Username, "user", "", "SSH user (required)")
		fs.StringVar(&b.KeyPairID, "keypair", "", "Key pair id (required)")
		fs.StringVar(&b.Data, "data", "", "Opaque data stored with the backend")
		fs.Var(&tunnels, "tunnel", "Local forward local:remote or local:host:remote (repeatable)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
		if b.Name == "" {
			b.Name = b.Host
		}
		b.Tunnels = tunnels
		if err := b.Validate(); err != nil {
			return err
		}

		cfg, err := vf.load(fs)
		if err != nil {
			return err
		}
		v, err := openVault(cfg)
		if err != nil {
			return err
		}
		defer v.Close()
		kp, err := v.GetKeyPair(b.KeyPairID)
		if err != nil {
			return err
		}
		if kp == nil {
			return &vdef.NotFoundError{Kind: "key pair", ID: b.KeyPairID}
		}
		if err := v.SaveBackend(b); err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + " Saved backend " + color.YellowString(b.ID))
		return nil

	case "list":
		if err := fs.Parse(args); err != nil {
			return err
		}
		cfg, err := vf.load(fs)
		if err != nil {
			return err
		}
		v, err := openVault(cfg)
		if err != nil {
			return err
		}
		defer v.Close()
		all, err := v.GetAllBackends()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println(color.YellowString("!") + " No backends in " + v.Path())
			return nil
		}
		for _, b := range all {
			fmt.Println(formatBackend(b))
		}
		return nil

	case "remove":
		id := fs.String("id", "", "Backend id (required)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *id == "" {
			return fmt.Errorf("backend remove: -id is required")
		}
		cfg, err := vf.load(fs)
		if err != nil {
			return err
		}
		v, err := openVault(cfg)
		if err != nil {
			return err
		}
		defer v.Close()
		if err := v.DeleteBackend(*id); err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + " Removed backend " + color.YellowString(*id))
		return nil

	default:
		return fmt.Errorf("backend: unknown command %q", cmd)
	}
}

func formatBackend(b vdef.Backend) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %s  %s@%s:%d  key=%s", color.CyanString(b.ID), b.Name, b.Username, b.Host, b.Port, b.KeyPairID)
	for _, t := range b.Tunnels {
		sb.WriteString("\n    " + color.CyanString("→") + " " + t.String())
	}
	return sb.String()
}
