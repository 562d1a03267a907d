package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kardianos/sshvault/vdef"
	"golang.org/x/crypto/ssh"
)

func runKeyPairMode(ctx context.Context, args []string) error {
	cmd, args, err := splitCommand("keypair", args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("keypair "+cmd, flag.ExitOnError)
	vf := addVaultFlags(fs)

	switch cmd {
	case "add":
		id := fs.String("id", "", "Key pair id (generated when empty)")
		name := fs.String("name", "", "Display name")
		keyFile := fs.String("key", "", "Private key file (required)")
		pubFile := fs.String("pub", "", "Public key file (derived from the private key when empty)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *keyFile == "" {
			return fmt.Errorf("keypair add: -key is required")
		}
		kp, err := readKeyPair(*id, *name, expandHome(*keyFile), expandHome(*pubFile))
		if err != nil {
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
		if err := v.SaveKeyPair(kp); err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + " Saved key pair " + color.YellowString(kp.ID))
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
		all, err := v.GetAllKeyPairs()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println(color.YellowString("!") + " No key pairs in " + v.Path())
			return nil
		}
		for _, kp := range all {
			pub := "-"
			if kp.PublicKey != "" {
				pub = strings.TrimSpace(kp.PublicKey)
			}
			fmt.Printf("%s  %s  %s\n", color.CyanString(kp.ID), kp.Name, pub)
		}
		return nil

	case "remove":
		id := fs.String("id", "", "Key pair id (required)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *id == "" {
			return fmt.Errorf("keypair remove: -id is required")
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
		if err := v.DeleteKeyPair(*id); err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + " Removed key pair " + color.YellowString(*id))
		return nil

	default:
		return fmt.Errorf("keypair: unknown command %q", cmd)
	}
}

// readKeyPair loads key files. Without a public key file the public key is
// derived from an unencrypted private key.
func readKeyPair(id, name, keyFile, pubFile string) (vdef.KeyPair, error) {
	priv, err := os.ReadFile(keyFile)
	if err != nil {
		return vdef.KeyPair{}, fmt.Errorf("read private key: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
	}
	kp := vdef.KeyPair{ID: id, Name: name, PrivateKey: string(priv)}

	if pubFile != "" {
		pub, err := os.ReadFile(pubFile)
		if err != nil {
			return vdef.KeyPair{}, fmt.Errorf("read public key: %w", err)
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey(pub); err != nil {
			return vdef.KeyPair{}, fmt.Errorf("parse public key: %w", err)
		}
		kp.PublicKey = string(pub)
		return kp, nil
	}

	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		// Encrypted keys are stored as is. connect decrypts them with the
		// passphrase from -ask-passphrase or SSHVAULT_KEY_PASSPHRASE.
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			if missing.PublicKey != nil {
				kp.PublicKey = string(ssh.MarshalAuthorizedKey(missing.PublicKey))
			}
			return kp, nil
		}
		return vdef.KeyPair{}, fmt.Errorf("parse private key: %w", err)
	}
	kp.PublicKey = string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	return kp, nil
}
