// Command sshvault manages an encrypted SSH credential vault and holds SSH
// connections with local port forwards open.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	mode := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var err error
	switch mode {
	case "keypair":
		err = runKeyPairMode(ctx, args)
	case "backend":
		err = runBackendMode(ctx, args)
	case "connect":
		err = runConnectMode(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s\n", mode)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: sshvault <mode> [command] [options]

Modes:
  keypair add|list|remove   Manage SSH key pairs stored in the vault
  backend add|list|remove   Manage SSH backends
  connect                   Connect to backends and hold their tunnels open

The vault password is read from $SSHVAULT_PASSWORD or prompted for.
Run 'sshvault <mode> [command] -h' for options.
`)
}

// splitCommand returns the sub-command and its remaining arguments.
func splitCommand(mode string, args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%s: missing command (add, list, remove)", mode)
	}
	return args[0], args[1:], nil
}
