package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/kardianos/sshvault/vdef"
)

// consoleObserver prints connection events with color.
type consoleObserver struct {
	mu  sync.Mutex
	out io.Writer
}

func (o *consoleObserver) OnStateChange(backendID string, state vdef.ConnState) {
	var mark string
	switch state {
	case vdef.StateReady:
		mark = color.GreenString("✓ %s", state)
	case vdef.StateFailed:
		mark = color.RedString("✗ %s", state)
	case vdef.StateDisconnected:
		mark = color.YellowString("! %s", state)
	default:
		mark = color.CyanString("→ %s", state)
	}
	o.printf("%s %s", color.New(color.Bold).Sprint(backendID), mark)
}

func (o *consoleObserver) Logf(backendID string, format string, args ...any) {
	o.printf("%s %s", color.New(color.Bold).Sprint(backendID), fmt.Sprintf(format, args...))
}

func (o *consoleObserver) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.out, "%s "+format+"\n", append([]any{time.Now().Format(time.TimeOnly)}, args...)...)
}
