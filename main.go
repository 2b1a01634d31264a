package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/xkilldash9x/taskpilot/cmd"
	"github.com/xkilldash9x/taskpilot/internal/observability"
)

const panicLogFile = "panic.log"

var osExit = os.Exit

func main() {
	defer handlePanic()

	// SIGINT and SIGTERM stop running tasks and drain the server.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}

// handlePanic records the panic and stack trace to panic.log before exiting.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	report := fmt.Sprintf("time: %s\npanic: %v\n\n%s", time.Now().UTC().Format(time.RFC3339), r, debug.Stack())
	if err := os.WriteFile(panicLogFile, []byte(report), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", panicLogFile, err)
	}
	observability.Sync()
	fmt.Fprintf(os.Stderr, "taskpilot crashed: %v (details in %s)\n", r, panicLogFile)
	osExit(2)
}
