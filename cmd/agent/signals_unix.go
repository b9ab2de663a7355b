//go:build !windows

package main

import (
	"os"
	"syscall"
)

// SIGUSR1 asks a running agent for an immediate sync pass
var triggerSignals = []os.Signal{syscall.SIGUSR1}
