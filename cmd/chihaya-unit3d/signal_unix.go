//go:build darwin || freebsd || linux || netbsd || openbsd || dragonfly || solaris
// +build darwin freebsd linux netbsd openbsd dragonfly solaris

package main

import (
	"os"
	"syscall"
)

// FlushSignals trigger an immediate flush to the durable store.
var FlushSignals = []os.Signal{
	syscall.SIGUSR1,
}
