//go:build windows
// +build windows

package main

import (
	"os"
)

// FlushSignals trigger an immediate flush to the durable store.
var FlushSignals = []os.Signal{}
