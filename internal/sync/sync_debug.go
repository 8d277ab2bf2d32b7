//go:build deadlock

// Package sync provides the mutex types used by the subscription registry.
// Release builds use the standard library; building with -tags deadlock
// swaps in go-deadlock so lock-order bugs in the registry surface in tests.
package sync

import (
	"os"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Mutex wraps go-deadlock.Mutex.
type Mutex = deadlock.Mutex

// RWMutex wraps go-deadlock.RWMutex.
type RWMutex = deadlock.RWMutex

// WaitGroup is the standard sync.WaitGroup.
type WaitGroup = sync.WaitGroup

// Once is the standard sync.Once.
type Once = sync.Once

func init() {
	// Retry backoff waits happen outside the lock, so anything held longer
	// than this is a real stall.
	deadlock.Opts.DeadlockTimeout = 10 * time.Second

	if os.Getenv("RTMUX_NO_DEADLOCK_DETECT") != "" {
		deadlock.Opts.Disable = true
		return
	}

	deadlock.Opts.PrintAllCurrentGoroutines = true
	println("[DEADLOCK DETECTION ENABLED] registry locks use go-deadlock")
}
