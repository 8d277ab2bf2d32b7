//go:build !deadlock

// Package sync provides the mutex types used by the subscription registry.
// Release builds use the standard library; building with -tags deadlock
// swaps in go-deadlock so lock-order bugs in the registry surface in tests.
package sync

import "sync"

// Mutex is the standard sync.Mutex.
type Mutex = sync.Mutex

// RWMutex is the standard sync.RWMutex.
type RWMutex = sync.RWMutex

// WaitGroup is the standard sync.WaitGroup.
type WaitGroup = sync.WaitGroup

// Once is the standard sync.Once.
type Once = sync.Once
