// Package test holds helpers shared by the package tests.
package test

import (
	"sync"
	"testing"
)

// locks maps the address of a mocked variable to the mutex guarding it.
var locks sync.Map

func lockFor(target any) *sync.Mutex {
	mu, _ := locks.LoadOrStore(target, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// MockGlobal sets *target to mock until the test ends. Parallel tests
// mocking the same variable are serialized, others are not affected.
// Mocking the same variable twice in one test deadlocks.
func MockGlobal[T any](t *testing.T, target *T, mock T) {
	t.Helper()

	mu := lockFor(target)
	mu.Lock()

	saved := *target
	*target = mock
	t.Cleanup(func() {
		*target = saved
		mu.Unlock()
	})
}
