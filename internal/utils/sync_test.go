package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalMutexLocksByDefault(t *testing.T) {
	var mutex OptionalMutex
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mutex.Lock()
				counter++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 8000, counter)
}

func TestOptionalMutexDisabled(t *testing.T) {
	mutex := OptionalMutex{Disabled: true}

	// A disabled mutex never blocks, so recursive locking is fine
	mutex.Lock()
	mutex.Lock()
	mutex.Unlock()
	mutex.Unlock()
}

func TestOptionalRWMutexReaders(t *testing.T) {
	var mutex OptionalRWMutex
	mutex.RLock()
	mutex.RLock()
	mutex.RUnlock()
	mutex.RUnlock()

	mutex.Lock()
	mutex.Unlock()
}
