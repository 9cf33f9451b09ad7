package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that can be switched off for callers that promise to synchronize access
// themselves. The zero value locks.
type OptionalMutex struct {
	mutex    sync.Mutex
	Disabled bool
}

func (m *OptionalMutex) Lock() {
	if !m.Disabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if !m.Disabled {
		m.mutex.Unlock()
	}
}

// OptionalRWMutex is the sync.RWMutex equivalent of OptionalMutex
type OptionalRWMutex struct {
	mutex    sync.RWMutex
	Disabled bool
}

func (m *OptionalRWMutex) Lock() {
	if !m.Disabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if !m.Disabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if !m.Disabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if !m.Disabled {
		m.mutex.RUnlock()
	}
}
