package coordinator

import (
	"sync"
	"sync/atomic"
)

// deviceLock pairs the actuation lock with the history lock. The history lock
// is taken before the actuation lock is released, so a device's entries are
// appended in resolution order.
type deviceLock struct {
	busy     sync.Mutex
	record   sync.Mutex
	inFlight atomic.Bool
}

func (l *deviceLock) tryAcquire() bool {
	if !l.busy.TryLock() {
		return false
	}
	l.inFlight.Store(true)
	return true
}

func (l *deviceLock) release() {
	l.inFlight.Store(false)
	l.busy.Unlock()
}

type lockSet struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*deviceLock)}
}

func (s *lockSet) get(deviceID string) *deviceLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &deviceLock{}
		s.locks[deviceID] = l
	}
	return l
}

// Busy reports whether an actuation currently holds the device.
func (s *lockSet) Busy(deviceID string) bool {
	return s.get(deviceID).inFlight.Load()
}
