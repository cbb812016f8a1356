// Package synchro provides the reader/writer lock that serializes all
// engine operations.
//
// The lock is writer-preferring: once a writer is waiting, readers that
// arrive later queue behind it even while earlier readers still hold
// the lock. When a writer releases, the next queued writer runs alone;
// only when no writer is queued are all waiting readers admitted
// together.
package synchro

import "sync"

// RWLock is a writer-preferring reader/writer lock. The zero value is
// ready to use. Unlike sync.RWMutex its admission order is specified,
// so a configure cascade (writer) is never starved by a stream of
// identification requests (readers).
type RWLock struct {
	mu             sync.Mutex
	activeReaders  int
	writerActive   bool
	waitingWriters []chan struct{}
	waitingReaders []chan struct{}
}

// RLock acquires the lock for reading, waiting while a writer is
// active or queued.
func (l *RWLock) RLock() {
	l.mu.Lock()
	if !l.writerActive && len(l.waitingWriters) == 0 {
		l.activeReaders++
		l.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	l.waitingReaders = append(l.waitingReaders, ch)
	l.mu.Unlock()
	<-ch
}

// RUnlock releases a read acquisition.
func (l *RWLock) RUnlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeReaders <= 0 {
		panic("synchro: RUnlock without RLock")
	}
	l.activeReaders--
	if l.activeReaders == 0 {
		l.admit()
	}
}

// Lock acquires the lock for writing, waiting for all current holders.
func (l *RWLock) Lock() {
	l.mu.Lock()
	if !l.writerActive && l.activeReaders == 0 {
		l.writerActive = true
		l.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	l.waitingWriters = append(l.waitingWriters, ch)
	l.mu.Unlock()
	<-ch
}

// Unlock releases a write acquisition.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.writerActive {
		panic("synchro: Unlock without Lock")
	}
	l.writerActive = false
	l.admit()
}

// admit hands the lock to the next holder(s). Called with mu held and
// the lock free.
func (l *RWLock) admit() {
	if len(l.waitingWriters) > 0 {
		next := l.waitingWriters[0]
		l.waitingWriters = l.waitingWriters[1:]
		l.writerActive = true
		close(next)
		return
	}
	if len(l.waitingReaders) > 0 {
		l.activeReaders = len(l.waitingReaders)
		for _, ch := range l.waitingReaders {
			close(ch)
		}
		l.waitingReaders = nil
	}
}

// waiting reports queue lengths; used by tests to sequence arrivals.
func (l *RWLock) waiting() (readers, writers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waitingReaders), len(l.waitingWriters)
}
