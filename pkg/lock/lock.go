// Package lock provides the lock handle that serializes a synchronized query
// pipeline.
package lock

import "sync"

// Wrapper is a named lock handle. The underlying mutex is created on first
// use unless one is supplied with SetLock. A nil *Wrapper is valid and never
// blocks, which is how unsynchronized pipelines run.
type Wrapper struct {
	name string
	once sync.Once
	mu   sync.Locker
}

// New creates a lock handle. The mutex is allocated lazily.
func New(name string) *Wrapper {
	return &Wrapper{name: name}
}

// Name returns the handle's name.
func (w *Wrapper) Name() string {
	if w == nil {
		return ""
	}
	return w.name
}

// SetLock installs l as the underlying lock. It must be called before the
// handle is first used; later calls have no effect.
func (w *Wrapper) SetLock(l sync.Locker) {
	w.once.Do(func() { w.mu = l })
}

func (w *Wrapper) locker() sync.Locker {
	w.once.Do(func() { w.mu = &sync.Mutex{} })
	return w.mu
}

// Lock acquires the lock.
func (w *Wrapper) Lock() {
	if w == nil {
		return
	}
	w.locker().Lock()
}

// Unlock releases the lock.
func (w *Wrapper) Unlock() {
	if w == nil {
		return
	}
	w.locker().Unlock()
}

// Acquire locks and returns the matching release function, for use with defer.
func (w *Wrapper) Acquire() func() {
	if w == nil {
		return func() {}
	}
	l := w.locker()
	l.Lock()
	return l.Unlock
}

// Guard runs fn while holding the lock. The lock is released on every exit
// path, including a panic in fn.
func (w *Wrapper) Guard(fn func() error) error {
	release := w.Acquire()
	defer release()
	return fn()
}
