package concurrency

import "sync"

// PageGuardRegistry counts pins on pages by an opaque identity (the
// owning PageReference, from the caller's perspective). An evictor or a
// writer mutating a page in place can wait for outstanding pins with
// AwaitUnpinned; the registry does not itself block eviction, and
// storage's page cache does not consult it. Reuses the mutex/cond shape of WriteAdmissionLock above,
// generalized from a boolean writer flag into a pin count.
type PageGuardRegistry struct {
	mu   sync.Mutex
	pins map[any]*pinEntry
}

type pinEntry struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewPageGuardRegistry returns an empty registry.
func NewPageGuardRegistry() *PageGuardRegistry {
	return &PageGuardRegistry{pins: make(map[any]*pinEntry)}
}

func (r *PageGuardRegistry) entryFor(id any) *pinEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pins[id]
	if !ok {
		e = &pinEntry{}
		e.cond = sync.NewCond(&e.mu)
		r.pins[id] = e
	}
	return e
}

// PageGuard pins one page identity until Release is called. The zero
// value is not usable; obtain one from PageGuardRegistry.Acquire.
type PageGuard struct {
	entry *pinEntry
	id    any
	once  sync.Once
}

// Acquire pins id, incrementing its pin count, and returns a guard that
// releases the pin exactly once.
func (r *PageGuardRegistry) Acquire(id any) *PageGuard {
	e := r.entryFor(id)
	e.mu.Lock()
	e.count++
	e.mu.Unlock()
	return &PageGuard{entry: e, id: id}
}

// Release unpins the page. Safe to call more than once; only the first
// call has any effect.
func (g *PageGuard) Release() {
	g.once.Do(func() {
		g.entry.mu.Lock()
		if g.entry.count > 0 {
			g.entry.count--
		}
		g.entry.cond.Broadcast()
		g.entry.mu.Unlock()
	})
}

// AwaitUnpinned blocks until id's pin count reaches zero — the call an
// evictor or an in-place mutator makes before touching a page no new
// guard can be acquired against concurrently (callers are responsible
// for that separate exclusion; AwaitUnpinned only waits out existing
// pins).
func (r *PageGuardRegistry) AwaitUnpinned(id any) {
	e := r.entryFor(id)
	e.mu.Lock()
	for e.count > 0 {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

// PinCount reports the current pin count for id, for tests.
func (r *PageGuardRegistry) PinCount(id any) int {
	e := r.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}
