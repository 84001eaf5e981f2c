package coordinator

import "sync"

// lockTable hands out one mutex per action id. Handles are created on first
// reference and reference counted so a dropped id is only deleted once no
// operation still holds or waits on it.
type lockTable struct {
	mu      sync.Mutex
	handles map[string]*lockHandle
}

type lockHandle struct {
	sync.Mutex
	refs    int
	dropped bool
}

// lease is an acquired lock. Release is idempotent.
type lease struct {
	table *lockTable
	id    string
	h     *lockHandle
	once  sync.Once
}

func newLockTable() *lockTable {
	return &lockTable{handles: make(map[string]*lockHandle)}
}

func (t *lockTable) ref(id string) *lockHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		h = &lockHandle{}
		t.handles[id] = h
	}
	h.refs++
	return h
}

func (t *lockTable) unref(id string, h *lockHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.dropped && t.handles[id] == h {
		delete(t.handles, id)
	}
}

// acquire blocks until the lock for id is held.
func (t *lockTable) acquire(id string) *lease {
	h := t.ref(id)
	h.Lock()
	return &lease{table: t, id: id, h: h}
}

// tryAcquire returns nil when the lock for id is busy.
func (t *lockTable) tryAcquire(id string) *lease {
	h := t.ref(id)
	if !h.TryLock() {
		t.unref(id, h)
		return nil
	}
	return &lease{table: t, id: id, h: h}
}

// drop forgets id. A handle still referenced is deleted by its last release.
func (t *lockTable) drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return
	}
	if h.refs == 0 {
		delete(t.handles, id)
		return
	}
	h.dropped = true
}

func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

func (l *lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.h.Unlock()
		l.table.unref(l.id, l.h)
	})
}
