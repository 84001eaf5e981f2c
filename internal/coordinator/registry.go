package coordinator

import (
	"sync"

	"pkt.systems/lra/internal/lra"
)

// partition is one half of the transaction registry.
type partition struct {
	mu sync.RWMutex
	m  map[string]*lra.Action
}

func newPartition() *partition {
	return &partition{m: make(map[string]*lra.Action)}
}

func (p *partition) load(id string) (*lra.Action, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.m[id]
	return a, ok
}

func (p *partition) store(a *lra.Action) {
	p.mu.Lock()
	p.m[a.ID()] = a
	p.mu.Unlock()
}

// storeIfAbsent reports whether a was added.
func (p *partition) storeIfAbsent(a *lra.Action) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.m[a.ID()]; ok {
		return false
	}
	p.m[a.ID()] = a
	return true
}

func (p *partition) delete(id string) {
	p.mu.Lock()
	delete(p.m, id)
	p.mu.Unlock()
}

// byUID scans for an action with the given uid.
func (p *partition) byUID(uid string) (*lra.Action, bool) {
	if uid == "" {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.m {
		if a.UID() == uid {
			return a, true
		}
	}
	return nil, false
}

func (p *partition) snapshot() []*lra.Action {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*lra.Action, 0, len(p.m))
	for _, a := range p.m {
		out = append(out, a)
	}
	return out
}

func (p *partition) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

// participantRegistry maps recovery ids to compensator endpoints.
type participantRegistry struct {
	m sync.Map
}

func (r *participantRegistry) store(recoveryID, compensator string) {
	if recoveryID == "" {
		return
	}
	r.m.Store(recoveryID, compensator)
}

func (r *participantRegistry) load(recoveryID string) (string, bool) {
	v, ok := r.m.Load(recoveryID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (r *participantRegistry) delete(recoveryID string) {
	r.m.Delete(recoveryID)
}

// finishedSet remembers the final status of recently evicted actions by uid
// so repeated end, join and leave requests are refused rather than reported
// as unknown. It holds at most limit entries, oldest evicted first.
type finishedSet struct {
	mu    sync.Mutex
	limit int
	order []string
	m     map[string]lra.Status
}

func newFinishedSet(limit int) *finishedSet {
	return &finishedSet{limit: limit, m: make(map[string]lra.Status)}
}

func (f *finishedSet) add(uid string, status lra.Status) {
	if f.limit <= 0 || uid == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[uid]; !ok {
		f.order = append(f.order, uid)
	}
	f.m[uid] = status
	for len(f.order) > f.limit {
		delete(f.m, f.order[0])
		f.order = f.order[1:]
	}
}

func (f *finishedSet) lookup(uid string) (lra.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.m[uid]
	return s, ok
}
