package engine

import "sync"

// Subscriber receives a completion notification for an avatar id it asked
// for. OnUpdated runs on the engine's affinity dispatcher.
type Subscriber interface {
	OnUpdated(id int64)
}

// pendingTable maps an id with a fetch in flight to its ordered subscribers.
// Presence in the table is the authoritative in-flight signal, so every
// access goes through the mutex; the registration decision and the decision
// to start a worker must never race.
type pendingTable struct {
	mu      sync.Mutex
	waiting map[int64][]Subscriber
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiting: make(map[int64][]Subscriber)}
}

// tryRegister appends sub to the entry for id, creating it if needed.
// It returns true when this call created the entry, i.e. the caller is the
// first requester and must start the fetch.
func (p *pendingTable) tryRegister(id int64, sub Subscriber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs, exists := p.waiting[id]
	p.waiting[id] = append(subs, sub)
	return !exists
}

// take removes and returns the subscribers for id. Called exactly once per
// successful fetch, from the notifier fan-out.
func (p *pendingTable) take(id int64) []Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.waiting[id]
	delete(p.waiting, id)
	return subs
}

// drop removes the entry for id without notifying anyone, so a later request
// for the same id can retry instead of waiting forever.
func (p *pendingTable) drop(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiting, id)
}

// inFlight reports whether a fetch for id is outstanding.
func (p *pendingTable) inFlight(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.waiting[id]
	return ok
}
