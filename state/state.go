package state

import "sync"

// Tracker remembers which message UIDs have been handed to the responder
// during the current run, so a duplicate server response cannot produce a
// second reply. Nothing is persisted: reruns must stay idempotent purely
// through the server-side \Seen flag.
type Tracker struct {
	mu   sync.RWMutex
	seen map[uint32]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{seen: make(map[uint32]struct{})}
}

func (t *Tracker) AlreadySeen(uid uint32) bool {
	t.mu.RLock()
	_, ok := t.seen[uid]
	t.mu.RUnlock()
	return ok
}

func (t *Tracker) MarkSeen(uid uint32) {
	t.mu.Lock()
	t.seen[uid] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	count := len(t.seen)
	t.mu.RUnlock()
	return count
}
