package session

import (
	"sort"
	"sync"

	"wagate/internal/storage"
)

// Registry maps account ids to live session handles.
type Registry interface {
	Get(accountID string) (*Session, bool)
	Put(s *Session)
	// Delete removes the entry only while it still points at s, so a stale
	// teardown never removes a newer session.
	Delete(accountID string, s *Session) bool
	Snapshot() []Info
	Len() int
}

type mapRegistry struct {
	mu sync.RWMutex
	m  map[string]*Session
}

func NewRegistry() Registry {
	return &mapRegistry{m: map[string]*Session{}}
}

func (r *mapRegistry) Get(accountID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[accountID]
	return s, ok
}

func (r *mapRegistry) Put(s *Session) {
	r.mu.Lock()
	r.m[s.AccountID] = s
	r.mu.Unlock()
}

func (r *mapRegistry) Delete(accountID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[accountID]; ok && cur == s {
		delete(r.m, accountID)
		return true
	}
	return false
}

func (r *mapRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Snapshot copies every session's state, sorted by account id.
func (r *mapRegistry) Snapshot() []Info {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.m))
	for _, s := range r.m {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Held lists accounts whose lease this instance must keep alive.
func Held(r Registry) []string {
	var ids []string
	for _, in := range r.Snapshot() {
		switch in.Status {
		case storage.StatusConnected, storage.StatusQRPending, storage.StatusInitializing:
			ids = append(ids, in.AccountID)
		}
	}
	return ids
}

// CountByStatus tallies sessions per status.
func CountByStatus(r Registry) map[string]int {
	out := map[string]int{}
	for _, in := range r.Snapshot() {
		out[string(in.Status)]++
	}
	return out
}
