// Package peer runs the per-session discovery refresh loop and tracks live
// sessions by remote id, replacing process-wide lookup dictionaries with an
// explicit, mutex-guarded component (§4.G; DESIGN NOTES §9).
package peer

import (
	"sync"

	"github.com/nsrpc/nsrpc/internal/session"
)

// ConnectionManager maps a remote node id to its live session, on the
// accepting side (§3 "Connection manager").
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*session.Session
}

// NewConnectionManager returns an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*session.Session)}
}

// Add records sess under its remote id, replacing any prior session with
// the same id (a reconnect supersedes the stale entry).
func (cm *ConnectionManager) Add(sess *session.Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[sess.ID] = sess
}

// Remove drops id if its current entry is sess (a superseded entry from a
// reconnect is left untouched).
func (cm *ConnectionManager) Remove(id string, sess *session.Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cur, ok := cm.byID[id]; ok && cur == sess {
		delete(cm.byID, id)
	}
}

// Get returns the live session for id, if any.
func (cm *ConnectionManager) Get(id string) (*session.Session, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	s, ok := cm.byID[id]
	return s, ok
}

// List returns a snapshot of every tracked session.
func (cm *ConnectionManager) List() []*session.Session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*session.Session, 0, len(cm.byID))
	for _, s := range cm.byID {
		out = append(out, s)
	}
	return out
}

// Len reports how many sessions are currently tracked.
func (cm *ConnectionManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}
