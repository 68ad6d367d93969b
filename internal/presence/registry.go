// Package presence tracks which users are connected and through which handles.
//
// State is process-local. A deployment with several instances needs a shared
// presence layer in front of this one; live delivery is not federated.
package presence

import (
	"sort"
	"sync"

	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/pkg/metrics"
)

// Entry describes one live connection handle.
type Entry struct {
	UserID string
	Role   model.Role
}

// Registry maps users to their live connection handles. A user is online
// exactly when it has an entry.
type Registry struct {
	mu      sync.RWMutex
	users   map[string]map[string]struct{}
	handles map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:   make(map[string]map[string]struct{}),
		handles: make(map[string]Entry),
	}
}

// Register records handle for userID. Registering the same handle twice is a
// no-op; a handle re-registered under another user moves to that user.
func (r *Registry) Register(handle, userID string, role model.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.handles[handle]; ok {
		if prev.UserID == userID {
			r.handles[handle] = Entry{UserID: userID, Role: role}
			return
		}
		r.removeLocked(handle, prev.UserID)
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[handle] = struct{}{}
	r.handles[handle] = Entry{UserID: userID, Role: role}
	metrics.OnlineUsers.Set(float64(len(r.users)))
}

// Unregister removes handle. offline is true when it was the user's last
// connection, in which case the user entry is gone.
func (r *Registry) Unregister(handle string) (userID string, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.handles[handle]
	if !ok {
		return "", false
	}
	offline = r.removeLocked(handle, entry.UserID)
	metrics.OnlineUsers.Set(float64(len(r.users)))
	return entry.UserID, offline
}

func (r *Registry) removeLocked(handle, userID string) bool {
	delete(r.handles, handle)
	set := r.users[userID]
	delete(set, handle)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// ConnectionsOf returns a sorted snapshot of the user's handles.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the entry for handle.
func (r *Registry) Lookup(handle string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handles[handle]
	return e, ok
}

// OnlineUsers returns the number of users with at least one connection.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
