package presence

import (
	"slices"
	"sync"
)

// ValidUserId reports whether id can identify a connection. Clients that
// have not loaded their session send "undefined".
func ValidUserId(id string) bool {
	return id != "" && id != "undefined"
}

// Registry maps each user to at most one live connection id.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string
	byConn map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Register maps userId to connId, replacing any previous connection for the
// user. The replaced connection id is returned so the caller can forget it;
// it is not closed.
func (r *Registry) Register(userId, connId string) (replaced string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.byUser[userId]; exists && prev != connId {
		delete(r.byConn, prev)
		replaced, ok = prev, true
	}

	r.byUser[userId] = connId
	r.byConn[connId] = userId
	return replaced, ok
}

func (r *Registry) Lookup(userId string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connId, ok := r.byUser[userId]
	return connId, ok
}

// Unregister removes the mapping that still points at connId. It is a no-op
// when the user has since registered a newer connection.
func (r *Registry) Unregister(connId string) (userId string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userId, ok := r.byConn[connId]
	if !ok {
		return "", false
	}
	delete(r.byConn, connId)

	if r.byUser[userId] != connId {
		return userId, false
	}
	delete(r.byUser, userId)
	return userId, true
}

// OnlineUsers returns the sorted ids of every user with a live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for userId := range r.byUser {
		users = append(users, userId)
	}
	slices.Sort(users)
	return users
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
