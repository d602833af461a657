package presence

import "sync"

// Tracker records which users have the messaging surface open and which
// conversation each of them is looking at. A user viewing a conversation is
// always on the surface.
type Tracker struct {
	mu      sync.RWMutex
	viewers map[string]struct{}
	viewing map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{
		viewers: make(map[string]struct{}),
		viewing: make(map[string]string),
	}
}

func (t *Tracker) MarkViewingSurface(userId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewers[userId] = struct{}{}
}

// UnmarkViewingSurface also forgets the conversation the user was viewing.
func (t *Tracker) UnmarkViewingSurface(userId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.viewers, userId)
	delete(t.viewing, userId)
}

func (t *Tracker) MarkViewingConversation(userId, conversationId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewers[userId] = struct{}{}
	t.viewing[userId] = conversationId
}

func (t *Tracker) UnmarkViewingConversation(userId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.viewing, userId)
}

func (t *Tracker) IsViewingSurface(userId string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.viewers[userId]
	return ok
}

func (t *Tracker) IsActivelyViewing(userId, conversationId string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.viewing[userId]
	return ok && c == conversationId
}

// ViewingConversation returns the conversation the user is looking at.
func (t *Tracker) ViewingConversation(userId string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.viewing[userId]
	return c, ok
}

// Clear drops all presence state of the user.
func (t *Tracker) Clear(userId string) {
	t.UnmarkViewingSurface(userId)
}
