package presence

import (
	"sync"
	"time"
)

type typingKey struct {
	sender         string
	conversationId string
}

type typingEntry struct {
	timer     *time.Timer
	recipient string
	gen       uint64
}

// ExpireFunc is called when a sender has been silent for the typing window.
type ExpireFunc func(sender, recipient, conversationId string)

// Typing arms a quiescence timer per (sender, conversation). Each typing
// signal restarts the window; when it elapses without an explicit stop the
// expire callback fires once.
type Typing struct {
	mu       sync.Mutex
	window   time.Duration
	entries  map[typingKey]*typingEntry
	onExpire ExpireFunc
	gen      uint64
}

func NewTyping(window time.Duration, onExpire ExpireFunc) *Typing {
	return &Typing{
		window:   window,
		entries:  make(map[typingKey]*typingEntry),
		onExpire: onExpire,
	}
}

// Start records a typing signal and restarts the quiescence window.
func (t *Typing) Start(sender, recipient, conversationId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{sender: sender, conversationId: conversationId}
	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
	}

	t.gen++
	e := &typingEntry{recipient: recipient, gen: t.gen}
	e.timer = time.AfterFunc(t.window, func() { t.expire(key, e.gen) })
	t.entries[key] = e
}

// Stop cancels the window. It reports whether the sender was typing.
func (t *Typing) Stop(sender, conversationId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{sender: sender, conversationId: conversationId}
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// IsTyping reports whether the sender has an armed window in the conversation.
func (t *Typing) IsTyping(sender, conversationId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{sender: sender, conversationId: conversationId}]
	return ok
}

// ClearUser cancels every window armed by sender without firing callbacks.
func (t *Typing) ClearUser(sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		if key.sender == sender {
			e.timer.Stop()
			delete(t.entries, key)
		}
	}
}

// StopAll cancels every window. Used on shutdown.
func (t *Typing) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

func (t *Typing) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[key]
	// a newer Start may have replaced the entry after this timer fired
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(key.sender, e.recipient, key.conversationId)
	}
}
