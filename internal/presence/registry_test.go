package presence

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidUserId(t *testing.T) {
	assert.True(t, ValidUserId("alice"), "expected alice to be valid")
	assert.False(t, ValidUserId(""), "expected empty id to be invalid")
	assert.False(t, ValidUserId("undefined"), "expected undefined to be invalid")
}

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Lookup("alice")
	assert.False(t, ok, "expected no connection before register")

	_, replaced := r.Register("alice", "conn1")
	assert.False(t, replaced, "expected first register not to replace")

	connId, ok := r.Lookup("alice")
	assert.True(t, ok, "expected connection after register")
	assert.Equal(t, "conn1", connId)

	_, replaced = r.Register("alice", "conn1")
	assert.False(t, replaced, "expected re-register of same connection to be idempotent")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LastWriteWins(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "conn1")

	prev, replaced := r.Register("alice", "conn2")
	assert.True(t, replaced, "expected second register to replace")
	assert.Equal(t, "conn1", prev)

	connId, _ := r.Lookup("alice")
	assert.Equal(t, "conn2", connId, "expected newest connection to win")
}

func TestRegistry_UnregisterStaleConnection(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "conn1")
	r.Register("alice", "conn2")

	// the old connection's disconnect fires late
	userId, removed := r.Unregister("conn1")
	assert.False(t, removed, "expected stale disconnect not to remove newer mapping")
	assert.Empty(t, userId, "expected replaced connection to be forgotten")

	connId, ok := r.Lookup("alice")
	assert.True(t, ok, "expected alice to stay online")
	assert.Equal(t, "conn2", connId)

	userId, removed = r.Unregister("conn2")
	assert.True(t, removed, "expected current connection to be removed")
	assert.Equal(t, "alice", userId)

	_, removed = r.Unregister("conn2")
	assert.False(t, removed, "expected duplicate disconnect to be a no-op")
}

func TestRegistry_OnlineUsers(t *testing.T) {
	r := NewRegistry()
	r.Register("carol", "c")
	r.Register("alice", "a")
	r.Register("bob", "b")

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.OnlineUsers())

	r.Unregister("b")
	assert.Equal(t, []string{"alice", "carol"}, r.OnlineUsers())
}

func TestRegistry_AtMostOneConnectionPerUser(t *testing.T) {
	r := NewRegistry()
	rnd := rand.New(rand.NewSource(1))
	users := []string{"alice", "bob", "carol"}
	var conns []string

	for i := 0; i < 1000; i++ {
		if len(conns) == 0 || rnd.Intn(2) == 0 {
			connId := fmt.Sprintf("conn%d", i)
			r.Register(users[rnd.Intn(len(users))], connId)
			conns = append(conns, connId)
		} else {
			r.Unregister(conns[rnd.Intn(len(conns))])
		}

		seen := make(map[string]int)
		r.mu.RLock()
		for connId, userId := range r.byConn {
			seen[userId]++
			assert.Equal(t, connId, r.byUser[userId], "expected reverse index to agree")
		}
		r.mu.RUnlock()
		for userId, n := range seen {
			assert.LessOrEqualf(t, n, 1, "expected at most one connection for %s", userId)
		}
	}
}
