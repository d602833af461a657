package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_pairKey(t *testing.T) {
	assert.Equal(t, pairKey("alice", "bob"), pairKey("bob", "alice"), "expected order not to matter")
	assert.Equal(t, "5:alicebob", pairKey("bob", "alice"))
	assert.NotEqual(t, pairKey("ab", "c"), pairKey("a", "bc"), "expected the split point to be part of the key")
}
