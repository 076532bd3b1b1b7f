package server

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerUUIDIsPure(t *testing.T) {
	a := PeerUUID("alice", "198.51.100.7")
	b := PeerUUID("alice", "198.51.100.7")
	assert.Equal(t, a, b)
	assert.Len(t, a, 2*md5.Size)
	_, err := hex.DecodeString(a)
	assert.NoError(t, err)
}

func TestPeerUUIDVariesWithInputs(t *testing.T) {
	base := PeerUUID("alice", "198.51.100.7")
	assert.NotEqual(t, base, PeerUUID("alice", "198.51.100.8"))
	assert.NotEqual(t, base, PeerUUID("bob", "198.51.100.7"))
}

func TestPeerUUIDIsHashOfKey(t *testing.T) {
	sum := md5.Sum([]byte("alice+198.51.100.7"))
	assert.Equal(t, hex.EncodeToString(sum[:]), PeerUUID("alice", "198.51.100.7"))
	assert.Equal(t, "alice+198.51.100.7", PeerKey("alice", "198.51.100.7"))
}
