package server

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TonyBeen/p2p/internal/protocol"
)

func newTestRegistry(t *testing.T) (*Registry, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	pool, err := store.pool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewRegistry(pool, slog.Default()), store
}

func TestRegisterWritesFields(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	uuid := PeerUUID("alice", "198.51.100.7")
	status := reg.Register(ctx, uuid, PeerKey("alice", "198.51.100.7"), "198.51.100.7", 40000)
	require.Equal(t, protocol.StatusOK, status)

	fields := store.hashFields(uuid)
	assert.Equal(t, "alice+198.51.100.7", fields[fieldName])
	assert.Equal(t, "198.51.100.7", fields[fieldTCPHost])
	assert.Equal(t, "40000", fields[fieldTCPPort])
}

func TestRegisterDegradesWhenStoreDown(t *testing.T) {
	reg, store := newTestRegistry(t)
	store.fail.Store(true)

	status := reg.Register(context.Background(), "u", "n", "h", 1)
	assert.Equal(t, protocol.StatusRedisServerError, status)
}

func TestSetUDPEndpoint(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	addr := netip.MustParseAddrPort("203.0.113.5:5000")

	t.Run("unknown uuid", func(t *testing.T) {
		assert.Equal(t, protocol.StatusNoContent, reg.SetUDPEndpoint(ctx, "ghost", addr))
	})

	t.Run("registered uuid", func(t *testing.T) {
		store.seedHash("u1", map[string]string{fieldName: "n"})
		assert.Equal(t, protocol.StatusOK, reg.SetUDPEndpoint(ctx, "u1", addr))
		fields := store.hashFields("u1")
		assert.Equal(t, "203.0.113.5", fields[fieldUDPHost])
		assert.Equal(t, "5000", fields[fieldUDPPort])
	})

	t.Run("store down", func(t *testing.T) {
		store.fail.Store(true)
		defer store.fail.Store(false)
		assert.Equal(t, protocol.StatusRedisServerError, reg.SetUDPEndpoint(ctx, "u1", addr))
	})
}

func TestListPeersFiltersAndExcludes(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	// alice: fully registered (tcp + udp).
	store.seedHash("uuid-alice", map[string]string{
		fieldName: "alice+198.51.100.7", fieldTCPHost: "198.51.100.7", fieldTCPPort: "1000",
		fieldUDPHost: "198.51.100.7", fieldUDPPort: "2000",
	})
	// bob: tcp only, no udp endpoint yet -> filtered out.
	store.seedHash("uuid-bob", map[string]string{
		fieldName: "bob+198.51.100.8", fieldTCPHost: "198.51.100.8", fieldTCPPort: "1001",
	})
	// carol: the caller, excluded.
	store.seedHash("uuid-carol", map[string]string{
		fieldName: "carol+198.51.100.9", fieldUDPHost: "198.51.100.9", fieldUDPPort: "2002",
	})

	peers, status := reg.ListPeers(ctx, "uuid-carol")
	require.Equal(t, protocol.StatusOK, status)
	require.Len(t, peers, 1)
	assert.Equal(t, "uuid-alice", peers[0].UUID)
	assert.Equal(t, "alice+198.51.100.7", peers[0].Name)
	assert.Equal(t, netip.MustParseAddrPort("198.51.100.7:2000"), peers[0].Addr)
}

func TestListPeersStoreDown(t *testing.T) {
	reg, store := newTestRegistry(t)
	store.fail.Store(true)

	peers, status := reg.ListPeers(context.Background(), "")
	assert.Equal(t, protocol.StatusRedisServerError, status)
	assert.Empty(t, peers)
}

func TestUnregister(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	store.seedHash("u", map[string]string{fieldName: "n"})
	reg.Unregister(ctx, "u")
	present, kvOK := reg.Exists(ctx, "u")
	assert.True(t, kvOK)
	assert.False(t, present)
}

func TestClearUDPEndpoint(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	store.seedHash("u", map[string]string{
		fieldName: "n", fieldUDPHost: "1.2.3.4", fieldUDPPort: "99",
	})
	reg.ClearUDPEndpoint(ctx, "u")

	fields := store.hashFields("u")
	_, hasHost := fields[fieldUDPHost]
	_, hasPort := fields[fieldUDPPort]
	assert.False(t, hasHost)
	assert.False(t, hasPort)
	assert.Equal(t, "n", fields[fieldName])
}

func TestExistsStoreDown(t *testing.T) {
	reg, store := newTestRegistry(t)
	store.fail.Store(true)

	_, kvOK := reg.Exists(context.Background(), "u")
	assert.False(t, kvOK)
}

func TestPoolExhaustionDegrades(t *testing.T) {
	store := newFakeStore()
	pool, err := store.pool(1)
	require.NoError(t, err)
	defer pool.Close()
	reg := NewRegistry(pool, slog.Default())

	// Hold the only handle; every registry operation fails over to
	// "no client".
	h, ok := pool.Lease()
	require.True(t, ok)
	defer h.Release()

	assert.Equal(t, protocol.StatusRedisServerError, reg.Register(context.Background(), "u", "n", "h", 1))
	_, kvOK := reg.Exists(context.Background(), "u")
	assert.False(t, kvOK)
}
