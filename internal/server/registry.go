package server

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strconv"

	"github.com/TonyBeen/p2p/internal/kv"
	"github.com/TonyBeen/p2p/internal/protocol"
)

// Registry field names inside each peer's hash key.
const (
	fieldName    = "name"
	fieldTCPHost = "tcphost"
	fieldTCPPort = "tcpport"
	fieldUDPHost = "udphost"
	fieldUDPPort = "udpport"
)

// leaseAttempts bounds the non-blocking lease retry before an operation
// degrades to running without the KV store.
const leaseAttempts = 10

// Registry is the KV-backed peer directory shared by the TCP sessions and
// the UDP handler. Every operation leases a connection for its own duration.
// When none is available, operations that answer with a Status return
// StatusRedisServerError; the others report it through kvOK, an error, or a
// log line.
type Registry struct {
	pool   *kv.Pool
	logger *slog.Logger
}

// NewRegistry wraps a KV pool.
func NewRegistry(pool *kv.Pool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{pool: pool, logger: logger}
}

func (r *Registry) lease() (*kv.Handle, bool) {
	if r.pool == nil {
		return nil, false
	}
	for i := 0; i < leaseAttempts; i++ {
		if h, ok := r.pool.Lease(); ok {
			return h, true
		}
	}
	return nil, false
}

// Register writes a peer's TCP registration: name, tcphost, tcpport.
func (r *Registry) Register(ctx context.Context, uuid, name string, host string, port uint16) protocol.Status {
	h, ok := r.lease()
	if !ok {
		return protocol.StatusRedisServerError
	}
	defer h.Release()

	st := h.Store()
	portStr := strconv.Itoa(int(port))
	for _, kvp := range [][2]string{
		{fieldName, name},
		{fieldTCPHost, host},
		{fieldTCPPort, portStr},
	} {
		if err := st.HSet(ctx, uuid, kvp[0], kvp[1]); err != nil {
			r.logger.Warn("registry hset failed", "uuid", uuid, "field", kvp[0], "err", err)
			return protocol.StatusRedisServerError
		}
	}
	return protocol.StatusOK
}

// Unregister deletes a peer's key. Used on registration refresh.
func (r *Registry) Unregister(ctx context.Context, uuid string) {
	h, ok := r.lease()
	if !ok {
		return
	}
	defer h.Release()
	if err := h.Store().Del(ctx, uuid); err != nil {
		r.logger.Warn("registry del failed", "uuid", uuid, "err", err)
	}
}

// ListPeers enumerates every registered peer except exclude, returning only
// peers whose UDP endpoint is known (they have completed UDP registration).
func (r *Registry) ListPeers(ctx context.Context, exclude string) ([]protocol.PeerInfo, protocol.Status) {
	h, ok := r.lease()
	if !ok {
		return nil, protocol.StatusRedisServerError
	}
	defer h.Release()
	st := h.Store()

	uuids, err := st.Keys(ctx, "*")
	if err != nil {
		r.logger.Warn("registry keys failed", "err", err)
		return nil, protocol.StatusRedisServerError
	}

	peers := make([]protocol.PeerInfo, 0, len(uuids))
	for _, uuid := range uuids {
		if uuid == exclude {
			continue
		}
		fields, err := st.HGetAll(ctx, uuid)
		if err != nil || len(fields) == 0 {
			continue
		}
		name, okName := fields[fieldName]
		udpHost, okHost := fields[fieldUDPHost]
		udpPort, okPort := fields[fieldUDPPort]
		if !okName || !okHost || !okPort {
			continue
		}
		addr, err := netip.ParseAddr(udpHost)
		if err != nil {
			continue
		}
		port, err := strconv.ParseUint(udpPort, 10, 16)
		if err != nil {
			continue
		}
		peers = append(peers, protocol.PeerInfo{
			Addr: netip.AddrPortFrom(addr, uint16(port)),
			UUID: uuid,
			Name: name,
		})
	}
	return peers, protocol.StatusOK
}

// SetUDPEndpoint records a peer's externally observed UDP address, provided
// the uuid is registered. StatusNoContent reports an unknown uuid.
func (r *Registry) SetUDPEndpoint(ctx context.Context, uuid string, addr netip.AddrPort) protocol.Status {
	h, ok := r.lease()
	if !ok {
		return protocol.StatusRedisServerError
	}
	defer h.Release()
	st := h.Store()

	exists, err := st.Exists(ctx, uuid)
	if err != nil {
		r.logger.Warn("registry exists failed", "uuid", uuid, "err", err)
		return protocol.StatusRedisServerError
	}
	if !exists {
		return protocol.StatusNoContent
	}

	if err := st.HSet(ctx, uuid, fieldUDPHost, addr.Addr().String()); err != nil {
		return protocol.StatusRedisServerError
	}
	if err := st.HSet(ctx, uuid, fieldUDPPort, strconv.Itoa(int(addr.Port()))); err != nil {
		return protocol.StatusRedisServerError
	}
	return protocol.StatusOK
}

// Exists checks for uuid. kvOK is false when the store could not be asked.
func (r *Registry) Exists(ctx context.Context, uuid string) (present, kvOK bool) {
	h, ok := r.lease()
	if !ok {
		return false, false
	}
	defer h.Release()
	present, err := h.Store().Exists(ctx, uuid)
	if err != nil {
		return false, false
	}
	return present, true
}

// ClearUDPEndpoint removes the udphost/udpport fields of uuid, if the key
// still exists.
func (r *Registry) ClearUDPEndpoint(ctx context.Context, uuid string) {
	h, ok := r.lease()
	if !ok {
		r.logger.Warn("kv pool exhausted, udp endpoint not cleared", "uuid", uuid)
		return
	}
	defer h.Release()
	st := h.Store()

	exists, err := st.Exists(ctx, uuid)
	if err != nil || !exists {
		return
	}
	if err := st.HDel(ctx, uuid, fieldUDPHost, fieldUDPPort); err != nil {
		r.logger.Warn("registry hdel failed", "uuid", uuid, "err", err)
	}
}

// Peer is one registry record as read back for the management API.
type Peer struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	TCPHost string `json:"tcp_host,omitempty"`
	TCPPort string `json:"tcp_port,omitempty"`
	UDPHost string `json:"udp_host,omitempty"`
	UDPPort string `json:"udp_port,omitempty"`
}

// DumpPeers reads every registered peer with all known fields.
func (r *Registry) DumpPeers(ctx context.Context) ([]Peer, error) {
	h, ok := r.lease()
	if !ok {
		return nil, errors.New("kv pool exhausted")
	}
	defer h.Release()
	st := h.Store()

	uuids, err := st.Keys(ctx, "*")
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(uuids))
	for _, uuid := range uuids {
		fields, err := st.HGetAll(ctx, uuid)
		if err != nil || len(fields) == 0 {
			continue
		}
		peers = append(peers, Peer{
			UUID:    uuid,
			Name:    fields[fieldName],
			TCPHost: fields[fieldTCPHost],
			TCPPort: fields[fieldTCPPort],
			UDPHost: fields[fieldUDPHost],
			UDPPort: fields[fieldUDPPort],
		})
	}
	return peers, nil
}
