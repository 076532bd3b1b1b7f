package server

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/TonyBeen/p2p/internal/pool"
	"github.com/TonyBeen/p2p/internal/protocol"
	"github.com/TonyBeen/p2p/internal/reactor"
	"github.com/TonyBeen/p2p/internal/scheduler"
	"github.com/TonyBeen/p2p/internal/socket"
)

// maxDatagramSize bounds one received datagram.
const maxDatagramSize = 64 * 1024

// sweepInterval is the liveness sweep cadence.
const sweepInterval = time.Second

// UDPConfig is the keep-alive/introduction service configuration.
type UDPConfig struct {
	Bind                 netip.AddrPort
	DisconnectionTimeout time.Duration
}

// UDPServer is the keep-alive and introduction service. A read fiber on the
// I/O reactor drains datagrams; a periodic sweep on the process reactor
// evicts silent peers.
//
// The server learns each peer's externally observed UDP endpoint from its
// keep-alives and, on request, introduces two live peers to each other by
// sending the target a CONNECT_TO_ME frame carrying the initiator's
// external address. The hole punching itself is client business.
type UDPServer struct {
	cfg      UDPConfig
	io       *reactor.IOManager
	process  *reactor.IOManager
	reg      *Registry
	liveness *Liveness
	stats    *Stats
	logger   *slog.Logger

	sock     atomic.Pointer[socket.Socket]
	stopping atomic.Bool
	sweepID  uint64
	bufs     *pool.Buffers
}

// NewUDPServer wires the service.
func NewUDPServer(cfg UDPConfig, io, process *reactor.IOManager, reg *Registry, liveness *Liveness, stats *Stats, logger *slog.Logger) *UDPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DisconnectionTimeout <= 0 {
		cfg.DisconnectionTimeout = 3 * time.Second
	}
	return &UDPServer{
		cfg:      cfg,
		io:       io,
		process:  process,
		reg:      reg,
		liveness: liveness,
		stats:    stats,
		logger:   logger,
		bufs:     pool.NewBuffers(maxDatagramSize),
	}
}

// Start binds the socket, launches the read fiber on the I/O reactor, and
// arms the sweep timer on the process reactor.
func (u *UDPServer) Start() error {
	ready := make(chan error, 1)
	u.io.Schedule(scheduler.Task{
		Callback: func(ctx context.Context) {
			sock, err := socket.NewUDP(ctx)
			if err == nil {
				if err = sock.Bind(u.cfg.Bind); err != nil {
					_ = sock.Close(ctx)
				}
			}
			if err != nil {
				ready <- err
				return
			}
			u.sock.Store(sock)
			ready <- nil
			u.logger.Info("udp listening", "addr", sock.LocalAddr())
			u.readLoop(ctx, sock)
		},
		Worker: scheduler.AnyWorker,
	})
	if err := <-ready; err != nil {
		return err
	}

	u.sweepID = u.process.Timers().Add(sweepInterval, func() {
		u.process.Schedule(scheduler.Task{Callback: u.sweep, Worker: scheduler.AnyWorker})
	}, sweepInterval)
	return nil
}

// Addr returns the bound socket address.
func (u *UDPServer) Addr() netip.AddrPort {
	if s := u.sock.Load(); s != nil {
		return s.LocalAddr()
	}
	return netip.AddrPort{}
}

// Stop disarms the sweep and closes the socket, which cancels the read
// fiber's pending receive.
func (u *UDPServer) Stop() {
	u.stopping.Store(true)
	if u.sweepID != 0 {
		u.process.Timers().Cancel(u.sweepID)
	}
	sock := u.sock.Load()
	if sock == nil {
		return
	}
	u.io.Schedule(scheduler.Task{
		Callback: func(ctx context.Context) { _ = sock.Close(ctx) },
		Worker:   scheduler.AnyWorker,
	})
}

// readLoop drains datagrams until the socket closes.
func (u *UDPServer) readLoop(ctx context.Context, sock *socket.Socket) {
	for {
		bufPtr := u.bufs.Get()
		buf := *bufPtr

		n, from, err := sock.RecvFrom(ctx, buf)
		if err != nil {
			u.bufs.Put(bufPtr)
			if !u.stopping.Load() && !errors.Is(err, socket.ErrClosed) {
				u.logger.Warn("udp recv failed", "err", err)
			}
			return
		}

		u.stats.RecordUDPDatagram()
		u.handleDatagram(ctx, sock, buf[:n], from)
		u.bufs.Put(bufPtr)
	}
}

// handleDatagram parses and answers one request. Malformed datagrams are
// skipped.
func (u *UDPServer) handleDatagram(ctx context.Context, sock *socket.Socket, data []byte, from netip.AddrPort) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		u.stats.RecordMalformed()
		u.logger.Warn("malformed datagram", "from", from, "len", len(data), "err", err)
		return
	}

	u.logger.Debug("udp request", "from", from, "cmd", frame.Cmd, "len", len(frame.Payload))

	switch frame.Cmd {
	case protocol.CmdSendPeerInfo:
		u.handleKeepAliveRegister(ctx, sock, frame.Payload, from)
	case protocol.CmdHeartbeatDetect:
		u.handleHeartbeat(ctx, sock, frame.Payload, from)
	case protocol.CmdConnectToPeer:
		u.handleIntroduction(ctx, sock, frame.Payload, from)
	default:
		u.logger.Warn("unknown udp command", "from", from, "cmd", frame.Cmd)
	}
}

// handleKeepAliveRegister records the sender's external UDP endpoint under
// the uuid it obtained over TCP. Unknown uuids answer NO_CONTENT.
func (u *UDPServer) handleKeepAliveRegister(ctx context.Context, sock *socket.Socket, payload []byte, from netip.AddrPort) {
	info, err := protocol.ParsePeerInfo(payload)
	if err != nil {
		u.stats.RecordMalformed()
		return
	}

	u.liveness.Upsert(info.UUID, from, time.Now())
	status := u.reg.SetUDPEndpoint(ctx, info.UUID, from)

	resp := protocol.NewResponse(protocol.CmdRespSendPeerInfo, status)
	u.reply(ctx, sock, protocol.CmdRespSendPeerInfo, resp, from)
}

// handleHeartbeat refreshes liveness and the registered UDP endpoint. A uuid
// the KV store no longer knows is dropped from liveness and answered with
// NO_CONTENT.
func (u *UDPServer) handleHeartbeat(ctx context.Context, sock *socket.Socket, payload []byte, from netip.AddrPort) {
	info, err := protocol.ParsePeerInfo(payload)
	if err != nil {
		u.stats.RecordMalformed()
		return
	}

	present, kvOK := u.reg.Exists(ctx, info.UUID)
	if kvOK && !present {
		u.liveness.Remove(info.UUID)
		resp := protocol.NewResponse(protocol.CmdRespHeartbeatDetect, protocol.StatusNoContent)
		u.reply(ctx, sock, protocol.CmdRespHeartbeatDetect, resp, from)
		return
	}

	// A heartbeat only refreshes a peer the liveness map still knows; an
	// evicted peer must re-register over the keep-alive path first.
	if !u.liveness.Touch(info.UUID, from, time.Now()) {
		resp := protocol.NewResponse(protocol.CmdRespHeartbeatDetect, protocol.StatusNoContent)
		u.reply(ctx, sock, protocol.CmdRespHeartbeatDetect, resp, from)
		return
	}

	var status protocol.Status
	if kvOK {
		status = u.reg.SetUDPEndpoint(ctx, info.UUID, from)
	} else {
		// Liveness keeps working without the KV store; the client learns
		// the registry is degraded.
		status = protocol.StatusRedisServerError
	}
	u.stats.RecordHeartbeat()
	resp := protocol.NewResponse(protocol.CmdRespHeartbeatDetect, status)
	u.reply(ctx, sock, protocol.CmdRespHeartbeatDetect, resp, from)
}

// handleIntroduction relays the initiator's external address to the target:
// the payload carries two PeerInfo structs, initiator then target. A target
// absent from the liveness map answers NOT_FOUND to the initiator.
func (u *UDPServer) handleIntroduction(ctx context.Context, sock *socket.Socket, payload []byte, from netip.AddrPort) {
	if len(payload) < 2*protocol.PeerInfoSize {
		u.stats.RecordMalformed()
		return
	}
	initiator, err := protocol.ParsePeerInfo(payload)
	if err != nil {
		u.stats.RecordMalformed()
		return
	}
	target, err := protocol.ParsePeerInfo(payload[protocol.PeerInfoSize:])
	if err != nil {
		u.stats.RecordMalformed()
		return
	}

	entry, live := u.liveness.Lookup(target.UUID)
	if !live {
		resp := protocol.NewResponse(protocol.CmdRespConnectToPeer, protocol.StatusNotFound)
		u.reply(ctx, sock, protocol.CmdRespConnectToPeer, resp, from)
		return
	}

	// Tell the target who is calling, from the address the server observed;
	// the initiator's self-reported address may be behind a NAT.
	intro := protocol.PeerInfo{Addr: from, UUID: initiator.UUID, Name: initiator.Name}
	frame := protocol.EncodeFrame(protocol.CmdConnectToMe, intro.AppendBinary(nil))
	if _, err := sock.SendTo(ctx, frame, entry.Addr); err != nil {
		u.logger.Warn("introduction send failed", "target", target.UUID, "addr", entry.Addr, "err", err)
	}
	u.stats.RecordIntroduction()
	u.logger.Debug("introduction relayed", "initiator", initiator.UUID, "target", target.UUID, "target_addr", entry.Addr)

	resp := protocol.NewResponse(protocol.CmdRespConnectToPeer, protocol.StatusOK)
	u.reply(ctx, sock, protocol.CmdRespConnectToPeer, resp, from)
}

func (u *UDPServer) reply(ctx context.Context, sock *socket.Socket, cmd uint16, resp protocol.Response, to netip.AddrPort) {
	frame := protocol.EncodeFrame(cmd, resp.AppendBinary(nil))
	if _, err := sock.SendTo(ctx, frame, to); err != nil {
		u.logger.Warn("udp reply failed", "to", to, "err", err)
	}
}

// sweep evicts liveness entries older than the disconnection timeout. The
// expired set is snapshotted first; KV deletes run outside the liveness
// lock; eviction happens only after the KV work for that peer completed,
// and only if the peer stayed silent meanwhile.
func (u *UDPServer) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-u.cfg.DisconnectionTimeout)
	expired := u.liveness.Expired(cutoff)
	if len(expired) == 0 {
		return
	}

	for uuid, snapshot := range expired {
		u.reg.ClearUDPEndpoint(ctx, uuid)
		if u.liveness.RemoveIfStale(uuid, snapshot) {
			u.stats.RecordSweepEviction()
			u.logger.Debug("liveness evicted", "uuid", uuid, "last_seen", snapshot.LastSeen)
		}
	}
}
