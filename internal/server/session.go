package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/TonyBeen/p2p/internal/protocol"
	"github.com/TonyBeen/p2p/internal/socket"
)

// maxFramePayload bounds a single TCP request frame. Requests are one or two
// PeerInfo structs; anything much larger is a broken or hostile client.
const maxFramePayload = 64 * 1024

// errIdle marks a receive timeout with no partial frame: the connection is
// merely quiet, not broken.
var errIdle = errors.New("session idle")

// session serves one accepted rendezvous client: a loop of framed requests
// answered in order, written as straight-line fiber code.
type session struct {
	sock     *socket.Socket
	reg      *Registry
	stats    *Stats
	logger   *slog.Logger
	stopping *atomic.Bool

	// uuid of this session's last registration; refreshed registrations
	// delete the previous key first.
	uuid       string
	registered bool
}

func newSession(sock *socket.Socket, reg *Registry, stats *Stats, stopping *atomic.Bool, logger *slog.Logger) *session {
	return &session{
		sock:     sock,
		reg:      reg,
		stats:    stats,
		stopping: stopping,
		logger:   logger,
	}
}

// run is the per-connection fiber body.
func (s *session) run(ctx context.Context) {
	remote := s.sock.RemoteAddr()
	s.logger.Debug("session open", "remote", remote)
	defer func() {
		_ = s.sock.Close(ctx)
		s.logger.Debug("session closed", "remote", remote)
	}()

	header := make([]byte, protocol.HeaderSize)
	for {
		if s.stopping.Load() {
			return
		}

		if err := s.readFull(ctx, header, true); err != nil {
			if errors.Is(err, errIdle) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("session read ended", "remote", remote, "err", err)
			}
			return
		}

		hdr, err := protocol.ParseHeader(header)
		if err != nil {
			// Malformed frame on a stream: framing is lost, drop the
			// connection.
			s.stats.RecordMalformed()
			s.logger.Warn("malformed frame", "remote", remote, "err", err)
			return
		}
		if hdr.Length > maxFramePayload {
			s.stats.RecordMalformed()
			s.logger.Warn("oversized frame", "remote", remote, "length", hdr.Length)
			return
		}

		payload := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if err := s.readFull(ctx, payload, false); err != nil {
				return
			}
		}

		s.stats.RecordTCPRequest()
		if err := s.handle(ctx, hdr.Cmd, payload, remote); err != nil {
			return
		}
	}
}

// readFull reads exactly len(buf) bytes. With allowIdle, a receive timeout
// before the first byte yields errIdle so the caller keeps the connection; a
// timeout mid-read means lost framing and surfaces as an error.
func (s *session) readFull(ctx context.Context, buf []byte, allowIdle bool) error {
	read := 0
	for read < len(buf) {
		n, err := s.sock.Recv(ctx, buf[read:])
		if err != nil {
			if errors.Is(err, unix.ETIMEDOUT) && allowIdle && read == 0 {
				return errIdle
			}
			return err
		}
		if n == 0 {
			return io.EOF
		}
		read += n
	}
	return nil
}

func (s *session) handle(ctx context.Context, cmd uint16, payload []byte, remote netip.AddrPort) error {
	s.logger.Debug("session request", "remote", remote, "cmd", cmd, "len", len(payload))

	switch cmd {
	case protocol.CmdSendPeerInfo:
		return s.handleRegister(ctx, payload, remote)
	case protocol.CmdGetPeerInfo:
		return s.handleListPeers(ctx)
	case protocol.CmdConnectToPeer:
		// Connectivity is negotiated over the UDP path; the TCP side just
		// acknowledges.
		resp := protocol.NewResponse(protocol.CmdRespConnectToPeer, protocol.StatusOK)
		return s.send(ctx, protocol.CmdRespConnectToPeer, resp.AppendBinary(nil))
	default:
		s.logger.Warn("unknown command", "remote", remote, "cmd", cmd)
		return nil
	}
}

// handleRegister assigns the peer its uuid (md5 of name+ip) and writes the
// TCP registration. A re-registration deletes the previous key first.
func (s *session) handleRegister(ctx context.Context, payload []byte, remote netip.AddrPort) error {
	info, err := protocol.ParsePeerInfo(payload)
	if err != nil {
		s.stats.RecordMalformed()
		return err
	}

	ip := remote.Addr().String()
	uuid := PeerUUID(info.Name, ip)

	if s.registered && s.uuid != "" {
		s.reg.Unregister(ctx, s.uuid)
	}

	status := s.reg.Register(ctx, uuid, PeerKey(info.Name, ip), ip, remote.Port())
	s.uuid = uuid
	s.registered = true
	s.stats.RecordRegistration()
	s.logger.Debug("peer registered", "uuid", uuid, "name", info.Name, "remote", remote, "status", uint16(status))

	resp := protocol.NewResponse(protocol.CmdRespSendPeerInfo, status)
	resp.Number = 1
	out := resp.AppendBinary(nil)
	out = protocol.PeerInfo{UUID: uuid, Name: info.Name}.AppendBinary(out)
	return s.send(ctx, protocol.CmdRespSendPeerInfo, out)
}

// handleListPeers returns every peer with a known UDP endpoint, excluding
// the caller itself.
func (s *session) handleListPeers(ctx context.Context) error {
	peers, status := s.reg.ListPeers(ctx, s.uuid)

	resp := protocol.NewResponse(protocol.CmdRespGetPeerInfo, status)
	resp.Number = uint32(len(peers))
	out := resp.AppendBinary(nil)
	for _, p := range peers {
		out = p.AppendBinary(out)
	}
	return s.send(ctx, protocol.CmdRespGetPeerInfo, out)
}

// send frames and writes the whole payload.
func (s *session) send(ctx context.Context, cmd uint16, payload []byte) error {
	buf := protocol.EncodeFrame(cmd, payload)
	sent := 0
	for sent < len(buf) {
		n, err := s.sock.Send(ctx, buf[sent:])
		if err != nil {
			s.logger.Debug("session send failed", "err", err)
			return err
		}
		sent += n
	}
	return nil
}
