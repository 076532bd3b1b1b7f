// Package socket provides an owning façade over a raw descriptor whose
// operations go through the syscall hook layer, so they suspend the calling
// fiber instead of blocking a worker.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/TonyBeen/p2p/internal/hooks"
)

// Type fixes the socket kind at construction.
type Type int

const (
	// Stream is a TCP socket.
	Stream Type = iota
	// Datagram is a UDP socket.
	Datagram
)

// ErrClosed is returned from operations on a closed socket.
var ErrClosed = errors.New("socket closed")

// Socket owns one descriptor. Close is idempotent; the descriptor is
// relinquished exactly once and reactor interest is cancelled through the
// hook layer.
type Socket struct {
	fd     atomic.Int32
	typ    Type
	local  netip.AddrPort
	remote netip.AddrPort
}

// NewTCP creates a stream socket with SO_REUSEADDR, SO_KEEPALIVE, and
// TCP_NODELAY applied.
func NewTCP(ctx context.Context) (*Socket, error) {
	fd, err := hooks.Socket(ctx, unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	s := newSocket(fd, Stream)
	if err := s.initStreamOptions(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// NewUDP creates a datagram socket.
func NewUDP(ctx context.Context) (*Socket, error) {
	fd, err := hooks.Socket(ctx, unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	return newSocket(fd, Datagram), nil
}

func newSocket(fd int, typ Type) *Socket {
	s := &Socket{typ: typ}
	s.fd.Store(int32(fd))
	return s
}

func (s *Socket) initStreamOptions(ctx context.Context) error {
	fd := s.FD()
	if err := hooks.SetsockoptInt(ctx, fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := hooks.SetsockoptInt(ctx, fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("SO_KEEPALIVE: %w", err)
	}
	if err := hooks.SetsockoptInt(ctx, fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("TCP_NODELAY: %w", err)
	}
	return nil
}

// FD returns the descriptor, -1 after close.
func (s *Socket) FD() int { return int(s.fd.Load()) }

// Kind returns the socket type fixed at construction.
func (s *Socket) Kind() Type { return s.typ }

// Closed reports whether the descriptor was relinquished.
func (s *Socket) Closed() bool { return s.fd.Load() < 0 }

// LocalAddr returns the bound address, zero before Bind.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// RemoteAddr returns the peer address for connected/accepted sockets.
func (s *Socket) RemoteAddr() netip.AddrPort { return s.remote }

// Bind binds the socket and records the resolved local address.
func (s *Socket) Bind(addr netip.AddrPort) error {
	fd := s.FD()
	if fd < 0 {
		return ErrClosed
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if got, err := unix.Getsockname(fd); err == nil {
		s.local = fromSockaddr(got)
	}
	return nil
}

// Listen moves a bound stream socket to the listening state.
func (s *Socket) Listen(backlog int) error {
	fd := s.FD()
	if fd < 0 {
		return ErrClosed
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Accept waits for a connection and returns an owning façade for the child.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	fd := s.FD()
	if fd < 0 {
		return nil, ErrClosed
	}
	child, sa, err := hooks.Accept(ctx, fd)
	if err != nil {
		return nil, err
	}
	cs := newSocket(child, Stream)
	cs.remote = fromSockaddr(sa)
	if got, err := unix.Getsockname(child); err == nil {
		cs.local = fromSockaddr(got)
	}
	return cs, nil
}

// Connect establishes a connection, suspending the calling fiber until
// completion, failure, or timeout (ETIMEDOUT).
func (s *Socket) Connect(ctx context.Context, addr netip.AddrPort, timeout time.Duration) error {
	fd := s.FD()
	if fd < 0 {
		return ErrClosed
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	if err := hooks.ConnectWithTimeout(ctx, fd, sa, timeout); err != nil {
		return err
	}
	s.remote = addr
	if got, err := unix.Getsockname(fd); err == nil {
		s.local = fromSockaddr(got)
	}
	return nil
}

// Recv reads into p from a connected socket.
func (s *Socket) Recv(ctx context.Context, p []byte) (int, error) {
	fd := s.FD()
	if fd < 0 {
		return 0, ErrClosed
	}
	return hooks.Recv(ctx, fd, p, 0)
}

// Send writes p to a connected socket.
func (s *Socket) Send(ctx context.Context, p []byte) (int, error) {
	fd := s.FD()
	if fd < 0 {
		return 0, ErrClosed
	}
	return hooks.Send(ctx, fd, p, 0)
}

// RecvFrom reads one datagram and its source address.
func (s *Socket) RecvFrom(ctx context.Context, p []byte) (int, netip.AddrPort, error) {
	fd := s.FD()
	if fd < 0 {
		return 0, netip.AddrPort{}, ErrClosed
	}
	n, from, err := hooks.RecvFrom(ctx, fd, p, 0)
	if err != nil {
		return n, netip.AddrPort{}, err
	}
	return n, fromSockaddr(from), nil
}

// SendTo writes one datagram to addr.
func (s *Socket) SendTo(ctx context.Context, p []byte, addr netip.AddrPort) (int, error) {
	fd := s.FD()
	if fd < 0 {
		return 0, ErrClosed
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return 0, err
	}
	return hooks.SendTo(ctx, fd, p, 0, sa)
}

// SetRecvTimeout records and applies SO_RCVTIMEO.
func (s *Socket) SetRecvTimeout(ctx context.Context, d time.Duration) error {
	return s.setTimeout(ctx, unix.SO_RCVTIMEO, d)
}

// SetSendTimeout records and applies SO_SNDTIMEO.
func (s *Socket) SetSendTimeout(ctx context.Context, d time.Duration) error {
	return s.setTimeout(ctx, unix.SO_SNDTIMEO, d)
}

func (s *Socket) setTimeout(ctx context.Context, opt int, d time.Duration) error {
	fd := s.FD()
	if fd < 0 {
		return ErrClosed
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return hooks.SetsockoptTimeval(ctx, fd, unix.SOL_SOCKET, opt, &tv)
}

// SetKeepAliveTime enables keep-alive with the given idle time in seconds.
func (s *Socket) SetKeepAliveTime(ctx context.Context, secs int) error {
	fd := s.FD()
	if fd < 0 {
		return ErrClosed
	}
	if err := hooks.SetsockoptInt(ctx, fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if secs > 0 {
		if err := hooks.SetsockoptInt(ctx, fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
			return err
		}
	}
	return nil
}

// Close relinquishes the descriptor: reactor interest is cancelled and the
// fd table entry erased through the hook layer. Safe to call repeatedly.
func (s *Socket) Close(ctx context.Context) error {
	fd := s.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	return hooks.Close(ctx, int(fd))
}

func toSockaddr(addr netip.AddrPort) (unix.Sockaddr, error) {
	ip := addr.Addr()
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	if !ip.Is4() {
		return nil, fmt.Errorf("address %s is not IPv4", addr)
	}
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	}
	return netip.AddrPort{}
}
