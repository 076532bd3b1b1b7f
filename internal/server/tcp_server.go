package server

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/TonyBeen/p2p/internal/reactor"
	"github.com/TonyBeen/p2p/internal/scheduler"
	"github.com/TonyBeen/p2p/internal/socket"
)

// TCPConfig is the dispatcher configuration.
type TCPConfig struct {
	Bind          netip.AddrPort
	RecvTimeout   time.Duration
	SendTimeout   time.Duration
	KeepAliveTime int
}

// TCPServer is the connection dispatcher: an accept fiber on a dedicated
// reactor hands each connection, with its socket timeouts applied, to a
// session fiber on the I/O reactor.
//
// The reactor split keeps head-of-line blocking local: a slow KV call inside
// one session occupies an I/O worker, never the accept loop.
type TCPServer struct {
	cfg    TCPConfig
	accept *reactor.IOManager
	io     *reactor.IOManager
	reg    *Registry
	stats  *Stats
	logger *slog.Logger

	listener atomic.Pointer[socket.Socket]
	stopping atomic.Bool
}

// NewTCPServer wires the dispatcher. acceptIO should be a single-worker
// reactor.
func NewTCPServer(cfg TCPConfig, acceptIO, io *reactor.IOManager, reg *Registry, stats *Stats, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		cfg:    cfg,
		accept: acceptIO,
		io:     io,
		reg:    reg,
		stats:  stats,
		logger: logger,
	}
}

// Start binds the listener on the accept reactor and launches the accept
// fiber. It returns once the listener is bound (or failed to).
func (t *TCPServer) Start() error {
	ready := make(chan error, 1)
	t.accept.Schedule(scheduler.Task{
		Callback: func(ctx context.Context) {
			ln, err := socket.NewTCP(ctx)
			if err == nil {
				if err = ln.Bind(t.cfg.Bind); err == nil {
					err = ln.Listen(0)
				}
				if err != nil {
					_ = ln.Close(ctx)
				}
			}
			if err != nil {
				ready <- err
				return
			}
			t.listener.Store(ln)
			ready <- nil
			t.logger.Info("tcp listening", "addr", ln.LocalAddr())
			t.acceptLoop(ctx, ln)
		},
		Worker: scheduler.AnyWorker,
	})
	return <-ready
}

// Addr returns the bound listener address.
func (t *TCPServer) Addr() netip.AddrPort {
	if ln := t.listener.Load(); ln != nil {
		return ln.LocalAddr()
	}
	return netip.AddrPort{}
}

// acceptLoop runs inside the accept fiber until the listener closes or an
// accept fails; a failed accept is logged and ends the loop.
func (t *TCPServer) acceptLoop(ctx context.Context, ln *socket.Socket) {
	for {
		cs, err := ln.Accept(ctx)
		if err != nil {
			if t.stopping.Load() || errors.Is(err, socket.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", "err", err)
			return
		}

		t.stats.RecordTCPSession()
		t.configureChild(ctx, cs)

		sess := newSession(cs, t.reg, t.stats, &t.stopping, t.logger)
		t.io.Schedule(scheduler.Task{Callback: sess.run, Worker: scheduler.AnyWorker})
	}
}

func (t *TCPServer) configureChild(ctx context.Context, cs *socket.Socket) {
	if t.cfg.RecvTimeout > 0 {
		if err := cs.SetRecvTimeout(ctx, t.cfg.RecvTimeout); err != nil {
			t.logger.Warn("set recv timeout failed", "err", err)
		}
	}
	if t.cfg.SendTimeout > 0 {
		if err := cs.SetSendTimeout(ctx, t.cfg.SendTimeout); err != nil {
			t.logger.Warn("set send timeout failed", "err", err)
		}
	}
	if err := cs.SetKeepAliveTime(ctx, t.cfg.KeepAliveTime); err != nil {
		t.logger.Warn("set keepalive failed", "err", err)
	}
}

// Stop closes the listener; running sessions notice the stopping flag at
// their next idle tick and drain.
func (t *TCPServer) Stop() {
	t.stopping.Store(true)
	ln := t.listener.Load()
	if ln == nil {
		return
	}
	t.accept.Schedule(scheduler.Task{
		Callback: func(ctx context.Context) { _ = ln.Close(ctx) },
		Worker:   scheduler.AnyWorker,
	})
}
