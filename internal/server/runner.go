package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/TonyBeen/p2p/internal/config"
	"github.com/TonyBeen/p2p/internal/fdtable"
	"github.com/TonyBeen/p2p/internal/hooks"
	"github.com/TonyBeen/p2p/internal/kv"
	"github.com/TonyBeen/p2p/internal/reactor"
)

// Runner assembles and runs the rendezvous server: three reactors (accept,
// I/O, process), the shared fd table, the KV pool, and the TCP/UDP services.
type Runner struct {
	cfg    *config.Config
	logger *slog.Logger

	pool     *kv.Pool
	registry *Registry
	liveness *Liveness
	stats    *Stats
}

// NewRunner prepares the shared state. The KV pool dials lazily, so
// construction cannot fail on an unreachable store.
func NewRunner(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := kv.Options{Host: cfg.Redis.Host, Port: cfg.Redis.Port, Auth: cfg.Redis.Auth}
	pool, err := kv.NewPool(int(cfg.Redis.Amount), func() (kv.Store, error) {
		return kv.NewRedisStore(opts), nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv pool: %w", err)
	}

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: NewRegistry(pool, logger),
		liveness: NewLiveness(),
		stats:    NewStats(),
	}
	return r, nil
}

// Registry exposes the peer directory (management API).
func (r *Runner) Registry() *Registry { return r.registry }

// Liveness exposes the UDP liveness map (management API).
func (r *Runner) Liveness() *Liveness { return r.liveness }

// Stats exposes the counters (management API).
func (r *Runner) Stats() *Stats { return r.stats }

// newReactor builds one reactor with the hook environment installed in its
// worker contexts.
func (r *Runner) newReactor(name string, workers int, table *fdtable.Table) (*reactor.IOManager, error) {
	env := &hooks.Env{
		Table:          table,
		ConnectTimeout: time.Duration(r.cfg.TCP.ConnectTimeoutMs) * time.Millisecond,
	}
	io, err := reactor.New(name, workers,
		reactor.WithEventSize(int(r.cfg.Epoll.EventSize)),
		reactor.WithLogger(r.logger),
		reactor.WithContextDecorator(func(ctx context.Context) context.Context {
			return hooks.WithEnv(ctx, env)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("reactor %s: %w", name, err)
	}
	env.IO = io
	return io, nil
}

func bindAddr(host string, port uint16) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bind host %q: %w", host, err)
	}
	return netip.AddrPortFrom(addr, port), nil
}

// Run starts everything and blocks until ctx is cancelled, then stops in
// reverse order: accept, services, reactors, KV pool.
func (r *Runner) Run(ctx context.Context) error {
	tcpBind, err := bindAddr(r.cfg.TCP.Host, r.cfg.TCP.Port)
	if err != nil {
		return err
	}
	udpBind, err := bindAddr(r.cfg.UDP.Host, r.cfg.UDP.Port)
	if err != nil {
		return err
	}

	table := fdtable.NewTable(1024)

	acceptIO, err := r.newReactor("accept", 1, table)
	if err != nil {
		return err
	}
	ioWorker, err := r.newReactor("io", int(r.cfg.Worker.IOWorkerNum), table)
	if err != nil {
		return err
	}
	processWorker, err := r.newReactor("process", int(r.cfg.Worker.ProcessWorkerNum), table)
	if err != nil {
		return err
	}

	acceptIO.Start(ctx)
	ioWorker.Start(ctx)
	processWorker.Start(ctx)

	if err := kv.Ping(ctx, kv.Options{Host: r.cfg.Redis.Host, Port: r.cfg.Redis.Port, Auth: r.cfg.Redis.Auth}); err != nil {
		// Non-fatal: directory operations answer with a degraded status
		// until the store comes back.
		r.logger.Warn("kv store unreachable at startup", "err", err)
	} else {
		r.logger.Info("kv store reachable", "host", r.cfg.Redis.Host, "port", r.cfg.Redis.Port, "pool", r.pool.Size())
	}

	tcp := NewTCPServer(TCPConfig{
		Bind:          tcpBind,
		RecvTimeout:   time.Duration(r.cfg.TCP.RecvTimeoutMs) * time.Millisecond,
		SendTimeout:   time.Duration(r.cfg.TCP.SendTimeoutMs) * time.Millisecond,
		KeepAliveTime: int(r.cfg.TCP.KeepAliveTime),
	}, acceptIO, ioWorker, r.registry, r.stats, r.logger)

	udp := NewUDPServer(UDPConfig{
		Bind:                 udpBind,
		DisconnectionTimeout: time.Duration(r.cfg.UDP.DisconnectionTimeoutMs) * time.Millisecond,
	}, ioWorker, processWorker, r.registry, r.liveness, r.stats, r.logger)

	if err := tcp.Start(); err != nil {
		stopReactors(acceptIO, ioWorker, processWorker)
		return fmt.Errorf("tcp server: %w", err)
	}
	if err := udp.Start(); err != nil {
		tcp.Stop()
		stopReactors(acceptIO, ioWorker, processWorker)
		return fmt.Errorf("udp server: %w", err)
	}

	r.logger.Info("rendezvous server running",
		"tcp", tcp.Addr(),
		"udp", udp.Addr(),
		"io_workers", r.cfg.Worker.IOWorkerNum,
		"process_workers", r.cfg.Worker.ProcessWorkerNum,
	)

	<-ctx.Done()
	r.logger.Info("shutting down")

	tcp.Stop()
	udp.Stop()
	stopReactors(acceptIO, ioWorker, processWorker)
	r.pool.Close()
	r.logger.Info("shutdown complete")
	return nil
}

func stopReactors(reactors ...*reactor.IOManager) {
	for _, m := range reactors {
		m.Stop()
	}
}
