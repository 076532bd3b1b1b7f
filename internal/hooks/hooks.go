// Package hooks provides cooperative replacements for blocking syscalls.
//
// Each replacement consults the fd table and, on a would-block condition,
// registers interest with the reactor, optionally arms a timeout timer bound
// to a liveness token, and suspends the current fiber. The scheduler runs
// other fibers on the worker until readiness (or the timer) reschedules the
// suspended one.
//
// Enablement is carried in the context: worker contexts of a reactor carry
// the hook environment, so code running on reactor workers cooperates, and
// the same call made elsewhere degrades to the plain syscall.
package hooks

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/TonyBeen/p2p/internal/fdtable"
	"github.com/TonyBeen/p2p/internal/fiber"
	"github.com/TonyBeen/p2p/internal/reactor"
	"github.com/TonyBeen/p2p/internal/scheduler"
	"github.com/TonyBeen/p2p/internal/timer"
)

// DefaultConnectTimeout bounds hooked connect calls when the config does not
// say otherwise.
const DefaultConnectTimeout = 3000 * time.Millisecond

// Env is the hook environment: the process fd table, the reactor whose
// workers the calling fiber runs on, and the configured connect timeout.
type Env struct {
	Table          *fdtable.Table
	IO             *reactor.IOManager
	ConnectTimeout time.Duration
}

type envKey struct{}

// WithEnv returns a context with the hook layer enabled.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// Enabled reports whether hooked calls in this context cooperate with the
// reactor.
func Enabled(ctx context.Context) bool { return envFrom(ctx) != nil }

func envFrom(ctx context.Context) *Env {
	env, _ := ctx.Value(envKey{}).(*Env)
	return env
}

// Sleep suspends the current fiber for d without blocking its worker. Outside
// fiber context it degrades to a plain sleep.
func Sleep(ctx context.Context, d time.Duration) {
	env := envFrom(ctx)
	f := fiber.From(ctx)
	if env == nil || env.IO == nil || f == nil {
		time.Sleep(d)
		return
	}
	sched := scheduler.From(ctx)
	if sched == nil {
		sched = env.IO.Scheduler
	}
	env.IO.Timers().Add(d, func() {
		sched.Schedule(scheduler.Task{Fiber: f, Worker: scheduler.AnyWorker})
	}, 0)
	f.YieldHold()
}

// Usleep is Sleep in microseconds.
func Usleep(ctx context.Context, usec uint64) {
	Sleep(ctx, time.Duration(usec)*time.Microsecond)
}

// Socket creates a socket and eagerly registers it in the fd table, which
// also forces the descriptor non-blocking.
func Socket(ctx context.Context, domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if env := envFrom(ctx); env != nil {
		env.Table.Get(fd, true)
	}
	return fd, nil
}

// Connect performs a cooperative connect bounded by the environment's
// configured connect timeout.
func Connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	to := DefaultConnectTimeout
	if env := envFrom(ctx); env != nil && env.ConnectTimeout > 0 {
		to = env.ConnectTimeout
	}
	return ConnectWithTimeout(ctx, fd, sa, to)
}

// ConnectWithTimeout connects fd to sa, suspending the calling fiber until
// the socket becomes writable, the timeout elapses (ETIMEDOUT), or the
// attempt fails with the errno reported by SO_ERROR.
func ConnectWithTimeout(ctx context.Context, fd int, sa unix.Sockaddr, timeout time.Duration) error {
	env := envFrom(ctx)
	f := fiber.From(ctx)
	if env == nil || env.IO == nil || f == nil {
		return unix.Connect(fd, sa)
	}
	entry := env.Table.Get(fd, false)
	if entry == nil || entry.Closed() {
		return unix.EBADF
	}
	if !entry.IsSocket() || entry.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	io := env.IO
	tok := timer.NewToken()
	var timerID uint64
	if timeout > 0 {
		timerID = io.Timers().AddConditional(timeout, func() {
			if !tok.SetCancelled(int32(unix.ETIMEDOUT)) {
				return
			}
			io.CancelEvent(fd, reactor.Write)
		}, tok, 0)
	}

	if err := io.AddEvent(ctx, fd, reactor.Write, nil); err != nil {
		if timerID != 0 {
			io.Timers().Cancel(timerID)
		}
		tok.Release()
		return err
	}

	f.YieldHold()

	if timerID != 0 {
		io.Timers().Cancel(timerID)
	}
	tok.Release()
	if errno := tok.Cancelled(); errno != 0 {
		return unix.Errno(errno)
	}
	if entry.Closed() {
		return unix.EBADF
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Accept waits for a connection on fd and registers the child in the fd
// table. Honours the recorded SO_RCVTIMEO.
func Accept(ctx context.Context, fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(ctx, fd, reactor.Read, fdtable.RecvTimeout, func() (int, error) {
		n, a, e := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if e == nil {
			sa = a
		}
		return n, e
	})
	if err != nil {
		return -1, nil, err
	}
	if env := envFrom(ctx); env != nil {
		env.Table.Get(nfd, true)
	}
	return nfd, sa, nil
}

// Recv receives from a connected socket.
func Recv(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	return doIO(ctx, fd, reactor.Read, fdtable.RecvTimeout, func() (int, error) {
		n, _, e := unix.Recvfrom(fd, p, flags)
		return n, e
	})
}

// RecvFrom receives one datagram with its source address.
func RecvFrom(ctx context.Context, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(ctx, fd, reactor.Read, fdtable.RecvTimeout, func() (int, error) {
		n, a, e := unix.Recvfrom(fd, p, flags)
		if e == nil {
			from = a
		}
		return n, e
	})
	return n, from, err
}

// RecvMsg receives with ancillary data.
func RecvMsg(ctx context.Context, fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	var (
		oobn, recvflags int
		from            unix.Sockaddr
	)
	n, err := doIO(ctx, fd, reactor.Read, fdtable.RecvTimeout, func() (int, error) {
		n, on, rf, a, e := unix.Recvmsg(fd, p, oob, flags)
		if e == nil {
			oobn, recvflags, from = on, rf, a
		}
		return n, e
	})
	return n, oobn, recvflags, from, err
}

// Send sends on a connected socket.
func Send(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	return doIO(ctx, fd, reactor.Write, fdtable.SendTimeout, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	})
}

// SendTo sends one datagram to an explicit destination.
func SendTo(ctx context.Context, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(ctx, fd, reactor.Write, fdtable.SendTimeout, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// SendMsg sends with ancillary data.
func SendMsg(ctx context.Context, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(ctx, fd, reactor.Write, fdtable.SendTimeout, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close cancels every reactor registration on fd, erases its fd table entry,
// and closes the descriptor.
func Close(ctx context.Context, fd int) error {
	if env := envFrom(ctx); env != nil {
		if entry := env.Table.Get(fd, false); entry != nil {
			entry.MarkClosed()
			io := env.IO
			if r := reactor.From(ctx); r != nil {
				io = r
			}
			if io != nil {
				io.CancelAll(fd)
			}
			env.Table.Del(fd)
		}
	}
	return unix.Close(fd)
}

// Fcntl merges the user-visible non-blocking bit over the real flags:
// F_GETFL reports user intent, F_SETFL records user intent but keeps the
// underlying descriptor non-blocking for sockets.
func Fcntl(ctx context.Context, fd, cmd, arg int) (int, error) {
	env := envFrom(ctx)
	var entry *fdtable.Entry
	if env != nil {
		entry = env.Table.Get(fd, false)
	}

	switch cmd {
	case unix.F_SETFL:
		if entry != nil && entry.IsSocket() && !entry.Closed() {
			entry.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
			if entry.SysNonblock() {
				arg |= unix.O_NONBLOCK
			} else {
				arg &^= unix.O_NONBLOCK
			}
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		if entry != nil && entry.IsSocket() && !entry.Closed() {
			if entry.UserNonblock() {
				flags |= unix.O_NONBLOCK
			} else {
				flags &^= unix.O_NONBLOCK
			}
		}
		return flags, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// SetNonblock is the FIONBIO path: it updates the user non-blocking flag.
// The underlying descriptor stays non-blocking for sockets.
func SetNonblock(ctx context.Context, fd int, nonblocking bool) error {
	if env := envFrom(ctx); env != nil {
		if entry := env.Table.Get(fd, false); entry != nil && entry.IsSocket() && !entry.Closed() {
			entry.SetUserNonblock(nonblocking)
			return nil
		}
	}
	return unix.SetNonblock(fd, nonblocking)
}

// GetsockoptInt passes through to the kernel.
func GetsockoptInt(ctx context.Context, fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// SetsockoptInt passes through to the kernel.
func SetsockoptInt(ctx context.Context, fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval records SO_RCVTIMEO/SO_SNDTIMEO in the fd table and
// forwards to the kernel.
func SetsockoptTimeval(ctx context.Context, fd, level, opt int, tv *unix.Timeval) error {
	if env := envFrom(ctx); env != nil && level == unix.SOL_SOCKET &&
		(opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if entry := env.Table.Get(fd, false); entry != nil {
			ms := int64(tv.Sec)*1000 + int64(tv.Usec)/1000
			kind := fdtable.RecvTimeout
			if opt == unix.SO_SNDTIMEO {
				kind = fdtable.SendTimeout
			}
			entry.SetTimeout(kind, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// callRetryIntr invokes call, retrying while it reports EINTR.
func callRetryIntr(call func() (int, error)) (int, error) {
	for {
		n, err := call()
		if err != unix.EINTR {
			return n, err
		}
	}
}

// doIO is the generic I/O template shared by accept and the recv/send
// families. It degrades to a direct call (repeated only on EINTR) when the hook layer is
// disabled, the descriptor is unknown or not a socket, or the user asked for
// non-blocking semantics; otherwise it retries around EAGAIN by suspending
// the fiber on reactor readiness, bounded by the recorded timeout.
func doIO(
	ctx context.Context,
	fd int,
	ev reactor.EventType,
	kind fdtable.TimeoutKind,
	call func() (int, error),
) (int, error) {
	env := envFrom(ctx)
	f := fiber.From(ctx)
	if env == nil || env.IO == nil || f == nil {
		return callRetryIntr(call)
	}
	entry := env.Table.Get(fd, false)
	if entry == nil {
		return callRetryIntr(call)
	}
	if entry.Closed() {
		return 0, unix.EBADF
	}
	if !entry.IsSocket() || entry.UserNonblock() {
		return callRetryIntr(call)
	}

	io := env.IO
	for {
		n, err := callRetryIntr(call)
		if err != unix.EAGAIN {
			return n, err
		}

		toMs := entry.Timeout(kind)
		tok := timer.NewToken()
		var timerID uint64
		if toMs >= 0 {
			timerID = io.Timers().AddConditional(time.Duration(toMs)*time.Millisecond, func() {
				if !tok.SetCancelled(int32(unix.ETIMEDOUT)) {
					return
				}
				io.CancelEvent(fd, ev)
			}, tok, 0)
		}

		if err := io.AddEvent(ctx, fd, ev, nil); err != nil {
			if timerID != 0 {
				io.Timers().Cancel(timerID)
			}
			tok.Release()
			return 0, err
		}

		f.YieldHold()

		if timerID != 0 {
			io.Timers().Cancel(timerID)
		}
		tok.Release()
		if errno := tok.Cancelled(); errno != 0 {
			return 0, unix.Errno(errno)
		}
		if entry.Closed() {
			// Woken by close; the fd number may already belong to someone
			// else, so never touch it again.
			return 0, unix.EBADF
		}
		// Readiness observed: go around and retry the call.
	}
}
