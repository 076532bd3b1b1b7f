package hooks_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/TonyBeen/p2p/internal/fdtable"
	"github.com/TonyBeen/p2p/internal/hooks"
	"github.com/TonyBeen/p2p/internal/reactor"
	"github.com/TonyBeen/p2p/internal/scheduler"
)

// testEnv is a running reactor with the hook layer wired into its worker
// contexts, the way the runner wires production reactors.
type testEnv struct {
	io    *reactor.IOManager
	table *fdtable.Table
	env   *hooks.Env
}

func newTestEnv(t *testing.T, workers int) *testEnv {
	t.Helper()
	te := &testEnv{table: fdtable.NewTable(0)}
	te.env = &hooks.Env{Table: te.table, ConnectTimeout: hooks.DefaultConnectTimeout}

	io, err := reactor.New("hooks-test", workers,
		reactor.WithContextDecorator(func(ctx context.Context) context.Context {
			return hooks.WithEnv(ctx, te.env)
		}))
	require.NoError(t, err)
	te.io = io
	te.env.IO = io

	io.Start(context.Background())
	t.Cleanup(io.Stop)
	return te
}

func (te *testEnv) spawn(fn func(ctx context.Context)) {
	te.io.Schedule(scheduler.Task{Callback: fn, Worker: scheduler.AnyWorker})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func socketpair(t *testing.T, te *testEnv) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	// Register both ends so the hook layer adopts them.
	require.NotNil(t, te.table.Get(fds[0], true))
	require.NotNil(t, te.table.Get(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func udpSocket(t *testing.T, te *testEnv) (fd int, addr *unix.SockaddrInet4) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NotNil(t, te.table.Get(fd, true))
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd, sa.(*unix.SockaddrInet4)
}

func TestSleepDoesNotBlockWorker(t *testing.T) {
	te := newTestEnv(t, 1)

	var mu sync.Mutex
	var order []string
	add := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var done atomic.Bool
	te.spawn(func(ctx context.Context) {
		hooks.Sleep(ctx, 60*time.Millisecond)
		add("A")
		done.Store(true)
	})
	te.spawn(func(ctx context.Context) {
		add("B")
	})

	waitFor(t, done.Load, "sleeping fiber to wake")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "A"}, order)
}

func TestRecvTimesOut(t *testing.T) {
	te := newTestEnv(t, 1)
	a, _ := socketpair(t, te)

	var elapsed atomic.Int64
	var gotErr atomic.Value
	var done atomic.Bool
	te.spawn(func(ctx context.Context) {
		tv := unix.NsecToTimeval((100 * time.Millisecond).Nanoseconds())
		require.NoError(t, hooks.SetsockoptTimeval(ctx, a, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv))

		start := time.Now()
		var buf [16]byte
		_, err := hooks.Recv(ctx, a, buf[:], 0)
		elapsed.Store(int64(time.Since(start)))
		gotErr.Store(err)
		done.Store(true)
	})

	waitFor(t, done.Load, "recv to time out")
	require.ErrorIs(t, gotErr.Load().(error), unix.ETIMEDOUT)
	assert.GreaterOrEqual(t, time.Duration(elapsed.Load()), 80*time.Millisecond)
	assert.Less(t, time.Duration(elapsed.Load()), 2*time.Second)
	// The timeout does not poison the descriptor.
	assert.Zero(t, te.io.PendingEvents())
}

func TestRecvWakesOnData(t *testing.T) {
	te := newTestEnv(t, 1)
	a, b := socketpair(t, te)

	var got atomic.Value
	var done atomic.Bool
	te.spawn(func(ctx context.Context) {
		var buf [16]byte
		n, err := hooks.Recv(ctx, a, buf[:], 0)
		require.NoError(t, err)
		got.Store(string(buf[:n]))
		done.Store(true)
	})

	time.Sleep(30 * time.Millisecond)
	_, err := unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	waitFor(t, done.Load, "recv to complete")
	assert.Equal(t, "hello", got.Load())
}

func TestSendRecvOverUDP(t *testing.T) {
	te := newTestEnv(t, 2)
	rxFD, rxAddr := udpSocket(t, te)
	txFD, _ := udpSocket(t, te)

	var payload atomic.Value
	var done atomic.Bool
	te.spawn(func(ctx context.Context) {
		var buf [64]byte
		n, from, err := hooks.RecvFrom(ctx, rxFD, buf[:], 0)
		require.NoError(t, err)
		require.NotNil(t, from)
		payload.Store(string(buf[:n]))
		done.Store(true)
	})

	te.spawn(func(ctx context.Context) {
		_, err := hooks.SendTo(ctx, txFD, []byte("datagram"), 0, rxAddr)
		require.NoError(t, err)
	})

	waitFor(t, done.Load, "datagram delivery")
	assert.Equal(t, "datagram", payload.Load())
}

func TestAcceptAndConnectLoopback(t *testing.T) {
	te := newTestEnv(t, 2)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NotNil(t, te.table.Get(lfd, true))
	require.NoError(t, unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 8))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	laddr := sa.(*unix.SockaddrInet4)
	t.Cleanup(func() { _ = unix.Close(lfd) })

	var echoed atomic.Value
	var done atomic.Bool

	te.spawn(func(ctx context.Context) {
		child, _, err := hooks.Accept(ctx, lfd)
		require.NoError(t, err)
		defer hooks.Close(ctx, child)

		var buf [32]byte
		n, err := hooks.Recv(ctx, child, buf[:], 0)
		require.NoError(t, err)
		_, err = hooks.Send(ctx, child, buf[:n], 0)
		require.NoError(t, err)
	})

	te.spawn(func(ctx context.Context) {
		cfd, err := hooks.Socket(ctx, unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		defer hooks.Close(ctx, cfd)

		require.NoError(t, hooks.ConnectWithTimeout(ctx, cfd, laddr, time.Second))
		_, err = hooks.Send(ctx, cfd, []byte("roundtrip"), 0)
		require.NoError(t, err)

		var buf [32]byte
		n, err := hooks.Recv(ctx, cfd, buf[:], 0)
		require.NoError(t, err)
		echoed.Store(string(buf[:n]))
		done.Store(true)
	})

	waitFor(t, done.Load, "tcp echo roundtrip")
	assert.Equal(t, "roundtrip", echoed.Load())
}

func TestConnectRefused(t *testing.T) {
	te := newTestEnv(t, 1)

	// Grab an ephemeral port and close it again so nothing listens there.
	probe, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(probe, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(probe)
	require.NoError(t, err)
	dead := sa.(*unix.SockaddrInet4)
	require.NoError(t, unix.Close(probe))

	var gotErr atomic.Value
	var done atomic.Bool
	te.spawn(func(ctx context.Context) {
		cfd, err := hooks.Socket(ctx, unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		defer hooks.Close(ctx, cfd)
		gotErr.Store(hooks.ConnectWithTimeout(ctx, cfd, dead, time.Second))
		done.Store(true)
	})

	waitFor(t, done.Load, "connect attempt")
	require.ErrorIs(t, gotErr.Load().(error), unix.ECONNREFUSED)
}

func TestFcntlMergesUserNonblock(t *testing.T) {
	te := newTestEnv(t, 1)
	a, _ := socketpair(t, te)

	var done atomic.Bool
	te.spawn(func(ctx context.Context) {
		// The user sees blocking semantics by default.
		flags, err := hooks.Fcntl(ctx, a, unix.F_GETFL, 0)
		require.NoError(t, err)
		assert.Zero(t, flags&unix.O_NONBLOCK)

		// The kernel flag is forced on regardless.
		raw, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
		require.NoError(t, err)
		assert.NotZero(t, raw&unix.O_NONBLOCK)

		// Clearing O_NONBLOCK records user intent but keeps the kernel bit.
		_, err = hooks.Fcntl(ctx, a, unix.F_SETFL, flags)
		require.NoError(t, err)
		raw, err = unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
		require.NoError(t, err)
		assert.NotZero(t, raw&unix.O_NONBLOCK)
		done.Store(true)
	})

	waitFor(t, done.Load, "fcntl checks")
}

func TestUserNonblockBypassesSuspension(t *testing.T) {
	te := newTestEnv(t, 1)
	a, _ := socketpair(t, te)

	var gotErr atomic.Value
	var done atomic.Bool
	te.spawn(func(ctx context.Context) {
		require.NoError(t, hooks.SetNonblock(ctx, a, true))
		var buf [8]byte
		_, err := hooks.Recv(ctx, a, buf[:], 0)
		gotErr.Store(err)
		done.Store(true)
	})

	waitFor(t, done.Load, "nonblocking recv")
	require.ErrorIs(t, gotErr.Load().(error), unix.EAGAIN)
}

func TestCloseCancelsSuspendedRecv(t *testing.T) {
	te := newTestEnv(t, 2)
	a, _ := socketpair(t, te)

	var gotErr atomic.Value
	var done atomic.Bool
	var suspended atomic.Bool

	te.spawn(func(ctx context.Context) {
		suspended.Store(true)
		var buf [8]byte
		_, err := hooks.Recv(ctx, a, buf[:], 0)
		gotErr.Store(err)
		done.Store(true)
	})

	waitFor(t, func() bool { return suspended.Load() && te.io.PendingEvents() == 1 }, "recv suspension")

	te.spawn(func(ctx context.Context) {
		require.NoError(t, hooks.Close(ctx, a))
	})

	waitFor(t, done.Load, "cancelled recv to return")
	require.Error(t, gotErr.Load().(error))
	assert.Zero(t, te.io.PendingEvents())
}

func TestSocketRegistersEntry(t *testing.T) {
	te := newTestEnv(t, 1)

	var done atomic.Bool
	te.spawn(func(ctx context.Context) {
		fd, err := hooks.Socket(ctx, unix.AF_INET, unix.SOCK_DGRAM, 0)
		require.NoError(t, err)
		entry := te.table.Get(fd, false)
		require.NotNil(t, entry)
		assert.True(t, entry.IsSocket())
		assert.True(t, entry.SysNonblock())
		require.NoError(t, hooks.Close(ctx, fd))
		assert.Nil(t, te.table.Get(fd, false))
		done.Store(true)
	})

	waitFor(t, done.Load, "socket lifecycle")
}
