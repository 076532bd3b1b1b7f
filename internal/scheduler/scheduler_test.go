package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TonyBeen/p2p/internal/fiber"
)

// recorder collects strings from concurrently running tasks.
type recorder struct {
	mu    sync.Mutex
	items []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.items = append(r.items, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestCallbackRuns(t *testing.T) {
	s := New("test", 1)
	s.Start(context.Background())
	defer s.Stop()

	var ran atomic.Bool
	s.Schedule(Task{Callback: func(ctx context.Context) { ran.Store(true) }, Worker: AnyWorker})

	waitFor(t, ran.Load, "callback to run")
}

func TestFIFOOrderSingleWorker(t *testing.T) {
	s := New("fifo", 1)
	rec := &recorder{}

	tasks := make([]Task, 0, 10)
	for i := 0; i < 10; i++ {
		name := string(rune('a' + i))
		tasks = append(tasks, Task{
			Callback: func(ctx context.Context) { rec.add(name) },
			Worker:   AnyWorker,
		})
	}
	s.ScheduleAll(tasks)
	s.Start(context.Background())

	waitFor(t, func() bool { return len(rec.snapshot()) == 10 }, "all tasks")
	s.Stop()

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, rec.snapshot())
}

func TestPinnedTaskRunsOnItsWorker(t *testing.T) {
	s := New("pinned", 3)
	s.Start(context.Background())
	defer s.Stop()

	var got atomic.Int32
	got.Store(-2)
	var done atomic.Bool
	s.Schedule(Task{
		Callback: func(ctx context.Context) {
			got.Store(int32(WorkerID(ctx)))
			done.Store(true)
		},
		Worker: 2,
	})

	waitFor(t, done.Load, "pinned task")
	assert.Equal(t, int32(2), got.Load())
}

func TestFiberYieldReadyIsRequeued(t *testing.T) {
	s := New("ready", 1)
	s.Start(context.Background())
	defer s.Stop()

	var rounds atomic.Int32
	f := fiber.New(func(ctx context.Context) {
		self := fiber.From(ctx)
		for i := 0; i < 3; i++ {
			rounds.Add(1)
			self.YieldReady()
		}
		rounds.Add(1)
	})
	s.Schedule(Task{Fiber: f, Worker: AnyWorker})

	waitFor(t, func() bool { return rounds.Load() == 4 }, "fiber rounds")
	waitFor(t, func() bool { return f.State() == fiber.Term }, "fiber term")
}

func TestSwitchTo(t *testing.T) {
	s := New("switch", 2)
	s.Start(context.Background())
	defer s.Stop()

	var before, after atomic.Int32
	before.Store(-2)
	after.Store(-2)
	var done atomic.Bool

	s.Schedule(Task{
		Callback: func(ctx context.Context) {
			before.Store(int32(WorkerID(ctx)))
			s.SwitchTo(ctx, 1)
			// Note: WorkerID(ctx) still reflects the original context; the
			// observable effect is that the fiber kept running.
			after.Store(1)
			done.Store(true)
		},
		Worker: 0,
	})

	waitFor(t, done.Load, "switched fiber to finish")
	assert.Equal(t, int32(0), before.Load())
	assert.Equal(t, int32(1), after.Load())
}

func TestSchedulerFromContext(t *testing.T) {
	s := New("ctx", 1)
	s.Start(context.Background())
	defer s.Stop()

	var same atomic.Bool
	s.Schedule(Task{Callback: func(ctx context.Context) {
		same.Store(From(ctx) == s)
	}, Worker: AnyWorker})

	waitFor(t, same.Load, "scheduler in context")
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	s := New("panic", 1)
	s.Start(context.Background())
	defer s.Stop()

	var survived atomic.Bool
	s.Schedule(Task{Callback: func(ctx context.Context) { panic("boom") }, Worker: AnyWorker})
	s.Schedule(Task{Callback: func(ctx context.Context) { survived.Store(true) }, Worker: AnyWorker})

	waitFor(t, survived.Load, "worker to survive a panicking task")
}

func TestStopDrainsQueue(t *testing.T) {
	s := New("drain", 2)
	var count atomic.Int32
	for i := 0; i < 20; i++ {
		s.Schedule(Task{Callback: func(ctx context.Context) { count.Add(1) }, Worker: AnyWorker})
	}
	s.Start(context.Background())
	waitFor(t, func() bool { return count.Load() == 20 }, "tasks before stop")
	s.Stop()
	assert.Equal(t, int32(20), count.Load())
	assert.Zero(t, s.queueLen())
}

func TestStopIsIdempotent(t *testing.T) {
	s := New("twice", 1)
	s.Start(context.Background())
	s.Stop()
	require.NotPanics(t, func() { s.Stop() })
}
