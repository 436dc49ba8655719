package ti_test

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/side-eye-ti/ti"
	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

func newRuntime(t *testing.T, opts ...vm.Option) *vm.Runtime {
	t.Helper()
	opts = append([]vm.Option{vm.WithSuspendTimeout(20 * time.Millisecond)}, opts...)
	rt, err := vm.New(context.Background(), opts...)
	require.NoError(t, err)
	return rt
}

func newEnv(t *testing.T, rt *vm.Runtime, opts ...ti.Option) *ti.Env {
	t.Helper()
	return ti.NewEnv(rt, nil, opts...)
}

// attach attaches the test goroutine as a managed thread.
func attach(t *testing.T, rt *vm.Runtime, name string) *vm.Thread {
	t.Helper()
	self, err := rt.Attach(name, false)
	require.NoError(t, err)
	t.Cleanup(self.Detach)
	return self
}

// spinner is a thread running managed code that polls for suspension.
type spinner struct {
	peer  *vm.Peer
	iters atomic.Int64
	stop  chan struct{}
}

func startSpinner(t *testing.T, rt *vm.Runtime, name string) *spinner {
	t.Helper()
	s := &spinner{
		peer: rt.NewPeer(vm.PeerConfig{Name: name}),
		stop: make(chan struct{}),
	}
	running := make(chan struct{})
	require.NoError(t, rt.StartThread(s.peer, func(self *vm.Thread) {
		close(running)
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			self.SuspendCheck()
			s.iters.Add(1)
			runtime.Gosched()
		}
	}))
	<-running
	t.Cleanup(func() {
		close(s.stop)
		require.Eventually(t, func() bool {
			return lookup(rt, s.peer) == nil
		}, 10*time.Second, time.Millisecond, "spinner %s did not exit", name)
	})
	return s
}

// requireFrozen checks that s makes no progress for a while.
func (s *spinner) requireFrozen(t *testing.T) {
	t.Helper()
	before := s.iters.Load()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, before, s.iters.Load())
}

// requireRunning waits for s to make progress.
func (s *spinner) requireRunning(t *testing.T) {
	t.Helper()
	before := s.iters.Load()
	require.Eventually(t, func() bool {
		return s.iters.Load() > before
	}, 10*time.Second, time.Millisecond)
}

func lookup(rt *vm.Runtime, p *vm.Peer) *vm.Thread {
	l := rt.Locks()
	l.ThreadList.Lock(nil)
	defer l.ThreadList.Unlock(nil)
	return rt.ThreadList().FromPeer(p)
}

func userCount(rt *vm.Runtime, p *vm.Peer) int {
	l := rt.Locks()
	l.ThreadList.Lock(nil)
	defer l.ThreadList.Unlock(nil)
	t := rt.ThreadList().FromPeer(p)
	if t == nil {
		return 0
	}
	l.ThreadSuspendCount.Lock(nil)
	defer l.ThreadSuspendCount.Unlock(nil)
	return t.UserCodeSuspendCount()
}

// waitSuspended waits until the thread under p is suspended for user code.
func waitSuspended(t *testing.T, env *ti.Env, self *vm.Thread, p *vm.Peer) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := env.GetThreadState(self, p)
		return err == nil && st.Flags&ti.FlagSuspended != 0
	}, 10*time.Second, time.Millisecond)
}

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]int
}

func (m *countingMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]float64)
	}
	m.counters[name] += value
}

func (m *countingMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timers == nil {
		m.timers = make(map[string]int)
	}
	m.timers[name]++
}

func (m *countingMetrics) count(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *countingMetrics) timed(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[name]
}
