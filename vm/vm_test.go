package vm_test

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

func newRuntime(t *testing.T, opts ...vm.Option) *vm.Runtime {
	t.Helper()
	opts = append([]vm.Option{vm.WithSuspendTimeout(50 * time.Millisecond)}, opts...)
	rt, err := vm.New(context.Background(), opts...)
	require.NoError(t, err)
	return rt
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
	t.Cleanup(func() { s.halt(t, rt) })
	return s
}

// halt stops the spinner and waits for its thread to detach.
func (s *spinner) halt(t *testing.T, rt *vm.Runtime) {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	require.Eventually(t, func() bool {
		return lookup(rt, s.peer) == nil
	}, 5*time.Second, time.Millisecond)
}

func lookup(rt *vm.Runtime, p *vm.Peer) *vm.Thread {
	l := rt.Locks()
	l.ThreadList.Lock(nil)
	defer l.ThreadList.Unlock(nil)
	return rt.ThreadList().FromPeer(p)
}

func stateOf(rt *vm.Runtime, t *vm.Thread) vm.State {
	l := rt.Locks()
	l.ThreadSuspendCount.Lock(nil)
	defer l.ThreadSuspendCount.Unlock(nil)
	return t.State()
}

func counts(rt *vm.Runtime, t *vm.Thread) (internal, user int) {
	l := rt.Locks()
	l.ThreadSuspendCount.Lock(nil)
	defer l.ThreadSuspendCount.Unlock(nil)
	return t.InternalSuspendCount(), t.UserCodeSuspendCount()
}

// attachOnGoroutine attaches a thread on a fresh goroutine, which then runs
// each func sent on the returned channel until it is closed, and detaches.
func attachOnGoroutine(t *testing.T, rt *vm.Runtime, name string) (*vm.Thread, chan<- func(*vm.Thread)) {
	t.Helper()
	work := make(chan func(*vm.Thread))
	attached := make(chan *vm.Thread)
	go func() {
		self, err := rt.Attach(name, false)
		if err != nil {
			close(attached)
			return
		}
		attached <- self
		for f := range work {
			f(self)
		}
		self.Detach()
	}()
	self, ok := <-attached
	require.True(t, ok, "attach failed")
	return self, work
}

func TestNewRejectsInvalidEnv(t *testing.T) {
	t.Setenv(vm.ENV_SUSPEND_TIMEOUT, "soon")
	_, err := vm.New(context.Background())
	require.ErrorContains(t, err, vm.ENV_SUSPEND_TIMEOUT)
}

func TestNewReadsEnv(t *testing.T) {
	t.Setenv(vm.ENV_SUSPEND_TIMEOUT, "250ms")
	rt, err := vm.New(context.Background())
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, rt.SuspendTimeout())
}

func TestAttachDetach(t *testing.T) {
	rt := newRuntime(t)
	self, err := rt.Attach("main", false)
	require.NoError(t, err)
	require.Equal(t, "main", self.Name())
	require.Equal(t, vm.NormPriority, self.Priority())
	require.Equal(t, vm.Native, stateOf(rt, self))
	require.True(t, self.Peer().Started())
	require.Same(t, self, lookup(rt, self.Peer()))

	self.SetState(vm.Runnable)
	self.Detach()
	require.Nil(t, lookup(rt, self.Peer()))
	require.Equal(t, vm.Terminated, stateOf(rt, self))
}

func TestAttachPeerCompletesOnSetName(t *testing.T) {
	rt := newRuntime(t)
	p := rt.NewPeer(vm.PeerConfig{Name: "worker", Priority: vm.MaxPriority})
	self, err := rt.AttachPeer(p)
	require.NoError(t, err)
	defer self.Detach()

	l := rt.Locks()
	l.ThreadList.Lock(nil)
	require.True(t, self.IsStillStarting())
	l.ThreadList.Unlock(nil)
	require.Equal(t, vm.Starting, stateOf(rt, self))
	require.False(t, p.Started())
	require.Equal(t, vm.MaxPriority, self.Priority())

	self.SetName("renamed")
	l.ThreadList.Lock(nil)
	require.False(t, self.IsStillStarting())
	l.ThreadList.Unlock(nil)
	require.Equal(t, vm.Native, stateOf(rt, self))
	require.True(t, p.Started())
	require.Equal(t, "renamed", p.Name())
}

func TestAttachErrors(t *testing.T) {
	rt := newRuntime(t)
	other := newRuntime(t)

	_, err := rt.AttachPeer(nil)
	require.ErrorIs(t, err, vm.ErrNilPeer)

	_, err = rt.AttachPeer(other.NewPeer(vm.PeerConfig{Name: "x"}))
	require.ErrorIs(t, err, vm.ErrForeignPeer)

	self, err := rt.Attach("a", false)
	require.NoError(t, err)
	_, err = rt.AttachPeer(self.Peer())
	require.ErrorIs(t, err, vm.ErrAlreadyAttached)

	self.Detach()
	_, err = rt.AttachPeer(self.Peer())
	require.ErrorIs(t, err, vm.ErrPeerStarted)
}

func TestStopTheWorld(t *testing.T) {
	rt := newRuntime(t)
	var spinners []*spinner
	for i := 0; i < 4; i++ {
		spinners = append(spinners, startSpinner(t, rt, "spinner"))
	}

	var ran bool
	rt.StopTheWorld(nil, "test", func() {
		ran = true
		l := rt.Locks()
		l.ThreadList.Lock(nil)
		l.ThreadSuspendCount.Lock(nil)
		rt.ThreadList().ForEach(func(th *vm.Thread) {
			require.True(t, th.IsSuspended(), "thread %s", th)
			require.Equal(t, 1, th.InternalSuspendCount())
		})
		l.ThreadSuspendCount.Unlock(nil)
		l.ThreadList.Unlock(nil)

		before := make([]int64, len(spinners))
		for i, s := range spinners {
			before[i] = s.iters.Load()
		}
		time.Sleep(10 * time.Millisecond)
		for i, s := range spinners {
			require.Equal(t, before[i], s.iters.Load())
		}
	})
	require.True(t, ran)

	for _, s := range spinners {
		start := s.iters.Load()
		require.Eventually(t, func() bool {
			return s.iters.Load() > start
		}, 5*time.Second, time.Millisecond)
	}
}

func TestStopTheWorldFromManagedThread(t *testing.T) {
	rt := newRuntime(t)
	s := startSpinner(t, rt, "spinner")
	self, err := rt.Attach("stopper", false)
	require.NoError(t, err)
	defer self.Detach()
	self.SetState(vm.Runnable)

	rt.StopTheWorld(self, "test", func() {
		require.Equal(t, vm.WaitingForCheckPointsToRun, stateOf(rt, self))
		internal, _ := counts(rt, self)
		require.Zero(t, internal)
		require.Equal(t, vm.Suspended, stateOf(rt, lookup(rt, s.peer)))
	})
	require.Equal(t, vm.Runnable, stateOf(rt, self))
}

func TestThreadAttachingDuringStopTheWorldStartsSuspended(t *testing.T) {
	rt := newRuntime(t)
	rt.StopTheWorld(nil, "test", func() {
		self, err := rt.Attach("late", false)
		require.NoError(t, err)
		internal, _ := counts(rt, self)
		require.Equal(t, 1, internal)
		go func() {
			// Detach must wait for the world to restart.
			self.Detach()
		}()
		time.Sleep(10 * time.Millisecond)
		require.NotNil(t, lookup(rt, self.Peer()))
	})
	require.Eventually(t, func() bool {
		l := rt.Locks()
		l.ThreadList.Lock(nil)
		defer l.ThreadList.Unlock(nil)
		return rt.ThreadList().Len() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestSuspendThreadByPeer(t *testing.T) {
	rt := newRuntime(t)
	s := startSpinner(t, rt, "spinner")

	th, timedOut := rt.ThreadList().SuspendThreadByPeer(nil, s.peer, vm.SuspendInternal, time.Second)
	require.False(t, timedOut)
	require.NotNil(t, th)
	require.Equal(t, vm.Suspended, stateOf(rt, th))

	require.True(t, rt.ThreadList().Resume(nil, th, vm.SuspendInternal))
	require.False(t, rt.ThreadList().Resume(nil, th, vm.SuspendInternal))
	require.Eventually(t, func() bool {
		return stateOf(rt, th) == vm.Runnable
	}, 5*time.Second, time.Millisecond)
}

func TestSuspendThreadByPeerTimesOut(t *testing.T) {
	rt := newRuntime(t)
	th, work := attachOnGoroutine(t, rt, "busy")
	release := make(chan struct{})
	entered := make(chan struct{})
	work <- func(self *vm.Thread) {
		// Runnable, but never reaching a suspend check until released.
		self.SetState(vm.Runnable)
		close(entered)
		<-release
		self.SuspendCheck()
		self.SetState(vm.Native)
	}
	<-entered

	got, timedOut := rt.ThreadList().SuspendThreadByPeer(nil, th.Peer(), vm.SuspendInternal, 20*time.Millisecond)
	require.True(t, timedOut)
	require.Nil(t, got)
	internal, user := counts(rt, th)
	require.Zero(t, internal)
	require.Zero(t, user)

	close(release)
	close(work)
	require.Eventually(t, func() bool {
		return lookup(rt, th.Peer()) == nil
	}, 5*time.Second, time.Millisecond)
}

func TestSuspendThreadByPeerUnknownPeer(t *testing.T) {
	rt := newRuntime(t)
	p := rt.NewPeer(vm.PeerConfig{Name: "never started"})
	got, timedOut := rt.ThreadList().SuspendThreadByPeer(nil, p, vm.SuspendInternal, time.Second)
	require.Nil(t, got)
	require.False(t, timedOut)
}

func TestSetStateBlocksWhileSuspended(t *testing.T) {
	rt := newRuntime(t)
	th, work := attachOnGoroutine(t, rt, "native")
	defer close(work)

	// A thread in Native acknowledges immediately.
	got, timedOut := rt.ThreadList().SuspendThreadByPeer(nil, th.Peer(), vm.SuspendInternal, time.Second)
	require.False(t, timedOut)
	require.Same(t, th, got)

	returned := make(chan struct{})
	work <- func(self *vm.Thread) {
		self.SetState(vm.Runnable)
		close(returned)
		self.SetState(vm.Native)
	}
	select {
	case <-returned:
		t.Fatal("thread became runnable while suspended")
	case <-time.After(20 * time.Millisecond):
	}
	require.True(t, rt.ThreadList().Resume(nil, th, vm.SuspendInternal))
	<-returned
}

func TestDetachWaitsForResume(t *testing.T) {
	rt := newRuntime(t)
	th, work := attachOnGoroutine(t, rt, "leaving")

	_, timedOut := rt.ThreadList().SuspendThreadByPeer(nil, th.Peer(), vm.SuspendInternal, time.Second)
	require.False(t, timedOut)
	close(work)

	time.Sleep(20 * time.Millisecond)
	require.Same(t, th, lookup(rt, th.Peer()))

	require.True(t, rt.ThreadList().Resume(nil, th, vm.SuspendInternal))
	require.Eventually(t, func() bool {
		return lookup(rt, th.Peer()) == nil
	}, 5*time.Second, time.Millisecond)
}

func TestGlobalRefs(t *testing.T) {
	rt := newRuntime(t)
	p := rt.NewPeer(vm.PeerConfig{Name: "p"})
	a := rt.NewGlobalRef(p)
	b := rt.NewGlobalRef(p)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, rt.GlobalRefCount())
	require.Same(t, p, rt.DecodeGlobalRef(a))

	rt.DeleteGlobalRef(a)
	require.Nil(t, rt.DecodeGlobalRef(a))
	require.Same(t, p, rt.DecodeGlobalRef(b))
	rt.DeleteGlobalRef(b)
	require.Zero(t, rt.GlobalRefCount())
}

type recorder struct {
	started, died atomic.Int32
	states        chan vm.State
}

func (r *recorder) ThreadStart(self *vm.Thread) {
	r.started.Add(1)
	r.states <- stateOf(self.Runtime(), self)
}

func (r *recorder) ThreadDeath(self *vm.Thread) {
	r.died.Add(1)
}

func TestLifecycleCallbacks(t *testing.T) {
	rt := newRuntime(t)
	rec := &recorder{states: make(chan vm.State, 4)}
	rt.AddLifecycleCallback(nil, rec)

	self, err := rt.Attach("observed", false)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.started.Load())
	require.Equal(t, vm.Native, <-rec.states)
	self.Detach()
	require.EqualValues(t, 1, rec.died.Load())

	rt.SetPhase(vm.PhaseDead)
	self, err = rt.Attach("unobserved", false)
	require.NoError(t, err)
	self.Detach()
	require.EqualValues(t, 1, rec.started.Load())
	require.EqualValues(t, 1, rec.died.Load())

	rt.SetPhase(vm.PhaseLive)
	rt.RemoveLifecycleCallback(nil, rec)
	self, err = rt.Attach("removed", false)
	require.NoError(t, err)
	self.Detach()
	require.EqualValues(t, 1, rec.started.Load())
}

func TestSpawnMaxThreads(t *testing.T) {
	rt := newRuntime(t, vm.WithMaxThreads(1))
	release := make(chan struct{})
	done := make(chan struct{})
	require.NoError(t, rt.Spawn(func() {
		<-release
		close(done)
	}))
	require.ErrorIs(t, rt.Spawn(func() {}), vm.ErrTooManyThreads)
	close(release)
	<-done
	require.Eventually(t, func() bool {
		return rt.Spawn(func() {}) == nil
	}, 5*time.Second, time.Millisecond)
}

func TestInterrupt(t *testing.T) {
	rt := newRuntime(t)
	self, err := rt.Attach("main", false)
	require.NoError(t, err)
	defer self.Detach()
	require.False(t, self.IsInterrupted())
	self.Interrupt()
	require.True(t, self.IsInterrupted())
	require.True(t, self.ClearInterrupted())
	require.False(t, self.IsInterrupted())
}

func TestModifySuspendCountProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("counts never go negative and gate running", prop.ForAll(
		func(deltas []int, userCode []bool) bool {
			rt, err := vm.New(context.Background())
			if err != nil {
				return false
			}
			th, err := rt.Attach("t", false)
			if err != nil {
				return false
			}
			l := rt.Locks()
			var internal, user int
			ok := true
			for i, d := range deltas {
				reason, model := vm.SuspendInternal, &internal
				if i < len(userCode) && userCode[i] {
					reason, model = vm.SuspendForUserCode, &user
				}
				l.UserCodeSuspension.Lock(nil)
				l.ThreadSuspendCount.Lock(nil)
				applied := th.ModifySuspendCount(nil, d, reason)
				if applied != (*model+d >= 0) {
					ok = false
				}
				if applied {
					*model += d
				}
				if th.InternalSuspendCount() != internal || th.UserCodeSuspendCount() != user {
					ok = false
				}
				if th.CanRun() != (internal == 0 && user == 0) {
					ok = false
				}
				l.ThreadSuspendCount.Unlock(nil)
				l.UserCodeSuspension.Unlock(nil)
			}
			// Leave the thread detachable.
			l.UserCodeSuspension.Lock(nil)
			l.ThreadSuspendCount.Lock(nil)
			th.ModifySuspendCount(nil, -internal, vm.SuspendInternal)
			th.ModifySuspendCount(nil, -user, vm.SuspendForUserCode)
			l.ThreadSuspendCount.Unlock(nil)
			l.UserCodeSuspension.Unlock(nil)
			th.Detach()
			return ok
		},
		gen.SliceOf(gen.IntRange(-2, 2)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
