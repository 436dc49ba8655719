package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DataExMachina-dev/side-eye-ti/internal/locks"
)

// Thread is a managed thread: the runtime's record of one goroutine that
// executes managed code.
//
// Methods that take no self argument and are not documented as requiring a
// lock must be called from the thread's own goroutine.
type Thread struct {
	rt     *Runtime
	id     uint64
	peer   *Peer
	daemon bool

	// held tracks the suspension locks owned by this thread's goroutine.
	held locks.Held

	interrupted atomic.Bool

	mu struct {
		sync.Mutex
		name     string
		priority int
	}

	// Guarded by the thread list lock.
	stillStarting bool
	customTLS     any

	// Guarded by the thread suspend count lock.
	state                State
	internalSuspendCount int
	userCodeSuspendCount int
}

// ID returns the thread's runtime-unique id.
func (t *Thread) ID() uint64 {
	return t.id
}

// Peer returns the thread's language-level identity.
func (t *Thread) Peer() *Peer {
	return t.peer
}

// Runtime returns the runtime the thread is attached to.
func (t *Thread) Runtime() *Runtime {
	return t.rt
}

// IsDaemon returns whether the thread is a daemon thread.
func (t *Thread) IsDaemon() bool {
	return t.daemon
}

// Held returns the thread's lock bookkeeping. It returns nil for a nil
// thread, which disables lock-order checking for non-managed callers.
func (t *Thread) Held() *locks.Held {
	if t == nil {
		return nil
	}
	return &t.held
}

// Name returns the thread's name.
func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.name
}

// Priority returns the thread's priority.
func (t *Thread) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.priority
}

// SetPriority sets the thread's priority and its peer's priority field.
func (t *Thread) SetPriority(priority int) {
	t.mu.Lock()
	t.mu.priority = priority
	t.mu.Unlock()
	t.peer.setPriority(priority)
}

// SetName names the thread and its peer. For a thread attached with
// AttachPeer this completes attachment: the thread leaves the Starting state
// for Native and becomes visible to tools.
func (t *Thread) SetName(name string) {
	t.mu.Lock()
	t.mu.name = name
	t.mu.Unlock()
	t.peer.setName(name)

	l := t.rt.locks
	l.ThreadList.Lock(&t.held)
	finished := t.stillStarting
	if finished {
		t.stillStarting = false
		t.peer.markStarted()
		l.ThreadSuspendCount.Lock(&t.held)
		if t.state == Starting {
			t.state = Native
		}
		t.rt.broadcastLocked()
		l.ThreadSuspendCount.Unlock(&t.held)
	}
	l.ThreadList.Unlock(&t.held)
	if finished {
		t.rt.postThreadStart(t)
	}
}

// IsStillStarting returns whether the thread is attached but has not yet
// completed attachment.
//
// Must be called with the thread list lock held.
func (t *Thread) IsStillStarting() bool {
	return t.stillStarting
}

// CustomTLS returns the thread's tool-owned storage slot.
//
// Must be called with the thread list lock held.
func (t *Thread) CustomTLS() any {
	return t.customTLS
}

// SetCustomTLS replaces the thread's tool-owned storage slot.
//
// Must be called with the thread list lock held.
func (t *Thread) SetCustomTLS(v any) {
	t.customTLS = v
}

// State returns the thread's execution state.
//
// Must be called with the thread suspend count lock held.
func (t *Thread) State() State {
	return t.state
}

// InternalSuspendCount returns the runtime's suspend count.
//
// Must be called with the thread suspend count lock held.
func (t *Thread) InternalSuspendCount() int {
	return t.internalSuspendCount
}

// UserCodeSuspendCount returns the tools' suspend count.
//
// Must be called with the thread suspend count lock held.
func (t *Thread) UserCodeSuspendCount() int {
	return t.userCodeSuspendCount
}

// IsSuspended returns whether the thread is not executing managed code. A
// thread with a pending suspend request has acknowledged it once this is
// true.
//
// Must be called with the thread suspend count lock held.
func (t *Thread) IsSuspended() bool {
	return t.state != Runnable
}

// CanRun returns whether neither suspend count is raised.
//
// Must be called with the thread suspend count lock held.
func (t *Thread) CanRun() bool {
	return t.suspendCountLocked() == 0
}

func (t *Thread) suspendCountLocked() int {
	return t.internalSuspendCount + t.userCodeSuspendCount
}

// ModifySuspendCount adds delta to the suspend count selected by reason. It
// returns false, changing nothing, if the count would become negative.
//
// self is the requesting thread, or nil for a non-managed caller. Requests
// with SuspendForUserCode must come from a caller holding the user-code
// suspension lock.
//
// Must be called with the thread suspend count lock held.
func (t *Thread) ModifySuspendCount(self *Thread, delta int, reason SuspendReason) bool {
	l := t.rt.locks
	h := self.Held()
	l.ThreadSuspendCount.AssertHeld(h)
	count := &t.internalSuspendCount
	if reason == SuspendForUserCode {
		l.UserCodeSuspension.AssertHeld(h)
		count = &t.userCodeSuspendCount
	}
	if *count+delta < 0 {
		return false
	}
	*count += delta
	t.rt.broadcastLocked()
	return true
}

// SetState moves the thread to s and returns the previous state. Moving to
// Runnable blocks while either suspend count is raised.
func (t *Thread) SetState(s State) State {
	l := t.rt.locks
	if s == Runnable {
		l.UserCodeSuspension.AssertNotHeld(&t.held)
		l.ThreadList.AssertNotHeld(&t.held)
	}
	l.ThreadSuspendCount.Lock(&t.held)
	defer l.ThreadSuspendCount.Unlock(&t.held)
	old := t.state
	if s == Runnable && old != Runnable {
		for t.suspendCountLocked() > 0 {
			t.rt.waitLocked(&t.held)
		}
	}
	t.state = s
	if old != s {
		t.rt.broadcastLocked()
	}
	return old
}

// ScopedState moves the thread to s and returns a func that restores the
// previous state. It is a no-op for a nil thread.
//
//	defer self.ScopedState(vm.Native)()
func (t *Thread) ScopedState(s State) (restore func()) {
	if t == nil {
		return func() {}
	}
	old := t.SetState(s)
	return func() {
		t.SetState(old)
	}
}

// SuspendCheck parks the thread in the Suspended state while either suspend
// count is raised, then restores its previous state. It is a no-op for a nil
// thread. Running managed code must call it periodically.
func (t *Thread) SuspendCheck() {
	if t == nil {
		return
	}
	l := t.rt.locks
	l.UserCodeSuspension.AssertNotHeld(&t.held)
	l.ThreadSuspendCount.Lock(&t.held)
	defer l.ThreadSuspendCount.Unlock(&t.held)
	if t.suspendCountLocked() == 0 {
		return
	}
	prev := t.state
	t.state = Suspended
	t.rt.broadcastLocked()
	for t.suspendCountLocked() > 0 {
		t.rt.waitLocked(&t.held)
	}
	t.state = prev
	t.rt.broadcastLocked()
}

// Interrupt sets the thread's interrupt flag. It may be called from any
// goroutine.
func (t *Thread) Interrupt() {
	t.interrupted.Store(true)
}

// IsInterrupted returns the thread's interrupt flag. It may be called from
// any goroutine.
func (t *Thread) IsInterrupted() bool {
	return t.interrupted.Load()
}

// ClearInterrupted clears the interrupt flag and returns its old value.
func (t *Thread) ClearInterrupted() bool {
	return t.interrupted.Swap(false)
}

// Detach unregisters the thread. A thread with a pending suspend request
// stays registered, in the Native state, until it is resumed.
func (t *Thread) Detach() {
	t.SetState(Native)
	t.rt.postThreadDeath(t)

	l := t.rt.locks
	for {
		l.ThreadList.Lock(&t.held)
		l.ThreadSuspendCount.Lock(&t.held)
		if t.suspendCountLocked() == 0 {
			t.state = Terminated
			t.rt.threads.removeLocked(t)
			t.rt.broadcastLocked()
			l.ThreadSuspendCount.Unlock(&t.held)
			l.ThreadList.Unlock(&t.held)
			break
		}
		ch := t.rt.suspendCh
		l.ThreadSuspendCount.Unlock(&t.held)
		l.ThreadList.Unlock(&t.held)
		<-ch
	}
	t.rt.cfg.logger.Debug(t.rt.ctx, "thread detached", "thread", t.Name(), "id", t.id)
}

func (t *Thread) String() string {
	return fmt.Sprintf("Thread{id: %d, name: %q}", t.id, t.Name())
}
