package ti

import (
	"time"

	"github.com/google/uuid"

	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

// lockUserCodeSuspension acquires the user-code suspension lock on behalf of
// self and returns a func that releases it.
//
// A thread holding the lock must never become suspended by user code, or
// whoever would resume it could not get the lock. So self first honours any
// pending suspension, and if one arrives between that check and acquiring
// the lock, it lets go and starts over.
func (e *Env) lockUserCodeSuspension(self *vm.Thread) (unlock func()) {
	l := e.rt.Locks()
	h := self.Held()
	for {
		self.SuspendCheck()
		l.UserCodeSuspension.Lock(h)
		if self == nil {
			break
		}
		l.ThreadSuspendCount.Lock(h)
		pending := self.UserCodeSuspendCount() != 0
		l.ThreadSuspendCount.Unlock(h)
		if !pending {
			break
		}
		l.UserCodeSuspension.Unlock(h)
		e.cfg.metrics.IncCounter("ti.suspend.retries", 1, "cause", "self suspended")
		e.cfg.logger.Debug(e.ctx(), "suspended while acquiring user code suspension lock, retrying",
			"thread", self.Name())
	}
	return func() {
		l.UserCodeSuspension.Unlock(h)
	}
}

// resolveLocked maps a handle to its live thread. A nil handle is self.
//
// Must be called with the thread list lock held.
func (e *Env) resolveLocked(self *vm.Thread, peer *vm.Peer) (*vm.Thread, error) {
	if peer == nil {
		if self == nil {
			return nil, ErrInvalidThread
		}
		return self, nil
	}
	if peer.Runtime() != e.rt {
		return nil, ErrInvalidThread
	}
	t := e.rt.ThreadList().FromPeer(peer)
	if t == nil || t.IsStillStarting() {
		return nil, ErrThreadNotAlive
	}
	return t, nil
}

// Must be called with the thread list lock and the thread suspend count lock
// held.
func checkAliveLocked(t *vm.Thread) error {
	if t.IsStillStarting() {
		return ErrThreadNotAlive
	}
	switch t.State() {
	case vm.Terminated, vm.Starting:
		return ErrThreadNotAlive
	}
	return nil
}

func isSelf(self *vm.Thread, peer *vm.Peer) bool {
	return peer == nil || (self != nil && peer == self.Peer())
}

// SuspendThread suspends the target thread for user code.
//
// Suspending the calling thread blocks until another thread resumes it.
// Suspending another thread returns once the target has stopped running
// managed code. It fails with ErrThreadSuspended if the target is already
// suspended for user code, and with ErrThreadNotAlive if it has not started
// or has terminated.
func (e *Env) SuspendThread(self *vm.Thread, peer *vm.Peer) error {
	defer self.ScopedState(vm.Native)()
	if isSelf(self, peer) {
		return e.suspendSelf(self)
	}
	return e.suspendOther(self, peer)
}

func (e *Env) suspendSelf(self *vm.Thread) error {
	if self == nil {
		return ErrInvalidThread
	}
	l := e.rt.Locks()
	h := self.Held()
	unlock := e.lockUserCodeSuspension(self)
	l.ThreadList.Lock(h)
	// lockUserCodeSuspension returned with self's user-code count at zero,
	// and only holders of that lock can raise it.
	l.ThreadSuspendCount.Lock(h)
	self.ModifySuspendCount(self, 1, vm.SuspendForUserCode)
	l.ThreadSuspendCount.Unlock(h)
	setSuspendedByLocked(self, e.id)
	l.ThreadList.Unlock(h)
	unlock()

	e.cfg.logger.Debug(e.ctx(), "thread suspended itself", "thread", self.Name())
	// Only returns once resumed.
	self.SuspendCheck()
	return nil
}

func (e *Env) suspendOther(self *vm.Thread, peer *vm.Peer) error {
	l := e.rt.Locks()
	h := self.Held()
	start := time.Now()
	for {
		unlock := e.lockUserCodeSuspension(self)

		l.ThreadList.Lock(h)
		t, err := e.resolveLocked(self, peer)
		if err == nil {
			l.ThreadSuspendCount.Lock(h)
			err = checkAliveLocked(t)
			if err == nil && t.UserCodeSuspendCount() != 0 {
				err = ErrThreadSuspended
			}
			l.ThreadSuspendCount.Unlock(h)
		}
		l.ThreadList.Unlock(h)
		if err != nil {
			unlock()
			return err
		}

		got, timedOut := e.rt.ThreadList().SuspendThreadByPeer(
			self, peer, vm.SuspendForUserCode, e.rt.SuspendTimeout())
		if got != nil {
			l.ThreadList.Lock(h)
			setSuspendedByLocked(got, e.id)
			l.ThreadList.Unlock(h)
			unlock()
			e.cfg.metrics.RecordTimer("ti.suspend.duration", time.Since(start))
			e.cfg.logger.Debug(e.ctx(), "thread suspended", "thread", got.Name())
			return nil
		}
		unlock()

		// Either the target did not reach a suspend check in time or it went
		// away. Go around again; the next validation reports a dead target.
		if timedOut {
			e.cfg.metrics.IncCounter("ti.suspend.timeouts", 1)
			e.cfg.logger.Debug(e.ctx(), "timed out waiting for thread to suspend, retrying",
				"peer", peer.Name(), "timeout", e.rt.SuspendTimeout().String())
		} else {
			e.cfg.metrics.IncCounter("ti.suspend.retries", 1, "cause", "target vanished")
		}
	}
}

// ResumeThread resumes a thread suspended for user code. It fails with
// ErrThreadNotSuspended if the target is the calling thread or is not
// suspended, and with ErrInvalidThread for a nil handle from a caller that
// is not a managed thread.
func (e *Env) ResumeThread(self *vm.Thread, peer *vm.Peer) error {
	defer self.ScopedState(vm.Native)()
	if self == nil && peer == nil {
		return ErrInvalidThread
	}
	if isSelf(self, peer) {
		// A running thread cannot be suspended.
		return ErrThreadNotSuspended
	}

	l := e.rt.Locks()
	h := self.Held()
	unlock := e.lockUserCodeSuspension(self)
	defer unlock()
	l.ThreadList.Lock(h)
	defer l.ThreadList.Unlock(h)
	t, err := e.resolveLocked(self, peer)
	if err != nil {
		return err
	}

	l.ThreadSuspendCount.Lock(h)
	err = checkAliveLocked(t)
	l.ThreadSuspendCount.Unlock(h)
	if err != nil {
		return err
	}
	if !e.rt.ThreadList().Resume(self, t, vm.SuspendForUserCode) {
		return ErrThreadNotSuspended
	}
	setSuspendedByLocked(t, uuid.Nil)
	e.cfg.logger.Debug(e.ctx(), "thread resumed", "thread", t.Name())
	return nil
}

// SuspendThreadList suspends each listed thread and reports each outcome at
// the same index.
//
// Entries naming the calling thread (nil, or its own peer) are handled last,
// with a single real suspension. The first such entry gets its outcome; the
// others get the same error if it failed, or ErrThreadSuspended if it
// succeeded.
func (e *Env) SuspendThreadList(self *vm.Thread, peers []*vm.Peer) ([]error, error) {
	if peers == nil {
		return nil, ErrNullPointer
	}
	if len(peers) == 0 {
		return nil, ErrIllegalArgument
	}
	results := make([]error, len(peers))
	var selfIdx []int
	for i, p := range peers {
		if isSelf(self, p) {
			selfIdx = append(selfIdx, i)
			continue
		}
		results[i] = e.SuspendThread(self, p)
	}
	if len(selfIdx) > 0 {
		err := e.SuspendThread(self, nil)
		results[selfIdx[0]] = err
		for _, i := range selfIdx[1:] {
			if err != nil {
				results[i] = err
			} else {
				results[i] = ErrThreadSuspended
			}
		}
	}
	return results, nil
}

// ResumeThreadList resumes each listed thread and reports each outcome at
// the same index. Entries naming the calling thread all get the outcome of a
// single resume attempt.
func (e *Env) ResumeThreadList(self *vm.Thread, peers []*vm.Peer) ([]error, error) {
	if peers == nil {
		return nil, ErrNullPointer
	}
	if len(peers) == 0 {
		return nil, ErrIllegalArgument
	}
	results := make([]error, len(peers))
	var selfIdx []int
	for i, p := range peers {
		if isSelf(self, p) {
			selfIdx = append(selfIdx, i)
			continue
		}
		results[i] = e.ResumeThread(self, p)
	}
	if len(selfIdx) > 0 {
		err := e.ResumeThread(self, nil)
		for _, i := range selfIdx {
			results[i] = err
		}
	}
	return results, nil
}
