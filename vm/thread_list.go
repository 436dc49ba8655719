package vm

import (
	"slices"
	"time"
)

// ThreadList is the registry of attached threads. Membership is guarded by
// the thread list lock.
type ThreadList struct {
	rt *Runtime

	// Guarded by the thread list lock.
	list   []*Thread
	byPeer map[*Peer]*Thread
}

// ForEach calls f for each attached thread, including threads that are still
// starting.
//
// Must be called with the thread list lock held. f must not acquire it.
func (tl *ThreadList) ForEach(f func(*Thread)) {
	for _, t := range tl.list {
		f(t)
	}
}

// Len returns the number of attached threads.
//
// Must be called with the thread list lock held.
func (tl *ThreadList) Len() int {
	return len(tl.list)
}

// FromPeer returns the live thread running under p, or nil.
//
// Must be called with the thread list lock held.
func (tl *ThreadList) FromPeer(p *Peer) *Thread {
	return tl.byPeer[p]
}

// Must be called with the thread list lock held.
func (tl *ThreadList) addLocked(t *Thread) {
	tl.list = append(tl.list, t)
	tl.byPeer[t.peer] = t
}

// Must be called with the thread list lock held.
func (tl *ThreadList) removeLocked(t *Thread) {
	if i := slices.Index(tl.list, t); i >= 0 {
		tl.list = slices.Delete(tl.list, i, i+1)
	}
	if tl.byPeer[t.peer] == t {
		delete(tl.byPeer, t.peer)
	}
}

// SuspendThreadByPeer raises the suspend count selected by reason on the
// thread running under p and waits, at most timeout, for it to acknowledge.
//
// On success the suspended thread is returned. If the thread does not
// acknowledge in time the increment is withdrawn and timedOut is true. If no
// thread runs under p, or its count cannot be raised, it returns (nil, false).
//
// self is the requesting thread, or nil. Requests with SuspendForUserCode
// must be made while holding the user-code suspension lock. Neither the
// thread list lock nor the thread suspend count lock may be held.
func (tl *ThreadList) SuspendThreadByPeer(
	self *Thread, p *Peer, reason SuspendReason, timeout time.Duration,
) (_ *Thread, timedOut bool) {
	l := tl.rt.locks
	h := self.Held()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	l.ThreadList.Lock(h)
	l.ThreadSuspendCount.Lock(h)
	defer func() {
		l.ThreadSuspendCount.Unlock(h)
		l.ThreadList.Unlock(h)
	}()

	var requested *Thread
	expired := false
	for {
		t := tl.byPeer[p]
		if requested == nil {
			if t == nil || !t.ModifySuspendCount(self, 1, reason) {
				return nil, false
			}
			requested = t
		} else if t != requested {
			// Unreachable while the count is raised, since Detach waits.
			return nil, false
		}
		if t.IsSuspended() {
			return t, false
		}
		if expired {
			t.ModifySuspendCount(self, -1, reason)
			tl.rt.cfg.logger.Debug(tl.rt.ctx, "suspend request timed out",
				"thread", t.Name(), "id", t.id, "reason", reason.String())
			return nil, true
		}
		ch := tl.rt.suspendCh
		l.ThreadSuspendCount.Unlock(h)
		l.ThreadList.Unlock(h)
		select {
		case <-ch:
		case <-timer.C:
			expired = true
		}
		l.ThreadList.Lock(h)
		l.ThreadSuspendCount.Lock(h)
	}
}

// Resume lowers the suspend count selected by reason on t. It returns false
// if the count was already zero.
//
// Requests with SuspendForUserCode must be made while holding the user-code
// suspension lock.
func (tl *ThreadList) Resume(self *Thread, t *Thread, reason SuspendReason) bool {
	l := tl.rt.locks
	h := self.Held()
	l.ThreadSuspendCount.Lock(h)
	defer l.ThreadSuspendCount.Unlock(h)
	return t.ModifySuspendCount(self, -1, reason)
}
