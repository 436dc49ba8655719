package vm

import "time"

// StopTheWorld calls f with every other attached thread suspended.
//
// self is the calling thread, or nil if the caller is not a managed thread.
// For the duration the caller is in the WaitingForCheckPointsToRun state, so
// concurrent suspenders see it as suspended. Restoring its previous state
// afterwards blocks if a suspend request arrived in the meantime.
//
// Threads that attach while the world is stopped start out suspended. f must
// not block on anything a suspended thread may be holding.
func (rt *Runtime) StopTheWorld(self *Thread, cause string, f func()) {
	defer self.ScopedState(WaitingForCheckPointsToRun)()

	rt.suspendAllMu.Lock()
	defer rt.suspendAllMu.Unlock()

	start := time.Now()
	rt.suspendAll(self)
	pause := time.Now()
	defer func() {
		rt.resumeAll(self)
		rt.cfg.metrics.RecordTimer("vm.stop_the_world.pause", time.Since(pause), "cause", cause)
	}()
	rt.cfg.metrics.IncCounter("vm.stop_the_world", 1, "cause", cause)
	rt.cfg.logger.Debug(rt.ctx, "world stopped", "cause", cause, "took", time.Since(start).String())

	f()
}

func (rt *Runtime) suspendAll(self *Thread) {
	l := rt.locks
	h := self.Held()
	l.ThreadList.Lock(h)
	l.ThreadSuspendCount.Lock(h)
	defer func() {
		l.ThreadSuspendCount.Unlock(h)
		l.ThreadList.Unlock(h)
	}()

	rt.suspendAllCount++
	for _, t := range rt.threads.list {
		if t != self {
			t.internalSuspendCount++
		}
	}
	rt.broadcastLocked()
	for !rt.allSuspendedLocked(self) {
		ch := rt.suspendCh
		l.ThreadSuspendCount.Unlock(h)
		l.ThreadList.Unlock(h)
		<-ch
		l.ThreadList.Lock(h)
		l.ThreadSuspendCount.Lock(h)
	}
}

// Must be called with the thread list lock and the thread suspend count lock
// held.
func (rt *Runtime) allSuspendedLocked(self *Thread) bool {
	for _, t := range rt.threads.list {
		if t != self && !t.IsSuspended() {
			return false
		}
	}
	return true
}

func (rt *Runtime) resumeAll(self *Thread) {
	l := rt.locks
	h := self.Held()
	l.ThreadList.Lock(h)
	l.ThreadSuspendCount.Lock(h)
	defer func() {
		l.ThreadSuspendCount.Unlock(h)
		l.ThreadList.Unlock(h)
	}()

	rt.suspendAllCount--
	for _, t := range rt.threads.list {
		if t != self && t.internalSuspendCount > 0 {
			t.internalSuspendCount--
		}
	}
	rt.broadcastLocked()
}
