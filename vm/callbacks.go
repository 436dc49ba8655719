package vm

import "slices"

// LifecycleCallback observes threads becoming visible and going away. Both
// methods run on the thread in question, in the Native state.
type LifecycleCallback interface {
	// ThreadStart is called once a thread completes attachment, if the
	// runtime is in PhaseLive.
	ThreadStart(self *Thread)
	// ThreadDeath is called when a thread begins detaching, if the runtime
	// is in PhaseLive.
	ThreadDeath(self *Thread)
}

// AddLifecycleCallback registers cb. Registration happens with the world
// stopped so that no thread observes a partially updated set.
func (rt *Runtime) AddLifecycleCallback(self *Thread, cb LifecycleCallback) {
	rt.StopTheWorld(self, "add thread lifecycle callback", func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		rt.mu.callbacks = append(rt.mu.callbacks, cb)
	})
}

// RemoveLifecycleCallback unregisters cb. It is a no-op if cb is not
// registered.
func (rt *Runtime) RemoveLifecycleCallback(self *Thread, cb LifecycleCallback) {
	rt.StopTheWorld(self, "remove thread lifecycle callback", func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if i := slices.Index(rt.mu.callbacks, cb); i >= 0 {
			rt.mu.callbacks = slices.Delete(rt.mu.callbacks, i, i+1)
		}
	})
}

func (rt *Runtime) liveCallbacks() []LifecycleCallback {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.mu.phase != PhaseLive {
		return nil
	}
	return slices.Clone(rt.mu.callbacks)
}

func (rt *Runtime) postThreadStart(t *Thread) {
	cbs := rt.liveCallbacks()
	if len(cbs) == 0 {
		return
	}
	defer t.ScopedState(Native)()
	for _, cb := range cbs {
		cb.ThreadStart(t)
	}
}

func (rt *Runtime) postThreadDeath(t *Thread) {
	cbs := rt.liveCallbacks()
	if len(cbs) == 0 {
		return
	}
	defer t.ScopedState(Native)()
	for _, cb := range cbs {
		cb.ThreadDeath(t)
	}
}
