package ti

import "github.com/DataExMachina-dev/side-eye-ti/vm"

// EventCallbacks are invoked on the thread concerned, in the Native state.
// A nil field disables that event.
type EventCallbacks struct {
	ThreadStart func(env *Env, self *vm.Thread, peer *vm.Peer)
	ThreadEnd   func(env *Env, self *vm.Thread, peer *vm.Peer)
}

type eventListener struct {
	env *Env
	cb  EventCallbacks
}

var _ vm.LifecycleCallback = (*eventListener)(nil)

func (l *eventListener) ThreadStart(self *vm.Thread) {
	if l.cb.ThreadStart != nil {
		l.cb.ThreadStart(l.env, self, self.Peer())
	}
}

func (l *eventListener) ThreadDeath(self *vm.Thread) {
	if l.cb.ThreadEnd != nil {
		l.cb.ThreadEnd(l.env, self, self.Peer())
	}
}
