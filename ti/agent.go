package ti

import (
	"fmt"

	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

const agentThreadName = "TI Agent thread"

// AgentFunc is the body of an agent thread.
type AgentFunc func(env *Env, self *vm.Thread, arg any)

// RunAgentThread starts a new thread under peer, which must not have been
// started, and runs proc on it at the given priority. It returns once the
// thread is spawned; proc runs asynchronously and the thread detaches when
// proc returns.
func (e *Env) RunAgentThread(self *vm.Thread, peer *vm.Peer, proc AgentFunc, arg any, priority int) error {
	if priority < vm.MinPriority || priority > vm.MaxPriority {
		return ErrInvalidPriority
	}
	if peer == nil || peer.Runtime() != e.rt {
		return ErrInvalidThread
	}
	if proc == nil {
		return ErrNullPointer
	}
	if e.peerInUse(self, peer) {
		return ErrInvalidThread
	}

	// Pin the peer until the new thread has attached under it.
	ref := e.rt.NewGlobalRef(peer)
	if err := e.rt.Spawn(func() {
		e.runAgent(ref, proc, arg, priority)
	}); err != nil {
		e.rt.DeleteGlobalRef(ref)
		return fmt.Errorf("%w: failed to spawn agent thread: %w", ErrInternal, err)
	}
	return nil
}

// peerInUse reports whether peer already has, or once had, a thread. A
// concurrent attach can still win the race after this check; runAgent then
// reports it through the error logger.
func (e *Env) peerInUse(self *vm.Thread, peer *vm.Peer) bool {
	defer self.ScopedState(vm.Native)()
	l := e.rt.Locks()
	h := self.Held()
	l.ThreadList.Lock(h)
	defer l.ThreadList.Unlock(h)
	return peer.Started() || e.rt.ThreadList().FromPeer(peer) != nil
}

func (e *Env) runAgent(ref vm.GlobalRef, proc AgentFunc, arg any, priority int) {
	peer := e.rt.DecodeGlobalRef(ref)
	self, err := e.rt.AttachPeer(peer)
	if err != nil {
		e.rt.DeleteGlobalRef(ref)
		e.cfg.errorLogger(fmt.Errorf("failed to attach agent thread: %w", err))
		return
	}
	defer self.Detach()
	// Naming the thread completes attachment.
	self.SetName(agentThreadName)
	self.SetPriority(priority)
	e.rt.DeleteGlobalRef(ref)

	proc(e, self, arg)
}
