package ti

import "github.com/DataExMachina-dev/side-eye-ti/vm"

// ThreadInfo is the result of GetThreadInfo.
type ThreadInfo struct {
	Name               string
	Priority           int
	Daemon             bool
	Group              *vm.ThreadGroup
	ContextClassLoader any
}

// GetCurrentThread returns the calling thread's peer, or nil if the caller is
// not a managed thread or is still attaching.
func (e *Env) GetCurrentThread(self *vm.Thread) (*vm.Peer, error) {
	if self == nil {
		return nil, nil
	}
	l := e.rt.Locks()
	l.ThreadList.Lock(self.Held())
	defer l.ThreadList.Unlock(self.Held())
	if self.IsStillStarting() {
		return nil, nil
	}
	return self.Peer(), nil
}

// GetThreadInfo describes the target thread. A live thread is authoritative;
// for a peer without one, the peer's last known fields are returned.
func (e *Env) GetThreadInfo(self *vm.Thread, peer *vm.Peer) (ThreadInfo, error) {
	if e.rt.Phase() != vm.PhaseLive {
		return ThreadInfo{}, ErrWrongPhase
	}
	if peer == nil {
		if self == nil {
			return ThreadInfo{}, ErrWrongPhase
		}
		peer = self.Peer()
	}
	if peer.Runtime() != e.rt {
		return ThreadInfo{}, ErrInvalidThread
	}

	info := ThreadInfo{
		Group:              peer.Group(),
		ContextClassLoader: peer.ContextClassLoader(),
	}
	l := e.rt.Locks()
	h := self.Held()
	l.ThreadList.Lock(h)
	t := e.rt.ThreadList().FromPeer(peer)
	if t != nil && !t.IsStillStarting() {
		info.Name = t.Name()
		info.Priority = t.Priority()
		info.Daemon = t.IsDaemon()
	} else {
		info.Name = peer.Name()
		info.Priority = peer.Priority()
		info.Daemon = peer.IsDaemon()
	}
	l.ThreadList.Unlock(h)
	return info, nil
}

// GetAllThreads returns the peers of all live threads. Threads that are still
// attaching are left out.
func (e *Env) GetAllThreads(self *vm.Thread) ([]*vm.Peer, error) {
	l := e.rt.Locks()
	h := self.Held()
	l.ThreadList.Lock(h)
	defer l.ThreadList.Unlock(h)
	peers := make([]*vm.Peer, 0, e.rt.ThreadList().Len())
	e.rt.ThreadList().ForEach(func(t *vm.Thread) {
		if !t.IsStillStarting() {
			peers = append(peers, t.Peer())
		}
	})
	return peers, nil
}
