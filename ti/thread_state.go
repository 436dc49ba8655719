package ti

import (
	"fmt"
	"strings"

	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

// StateFlags is the tool-visible thread state bitmask.
type StateFlags uint32

const (
	FlagAlive                 StateFlags = 0x0001
	FlagTerminated            StateFlags = 0x0002
	FlagRunnable              StateFlags = 0x0004
	FlagWaitingIndefinitely   StateFlags = 0x0010
	FlagWaitingWithTimeout    StateFlags = 0x0020
	FlagSleeping              StateFlags = 0x0040
	FlagWaiting               StateFlags = 0x0080
	FlagInObjectWait          StateFlags = 0x0100
	FlagBlockedOnMonitorEnter StateFlags = 0x0400
	FlagSuspended             StateFlags = 0x100000
	FlagInterrupted           StateFlags = 0x200000
	FlagInNative              StateFlags = 0x400000
)

var flagNames = []struct {
	flag StateFlags
	name string
}{
	{FlagAlive, "alive"},
	{FlagTerminated, "terminated"},
	{FlagRunnable, "runnable"},
	{FlagWaitingIndefinitely, "waiting indefinitely"},
	{FlagWaitingWithTimeout, "waiting with timeout"},
	{FlagSleeping, "sleeping"},
	{FlagWaiting, "waiting"},
	{FlagInObjectWait, "in object wait"},
	{FlagBlockedOnMonitorEnter, "blocked on monitor enter"},
	{FlagSuspended, "suspended"},
	{FlagInterrupted, "interrupted"},
	{FlagInNative, "in native"},
}

func (f StateFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(parts, "|")
}

// Lifecycle is the language-level thread state.
type Lifecycle uint8

const (
	LifecycleNew Lifecycle = iota
	LifecycleRunnable
	LifecycleBlocked
	LifecycleWaiting
	LifecycleTimedWaiting
	LifecycleTerminated
)

var lifecycleStrings = [...]string{
	LifecycleNew:          "NEW",
	LifecycleRunnable:     "RUNNABLE",
	LifecycleBlocked:      "BLOCKED",
	LifecycleWaiting:      "WAITING",
	LifecycleTimedWaiting: "TIMED_WAITING",
	LifecycleTerminated:   "TERMINATED",
}

func (l Lifecycle) String() string {
	if int(l) < len(lifecycleStrings) {
		return lifecycleStrings[l]
	}
	return fmt.Sprintf("Lifecycle(%d)", uint8(l))
}

// ThreadState is the result of GetThreadState.
type ThreadState struct {
	Flags     StateFlags
	Lifecycle Lifecycle
}

func flagsFor(s vm.State, userCodeSuspended, interrupted bool) StateFlags {
	f := FlagAlive
	if userCodeSuspended {
		f |= FlagSuspended
	}
	if interrupted {
		f |= FlagInterrupted
	}
	switch s {
	case vm.Native:
		f |= FlagInNative
	case vm.Runnable, vm.Suspended, vm.WaitingWeakGcRootRead:
		f |= FlagRunnable
	case vm.Blocked:
		f |= FlagBlockedOnMonitorEnter
	default:
		f |= FlagWaiting
		if s == vm.TimedWaiting || s == vm.Sleeping {
			f |= FlagWaitingWithTimeout
		} else {
			f |= FlagWaitingIndefinitely
		}
		if s == vm.Sleeping {
			f |= FlagSleeping
		}
		if s == vm.TimedWaiting || s == vm.Waiting {
			f |= FlagInObjectWait
		}
	}
	return f
}

func lifecycleFor(s vm.State) Lifecycle {
	switch s {
	case vm.Terminated:
		return LifecycleTerminated
	case vm.Runnable, vm.Native, vm.WaitingWeakGcRootRead, vm.Suspended:
		return LifecycleRunnable
	case vm.TimedWaiting, vm.Sleeping:
		return LifecycleTimedWaiting
	case vm.Blocked:
		return LifecycleBlocked
	case vm.Starting:
		return LifecycleNew
	default:
		return LifecycleWaiting
	}
}

// GetThreadState reports the target thread's state.
//
// For a peer without a live thread only the lifecycle is known: New if it
// never started, otherwise Terminated. The calling thread is reported in the
// state it was in when it made the call.
func (e *Env) GetThreadState(self *vm.Thread, peer *vm.Peer) (ThreadState, error) {
	l := e.rt.Locks()
	h := self.Held()
	var callerState vm.State
	if self != nil {
		l.ThreadSuspendCount.Lock(h)
		callerState = self.State()
		l.ThreadSuspendCount.Unlock(h)
	}
	defer self.ScopedState(vm.Native)()
	if peer != nil && peer.Runtime() != e.rt {
		return ThreadState{}, ErrInvalidThread
	}

	unlock := e.lockUserCodeSuspension(self)
	defer unlock()
	l.ThreadList.Lock(h)
	defer l.ThreadList.Unlock(h)

	t := self
	if peer != nil {
		t = e.rt.ThreadList().FromPeer(peer)
	}
	if t != nil && !t.IsStillStarting() {
		l.ThreadSuspendCount.Lock(h)
		state := t.State()
		suspended := t.UserCodeSuspendCount() != 0
		l.ThreadSuspendCount.Unlock(h)
		if t == self {
			state = callerState
		}
		return ThreadState{
			Flags:     flagsFor(state, suspended, t.IsInterrupted()),
			Lifecycle: lifecycleFor(state),
		}, nil
	}

	if peer == nil {
		// No thread and no peer: the caller is still starting up.
		return ThreadState{}, ErrWrongPhase
	}
	if peer.Started() {
		return ThreadState{Flags: FlagTerminated, Lifecycle: LifecycleTerminated}, nil
	}
	return ThreadState{Lifecycle: LifecycleNew}, nil
}
