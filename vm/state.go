package vm

import "fmt"

// State is the execution state of a managed thread.
//
// Beyond describing what the thread is doing, the state is the thread's
// acknowledgement to suspenders: a thread in any state other than Runnable
// does not execute managed code and therefore counts as suspended. A thread
// leaving such a state for Runnable blocks while either of its suspend counts
// is non-zero.
type State uint8

const (
	// Terminated means the thread has detached.
	Terminated State = iota
	// Runnable means the thread may execute managed code.
	Runnable
	// TimedWaiting means the thread waits on a monitor with a timeout.
	TimedWaiting
	// Sleeping means the thread is in a timed sleep.
	Sleeping
	// Blocked means the thread waits to enter a monitor.
	Blocked
	// Waiting means the thread waits on a monitor without a timeout.
	Waiting
	// WaitingForGcToComplete means the thread waits for a collection to end.
	WaitingForGcToComplete
	// WaitingPerformingGc means the thread is performing a collection.
	WaitingPerformingGc
	// WaitingForCheckPointsToRun means the thread is suspending all others.
	WaitingForCheckPointsToRun
	// WaitingForDebuggerToAttach means the thread waits for a tool.
	WaitingForDebuggerToAttach
	// WaitingForSuspension means the thread waits for another thread to
	// acknowledge a suspend request.
	WaitingForSuspension
	// WaitingWeakGcRootRead means the thread waits to read a weak root.
	WaitingWeakGcRootRead
	// Starting means the thread is attaching and is not yet visible.
	Starting
	// Native means the thread executes code outside the managed runtime.
	Native
	// Suspended means the thread is parked in a suspend check.
	Suspended
)

var stateStrings = [...]string{
	Terminated:                 "terminated",
	Runnable:                   "runnable",
	TimedWaiting:               "timed waiting",
	Sleeping:                   "sleeping",
	Blocked:                    "blocked",
	Waiting:                    "waiting",
	WaitingForGcToComplete:     "waiting for gc to complete",
	WaitingPerformingGc:        "waiting performing gc",
	WaitingForCheckPointsToRun: "waiting for checkpoints to run",
	WaitingForDebuggerToAttach: "waiting for debugger to attach",
	WaitingForSuspension:       "waiting for suspension",
	WaitingWeakGcRootRead:      "waiting weak gc root read",
	Starting:                   "starting",
	Native:                     "native",
	Suspended:                  "suspended",
}

// States lists every execution state.
var States = []State{
	Terminated, Runnable, TimedWaiting, Sleeping, Blocked, Waiting,
	WaitingForGcToComplete, WaitingPerformingGc, WaitingForCheckPointsToRun,
	WaitingForDebuggerToAttach, WaitingForSuspension, WaitingWeakGcRootRead,
	Starting, Native, Suspended,
}

func (s State) String() string {
	if int(s) < len(stateStrings) {
		return stateStrings[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Phase is the runtime's lifecycle phase as seen by tools.
type Phase uint8

const (
	PhaseOnLoad Phase = iota
	PhasePrimordial
	PhaseStart
	PhaseLive
	PhaseDead
)

var phaseStrings = [...]string{
	PhaseOnLoad:     "onload",
	PhasePrimordial: "primordial",
	PhaseStart:      "start",
	PhaseLive:       "live",
	PhaseDead:       "dead",
}

func (p Phase) String() string {
	if int(p) < len(phaseStrings) {
		return phaseStrings[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// SuspendReason selects which suspend count a request mutates.
type SuspendReason uint8

const (
	// SuspendInternal is used by the runtime itself (see StopTheWorld).
	SuspendInternal SuspendReason = iota
	// SuspendForUserCode is used on behalf of tools. Requests with this
	// reason must be made while holding the user-code suspension lock.
	SuspendForUserCode
)

func (r SuspendReason) String() string {
	switch r {
	case SuspendInternal:
		return "internal"
	case SuspendForUserCode:
		return "user code"
	default:
		return fmt.Sprintf("SuspendReason(%d)", uint8(r))
	}
}
