package ti

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

func genState() gopter.Gen {
	return gen.IntRange(0, len(vm.States)-1).Map(func(i int) vm.State {
		return vm.States[i]
	})
}

func TestStateTablesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("live threads are always alive and never terminated", prop.ForAll(
		func(s vm.State, suspended, interrupted bool) bool {
			f := flagsFor(s, suspended, interrupted)
			return f&FlagAlive != 0 && f&FlagTerminated == 0
		},
		genState(), gen.Bool(), gen.Bool(),
	))

	properties.Property("suspended and interrupted mirror their inputs", prop.ForAll(
		func(s vm.State, suspended, interrupted bool) bool {
			f := flagsFor(s, suspended, interrupted)
			return (f&FlagSuspended != 0) == suspended && (f&FlagInterrupted != 0) == interrupted
		},
		genState(), gen.Bool(), gen.Bool(),
	))

	properties.Property("exactly one activity flag is set", prop.ForAll(
		func(s vm.State) bool {
			f := flagsFor(s, false, false)
			n := 0
			for _, g := range []StateFlags{FlagInNative, FlagRunnable, FlagBlockedOnMonitorEnter, FlagWaiting} {
				if f&g != 0 {
					n++
				}
			}
			return n == 1
		},
		genState(),
	))

	properties.Property("waiting is refined by exactly one duration flag", prop.ForAll(
		func(s vm.State) bool {
			f := flagsFor(s, false, false)
			timeout := f&FlagWaitingWithTimeout != 0
			indefinite := f&FlagWaitingIndefinitely != 0
			if f&FlagWaiting == 0 {
				return !timeout && !indefinite && f&(FlagSleeping|FlagInObjectWait) == 0
			}
			return timeout != indefinite
		},
		genState(),
	))

	properties.Property("only Starting maps to New", prop.ForAll(
		func(s vm.State) bool {
			return (lifecycleFor(s) == LifecycleNew) == (s == vm.Starting)
		},
		genState(),
	))

	properties.TestingRun(t)
}

func TestStateTables(t *testing.T) {
	for _, tc := range []struct {
		state     vm.State
		flags     StateFlags
		lifecycle Lifecycle
	}{
		{vm.Runnable, FlagAlive | FlagRunnable, LifecycleRunnable},
		{vm.Suspended, FlagAlive | FlagRunnable, LifecycleRunnable},
		{vm.Native, FlagAlive | FlagInNative, LifecycleRunnable},
		{vm.Blocked, FlagAlive | FlagBlockedOnMonitorEnter, LifecycleBlocked},
		{vm.Waiting, FlagAlive | FlagWaiting | FlagWaitingIndefinitely | FlagInObjectWait, LifecycleWaiting},
		{vm.TimedWaiting, FlagAlive | FlagWaiting | FlagWaitingWithTimeout | FlagInObjectWait, LifecycleTimedWaiting},
		{vm.Sleeping, FlagAlive | FlagWaiting | FlagWaitingWithTimeout | FlagSleeping, LifecycleTimedWaiting},
		{vm.WaitingForGcToComplete, FlagAlive | FlagWaiting | FlagWaitingIndefinitely, LifecycleWaiting},
		{vm.WaitingWeakGcRootRead, FlagAlive | FlagRunnable, LifecycleRunnable},
	} {
		t.Run(tc.state.String(), func(t *testing.T) {
			require.Equal(t, tc.flags, flagsFor(tc.state, false, false))
			require.Equal(t, tc.lifecycle, lifecycleFor(tc.state))
		})
	}
}

func TestStateFlagsString(t *testing.T) {
	require.Equal(t, "none", StateFlags(0).String())
	require.Equal(t, "alive|runnable|suspended", (FlagAlive | FlagRunnable | FlagSuspended).String())
	require.Equal(t, "alive|0x8", (FlagAlive | 0x8).String())
}
