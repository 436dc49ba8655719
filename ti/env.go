// Package ti is the tool interface: the operations a debugger or profiler
// agent uses to inspect, suspend and resume managed threads.
//
// Every operation takes the calling thread as self, or nil when the caller is
// not a managed thread. A nil *vm.Peer handle denotes the calling thread.
// Operations run with the caller in the Native state, so the runtime and
// other tools treat it as suspended for their duration.
package ti

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

// Env is one tool's connection to a Runtime. Its ID keys the tool's
// thread-local storage.
type Env struct {
	rt       *vm.Runtime
	id       uuid.UUID
	cfg      config
	events   *eventListener
	disposed atomic.Bool
}

// NewEnv creates a tool environment on rt. self is the calling thread, or
// nil.
func NewEnv(rt *vm.Runtime, self *vm.Thread, opts ...Option) *Env {
	cfg := makeDefaultConfig(rt)
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	e := &Env{
		rt:  rt,
		id:  uuid.New(),
		cfg: cfg,
	}
	if e.cfg.errorLogger == nil {
		e.cfg.errorLogger = func(err error) {
			e.cfg.logger.Error(e.ctx(), "tool interface error", "env", e.id.String(), "err", err)
		}
	}
	if cfg.callbacks != nil {
		e.events = &eventListener{env: e, cb: *cfg.callbacks}
		rt.AddLifecycleCallback(self, e.events)
	}
	e.cfg.logger.Info(e.ctx(), "tool environment created", "env", e.id.String())
	return e
}

// ID returns the environment's identity token.
func (e *Env) ID() uuid.UUID {
	return e.id
}

// Runtime returns the runtime the environment is connected to.
func (e *Env) Runtime() *vm.Runtime {
	return e.rt
}

func (e *Env) ctx() context.Context {
	return e.rt.Context()
}

// Dispose tears the environment down: it unregisters its event callbacks,
// resumes every thread it holds suspended and erases its thread-local storage
// from every thread. The Env must not be used afterwards.
func (e *Env) Dispose(self *vm.Thread) error {
	if !e.disposed.CompareAndSwap(false, true) {
		return fmt.Errorf("environment %s already disposed", e.id)
	}
	defer self.ScopedState(vm.Native)()
	if e.events != nil {
		e.rt.RemoveLifecycleCallback(self, e.events)
	}

	l := e.rt.Locks()
	h := self.Held()
	unlock := e.lockUserCodeSuspension(self)
	defer unlock()
	l.ThreadList.Lock(h)
	defer l.ThreadList.Unlock(h)

	var resumed int
	e.rt.ThreadList().ForEach(func(t *vm.Thread) {
		d, ok := t.CustomTLS().(*threadData)
		if !ok {
			return
		}
		delete(d.values, e.id)
		if d.suspendedBy != e.id {
			return
		}
		d.suspendedBy = uuid.Nil
		if e.rt.ThreadList().Resume(self, t, vm.SuspendForUserCode) {
			resumed++
		}
	})
	e.cfg.logger.Info(e.ctx(), "tool environment disposed", "env", e.id.String(), "resumed", resumed)
	return nil
}
