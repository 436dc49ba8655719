// Package vm models the threads of a managed runtime: registration, execution
// states, suspend counts and the cooperative suspend check that makes
// suspension take effect.
//
// Every managed Thread is driven by exactly one goroutine. Suspension is
// cooperative: a request only increments a count, and the target parks itself
// the next time it calls SuspendCheck or tries to become Runnable.
package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataExMachina-dev/side-eye-ti/internal/locks"
	"github.com/DataExMachina-dev/side-eye-ti/telemetry"
)

var (
	// ErrNilPeer is returned when a peer is required but nil was given.
	ErrNilPeer = errors.New("nil peer")
	// ErrForeignPeer is returned for a peer created by a different Runtime.
	ErrForeignPeer = errors.New("peer belongs to another runtime")
	// ErrAlreadyAttached is returned when a peer already has a live thread.
	ErrAlreadyAttached = errors.New("peer is already attached to a thread")
	// ErrPeerStarted is returned when a peer's thread has already run.
	ErrPeerStarted = errors.New("peer has already been started")
	// ErrTooManyThreads is returned by Spawn when MaxThreads is reached.
	ErrTooManyThreads = errors.New("too many threads")
)

// Option configures a Runtime.
type Option interface {
	apply(*config)
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

type config struct {
	suspendTimeout time.Duration
	maxThreads     int
	phase          Phase
	logger         telemetry.Logger
	metrics        telemetry.Metrics
}

const (
	defaultSuspendTimeout = time.Second

	ENV_SUSPEND_TIMEOUT = "SIDE_EYE_TI_SUSPEND_TIMEOUT"
	ENV_MAX_THREADS     = "SIDE_EYE_TI_MAX_THREADS"
)

func makeDefaultConfig() (config, error) {
	cfg := config{
		suspendTimeout: defaultSuspendTimeout,
		phase:          PhaseLive,
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
	}
	if v := os.Getenv(ENV_SUSPEND_TIMEOUT); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return config{}, fmt.Errorf("invalid %s: %w", ENV_SUSPEND_TIMEOUT, err)
		}
		cfg.suspendTimeout = d
	}
	if v := os.Getenv(ENV_MAX_THREADS); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return config{}, fmt.Errorf("invalid %s: %w", ENV_MAX_THREADS, err)
		}
		cfg.maxThreads = n
	}
	return cfg, nil
}

// WithSuspendTimeout bounds how long a single suspend request waits for the
// target to acknowledge before the request is withdrawn. Defaults to the
// SIDE_EYE_TI_SUSPEND_TIMEOUT environment variable, or one second.
func WithSuspendTimeout(d time.Duration) Option {
	return optionFunc(func(cfg *config) {
		cfg.suspendTimeout = d
	})
}

// WithMaxThreads limits the number of threads started through Spawn that may
// run at once. Zero means no limit. Defaults to the SIDE_EYE_TI_MAX_THREADS
// environment variable.
func WithMaxThreads(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.maxThreads = n
	})
}

// WithPhase sets the initial phase. Defaults to PhaseLive.
func WithPhase(p Phase) Option {
	return optionFunc(func(cfg *config) {
		cfg.phase = p
	})
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return optionFunc(func(cfg *config) {
		cfg.logger = l
	})
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return optionFunc(func(cfg *config) {
		cfg.metrics = m
	})
}

// Runtime owns the thread list and the suspension locks.
type Runtime struct {
	// ctx carries logging configuration.
	ctx     context.Context
	cfg     config
	locks   *locks.Triad
	threads *ThreadList

	// suspendAllMu serializes StopTheWorld callers. It is acquired before any
	// of the triad's locks.
	suspendAllMu sync.Mutex

	// Guarded by locks.ThreadSuspendCount.
	suspendAllCount int
	// suspendCh is closed and replaced whenever a suspend count or an
	// execution state changes. Guarded by locks.ThreadSuspendCount.
	suspendCh chan struct{}

	nextThreadID atomic.Uint64
	spawned      atomic.Int64

	mu struct {
		sync.Mutex
		phase     Phase
		callbacks []LifecycleCallback
		refs      map[GlobalRef]*Peer
		nextRef   GlobalRef
	}
}

// New constructs a Runtime with no threads.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	cfg, err := makeDefaultConfig()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.suspendTimeout <= 0 {
		return nil, fmt.Errorf("suspend timeout must be positive, got %s", cfg.suspendTimeout)
	}
	rt := &Runtime{
		ctx:       ctx,
		cfg:       cfg,
		locks:     locks.NewTriad(),
		suspendCh: make(chan struct{}),
	}
	rt.threads = &ThreadList{rt: rt, byPeer: make(map[*Peer]*Thread)}
	rt.mu.phase = cfg.phase
	rt.mu.refs = make(map[GlobalRef]*Peer)
	return rt, nil
}

// Locks returns the suspension locks.
func (rt *Runtime) Locks() *locks.Triad {
	return rt.locks
}

// ThreadList returns the registry of attached threads.
func (rt *Runtime) ThreadList() *ThreadList {
	return rt.threads
}

// SuspendTimeout returns the configured suspend acknowledgement timeout.
func (rt *Runtime) SuspendTimeout() time.Duration {
	return rt.cfg.suspendTimeout
}

// Context returns the context passed to New.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// Logger returns the configured logger.
func (rt *Runtime) Logger() telemetry.Logger {
	return rt.cfg.logger
}

// Metrics returns the configured metrics recorder.
func (rt *Runtime) Metrics() telemetry.Metrics {
	return rt.cfg.metrics
}

// Phase returns the current phase.
func (rt *Runtime) Phase() Phase {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.mu.phase
}

// SetPhase moves the runtime to phase p.
func (rt *Runtime) SetPhase(p Phase) {
	rt.mu.Lock()
	old := rt.mu.phase
	rt.mu.phase = p
	rt.mu.Unlock()
	rt.cfg.logger.Info(rt.ctx, "phase changed", "from", old.String(), "to", p.String())
}

// Attach registers the calling goroutine as a managed thread under a new
// peer. The thread starts in the Native state.
func (rt *Runtime) Attach(name string, daemon bool) (*Thread, error) {
	return rt.attach(rt.NewPeer(PeerConfig{Name: name, Daemon: daemon}), false)
}

// AttachPeer registers the calling goroutine as a managed thread under an
// existing peer. The thread stays in the Starting state, invisible to tools,
// until it calls SetName.
func (rt *Runtime) AttachPeer(p *Peer) (*Thread, error) {
	return rt.attach(p, true)
}

func (rt *Runtime) attach(p *Peer, stillStarting bool) (*Thread, error) {
	if p == nil {
		return nil, ErrNilPeer
	}
	if p.rt != rt {
		return nil, ErrForeignPeer
	}
	t := &Thread{
		rt:     rt,
		id:     rt.nextThreadID.Add(1),
		peer:   p,
		daemon: p.IsDaemon(),
	}
	t.mu.name = p.Name()
	t.mu.priority = p.Priority()

	l := rt.locks
	l.ThreadList.Lock(&t.held)
	if rt.threads.byPeer[p] != nil {
		l.ThreadList.Unlock(&t.held)
		return nil, ErrAlreadyAttached
	}
	if p.Started() {
		l.ThreadList.Unlock(&t.held)
		return nil, ErrPeerStarted
	}
	t.stillStarting = stillStarting
	l.ThreadSuspendCount.Lock(&t.held)
	// A thread attaching during a suspend-all starts out suspended.
	t.internalSuspendCount = rt.suspendAllCount
	if stillStarting {
		t.state = Starting
	} else {
		t.state = Native
	}
	l.ThreadSuspendCount.Unlock(&t.held)
	rt.threads.addLocked(t)
	if !stillStarting {
		p.markStarted()
	}
	l.ThreadList.Unlock(&t.held)

	rt.cfg.logger.Debug(rt.ctx, "thread attached", "thread", t.Name(), "id", t.id)
	if !stillStarting {
		rt.postThreadStart(t)
	}
	return t, nil
}

// Spawn runs fn on a new goroutine locked to its own OS thread. fn is
// expected to attach itself. Spawn fails with ErrTooManyThreads if the
// MaxThreads limit is reached.
func (rt *Runtime) Spawn(fn func()) error {
	n := rt.spawned.Add(1)
	if max := rt.cfg.maxThreads; max > 0 && n > int64(max) {
		rt.spawned.Add(-1)
		return fmt.Errorf("%w: limit of %d reached", ErrTooManyThreads, max)
	}
	go func() {
		defer rt.spawned.Add(-1)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		fn()
	}()
	return nil
}

// StartThread spawns a thread that attaches under p, takes the peer's name,
// runs fn in the Runnable state and detaches when fn returns.
func (rt *Runtime) StartThread(p *Peer, fn func(self *Thread)) error {
	if p == nil {
		return ErrNilPeer
	}
	if p.rt != rt {
		return ErrForeignPeer
	}
	return rt.Spawn(func() {
		self, err := rt.AttachPeer(p)
		if err != nil {
			rt.cfg.logger.Error(rt.ctx, "failed to attach thread", "peer", p.Name(), "err", err)
			return
		}
		defer self.Detach()
		self.SetName(p.Name())
		self.SetState(Runnable)
		fn(self)
	})
}

// broadcastLocked wakes everything waiting on a suspend count or state
// change.
//
// Must be called with the thread suspend count lock held.
func (rt *Runtime) broadcastLocked() {
	close(rt.suspendCh)
	rt.suspendCh = make(chan struct{})
}

// waitLocked releases the thread suspend count lock until the next broadcast.
//
// Must be called with the thread suspend count lock held (and no other).
func (rt *Runtime) waitLocked(h *locks.Held) {
	ch := rt.suspendCh
	rt.locks.ThreadSuspendCount.Unlock(h)
	<-ch
	rt.locks.ThreadSuspendCount.Lock(h)
}
