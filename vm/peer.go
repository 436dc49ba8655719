package vm

import "sync"

// Thread priorities, as seen by the language.
const (
	MinPriority  = 1
	NormPriority = 5
	MaxPriority  = 10
)

// ThreadGroup is the language-level group a thread belongs to.
type ThreadGroup struct {
	Name   string
	Parent *ThreadGroup
}

// PeerConfig describes a new Peer.
type PeerConfig struct {
	Name     string
	Priority int // defaults to NormPriority
	Daemon   bool
	Group    *ThreadGroup
	// ContextClassLoader is an opaque language-level object.
	ContextClassLoader any
}

// Peer is the language-level object that is a thread's public identity.
//
// A Peer exists independently of any managed Thread: it can be created and
// never started, or outlive the Thread that ran under it. The runtime maps a
// Peer to its live Thread through the thread list, never through the Peer
// itself.
type Peer struct {
	rt *Runtime

	mu struct {
		sync.Mutex
		name               string
		priority           int
		daemon             bool
		group              *ThreadGroup
		contextClassLoader any
		// started is set once a thread finished attaching under this peer.
		started bool
	}
}

// NewPeer constructs a Peer owned by rt. It is not attached to any thread.
func (rt *Runtime) NewPeer(cfg PeerConfig) *Peer {
	p := &Peer{rt: rt}
	p.mu.name = cfg.Name
	p.mu.priority = cfg.Priority
	if p.mu.priority == 0 {
		p.mu.priority = NormPriority
	}
	p.mu.daemon = cfg.Daemon
	p.mu.group = cfg.Group
	p.mu.contextClassLoader = cfg.ContextClassLoader
	return p
}

// Runtime returns the runtime that owns the peer.
func (p *Peer) Runtime() *Runtime {
	return p.rt
}

// Name returns the peer's name field.
func (p *Peer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.name
}

// Priority returns the peer's priority field.
func (p *Peer) Priority() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.priority
}

// IsDaemon returns the peer's daemon field.
func (p *Peer) IsDaemon() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.daemon
}

// Group returns the peer's thread group, possibly nil.
func (p *Peer) Group() *ThreadGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.group
}

// ContextClassLoader returns the peer's context loader, possibly nil.
func (p *Peer) ContextClassLoader() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.contextClassLoader
}

// Started returns whether a thread ever finished attaching under this peer.
// Together with the absence of a live Thread it distinguishes a peer that was
// never started from one whose thread terminated.
func (p *Peer) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.started
}

func (p *Peer) markStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.started = true
}

func (p *Peer) setName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.name = name
}

func (p *Peer) setPriority(priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.priority = priority
}
