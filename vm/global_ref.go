package vm

// GlobalRef is a handle that keeps a Peer reachable independently of any
// thread, for passing it across thread boundaries.
type GlobalRef uint64

// NewGlobalRef returns a new handle for p.
func (rt *Runtime) NewGlobalRef(p *Peer) GlobalRef {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.mu.nextRef++
	rt.mu.refs[rt.mu.nextRef] = p
	return rt.mu.nextRef
}

// DecodeGlobalRef returns the peer behind ref, or nil if ref was deleted.
func (rt *Runtime) DecodeGlobalRef(ref GlobalRef) *Peer {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.mu.refs[ref]
}

// DeleteGlobalRef releases ref.
func (rt *Runtime) DeleteGlobalRef(ref GlobalRef) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.mu.refs, ref)
}

// GlobalRefCount returns the number of live handles.
func (rt *Runtime) GlobalRefCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.mu.refs)
}
