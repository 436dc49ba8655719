// Package locks contains the leveled mutexes that guard thread suspension.
//
// Every Mutex has a Level. A holder may only acquire a mutex whose level is
// strictly lower than the level of every mutex it already holds; anything
// else is a lock-order violation and panics. The levels encode the order
//
//	user-code suspension -> thread list -> thread suspend count
package locks

import (
	"fmt"
	"math/bits"
	"sync"
)

// Level orders mutexes. Higher levels are acquired first.
type Level uint8

const (
	// ThreadSuspendCountLevel guards execution states and suspend counts.
	ThreadSuspendCountLevel Level = iota + 1
	// ThreadListLevel guards registry membership and per-thread TLS.
	ThreadListLevel
	// UserCodeSuspensionLevel serializes tool-driven suspend/resume.
	UserCodeSuspensionLevel
)

var levelStrings = [...]string{
	ThreadSuspendCountLevel: "thread suspend count lock",
	ThreadListLevel:         "thread list lock",
	UserCodeSuspensionLevel: "user code suspension lock",
}

func (l Level) String() string {
	if int(l) < len(levelStrings) && levelStrings[l] != "" {
		return levelStrings[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Held records which levels a single holder currently owns. It is not safe
// for concurrent use: each managed thread owns exactly one and only touches it
// from its own goroutine. A nil *Held disables order checking.
type Held struct {
	mask uint32
}

// IsHeld returns whether the holder owns a mutex of the given level.
func (h *Held) IsHeld(l Level) bool {
	if h == nil {
		return false
	}
	return h.mask&(1<<l) != 0
}

// lowest returns the lowest level held, or 0 if nothing is held.
func (h *Held) lowest() Level {
	if h.mask == 0 {
		return 0
	}
	return Level(bits.TrailingZeros32(h.mask))
}

// Mutex is a sync.Mutex with a position in the global lock order.
type Mutex struct {
	level Level
	mu    sync.Mutex
}

// NewMutex constructs a Mutex at the given level.
func NewMutex(level Level) *Mutex {
	return &Mutex{level: level}
}

// Lock acquires the mutex on behalf of h.
func (m *Mutex) Lock(h *Held) {
	if h != nil {
		if l := h.lowest(); l != 0 && l <= m.level {
			panic(fmt.Sprintf("lock order violation: acquiring %s while holding %s", m.level, l))
		}
	}
	m.mu.Lock()
	if h != nil {
		h.mask |= 1 << m.level
	}
}

// Unlock releases the mutex on behalf of h.
func (m *Mutex) Unlock(h *Held) {
	if h != nil {
		if !h.IsHeld(m.level) {
			panic(fmt.Sprintf("unlock of %s that is not held", m.level))
		}
		h.mask &^= 1 << m.level
	}
	m.mu.Unlock()
}

// AssertHeld panics if h does not hold the mutex. A nil h is not checked.
func (m *Mutex) AssertHeld(h *Held) {
	if h != nil && !h.IsHeld(m.level) {
		panic(fmt.Sprintf("%s is not held", m.level))
	}
}

// AssertNotHeld panics if h holds the mutex. A nil h is not checked.
func (m *Mutex) AssertNotHeld(h *Held) {
	if h.IsHeld(m.level) {
		panic(fmt.Sprintf("%s is held", m.level))
	}
}

// Triad bundles the three mutexes that coordinate suspension.
type Triad struct {
	// UserCodeSuspension serializes tool-driven suspend and resume requests.
	UserCodeSuspension *Mutex
	// ThreadList guards membership of the thread registry.
	ThreadList *Mutex
	// ThreadSuspendCount guards execution states and suspend counts.
	ThreadSuspendCount *Mutex
}

// NewTriad constructs the three suspension mutexes.
func NewTriad() *Triad {
	return &Triad{
		UserCodeSuspension: NewMutex(UserCodeSuspensionLevel),
		ThreadList:         NewMutex(ThreadListLevel),
		ThreadSuspendCount: NewMutex(ThreadSuspendCountLevel),
	}
}
