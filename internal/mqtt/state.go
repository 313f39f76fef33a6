package mqtt

import (
	"fmt"
	"sync"
	"time"
)

// StateKind classifies broker usability.
type StateKind int

const (
	Connected StateKind = iota
	Disconnected
	Stale
)

func (k StateKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ConnState is a point-in-time view of the broker connection. LastSeen is
// the last evidence of broker liveness and is zero when none was observed.
type ConnState struct {
	Kind     StateKind
	LastSeen time.Time
}

// Usable reports whether publishes should be attempted.
func (s ConnState) Usable() bool {
	return s.Kind == Connected
}

func (s ConnState) String() string {
	if s.LastSeen.IsZero() {
		return s.Kind.String() + " (never seen)"
	}
	return fmt.Sprintf("%s (last seen %s)", s.Kind, s.LastSeen.UTC().Format(time.RFC3339))
}

// stateTracker owns the disconnected flag and the liveness timestamp. Only
// the event loop and successful deliveries write to it.
type stateTracker struct {
	mu           sync.RWMutex
	disconnected bool
	lastSeen     time.Time
	timeout      time.Duration
	now          func() time.Time
}

func newStateTracker(timeout time.Duration, now func() time.Time) *stateTracker {
	return &stateTracker{timeout: timeout, now: now}
}

func (t *stateTracker) snapshot() ConnState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch {
	case t.disconnected:
		return ConnState{Kind: Disconnected, LastSeen: t.lastSeen}
	case t.lastSeen.IsZero(), t.now().Sub(t.lastSeen) > t.timeout:
		return ConnState{Kind: Stale, LastSeen: t.lastSeen}
	default:
		return ConnState{Kind: Connected, LastSeen: t.lastSeen}
	}
}

// connected clears the flag and refreshes liveness.
func (t *stateTracker) connected() {
	t.mu.Lock()
	t.disconnected = false
	t.lastSeen = t.now()
	t.mu.Unlock()
}

// touch refreshes liveness without changing the flag.
func (t *stateTracker) touch() {
	t.mu.Lock()
	t.lastSeen = t.now()
	t.mu.Unlock()
}

// lost sets the flag and reports whether this call changed it.
func (t *stateTracker) lost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disconnected {
		return false
	}
	t.disconnected = true
	return true
}
