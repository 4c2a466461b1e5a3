// Package lifecycle tracks a worker from creation to destruction and makes
// sure teardown runs exactly once whichever way the worker is stopped.
package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/cryguy/webworker/internal/core"
)

// State is a worker lifecycle state.
type State int32

const (
	Created State = iota
	Started
	Running
	CooperativeTerminating
	ForcedTerminating
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Running:
		return "running"
	case CooperativeTerminating:
		return "terminating"
	case ForcedTerminating:
		return "force-terminating"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Terminating reports whether s is one of the two terminating states.
func (s State) Terminating() bool {
	return s == CooperativeTerminating || s == ForcedTerminating
}

// Lifecycle is shared by the host handle and the worker goroutine. All
// transitions are atomic; the channels let either side block on them.
type Lifecycle struct {
	state           atomic.Int32
	shouldTerminate atomic.Bool
	forced          atomic.Bool
	exited          atomic.Bool
	destroyed       atomic.Bool

	// mu orders ForceTerminate against installing and removing the engine
	// interrupt, so the interrupt never fires on a closed engine.
	mu        sync.Mutex
	interrupt func()

	quit     chan struct{}
	quitOnce sync.Once
	killed   chan struct{}
	killOnce sync.Once
	done     chan struct{}
	teardown sync.Once
}

// New returns a Lifecycle in the Created state.
func New() *Lifecycle {
	return &Lifecycle{
		quit:   make(chan struct{}),
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the current state.
func (l *Lifecycle) State() State { return State(l.state.Load()) }

// Start moves Created to Started. It fails with a LifecycleError from any
// other state.
func (l *Lifecycle) Start() error {
	if !l.state.CompareAndSwap(int32(Created), int32(Started)) {
		return &core.LifecycleError{Op: "start", State: l.State().String()}
	}
	return nil
}

// MarkRunning moves Started to Running. It returns false when termination
// won the race, in which case the worker should go straight to teardown.
func (l *Lifecycle) MarkRunning() bool {
	return l.state.CompareAndSwap(int32(Started), int32(Running)) && !l.shouldTerminate.Load()
}

// Terminate requests a cooperative stop: it sets the should-terminate flag
// and closes Quit. It returns true when the worker was never started, in
// which case the caller must run Teardown itself.
func (l *Lifecycle) Terminate() (teardownNow bool) {
	if l.destroyed.Load() {
		return false
	}
	l.shouldTerminate.Store(true)
	l.closeQuit()
	for {
		s := l.State()
		switch s {
		case Destroyed, CooperativeTerminating, ForcedTerminating:
			return false
		case Created:
			if l.state.CompareAndSwap(int32(s), int32(CooperativeTerminating)) {
				return true
			}
		default:
			if l.state.CompareAndSwap(int32(s), int32(CooperativeTerminating)) {
				return false
			}
		}
	}
}

// ForceTerminate requests a preemptive stop. Besides everything Terminate
// does it closes Killed and fires the engine interrupt, which aborts script
// code wherever it is. Like Terminate it returns true when the caller must
// run Teardown itself.
func (l *Lifecycle) ForceTerminate() (teardownNow bool) {
	if l.destroyed.Load() {
		return false
	}
	l.shouldTerminate.Store(true)

	l.mu.Lock()
	l.forced.Store(true)
	if l.interrupt != nil {
		l.interrupt()
	}
	l.mu.Unlock()

	l.closeQuit()
	l.killOnce.Do(func() { close(l.killed) })

	for {
		s := l.State()
		switch s {
		case Destroyed, ForcedTerminating:
			return false
		case Created:
			if l.state.CompareAndSwap(int32(s), int32(ForcedTerminating)) {
				return true
			}
		default:
			if l.state.CompareAndSwap(int32(s), int32(ForcedTerminating)) {
				return false
			}
		}
	}
}

// SetInterrupt installs the function ForceTerminate uses to abort the
// engine. If a forced stop is already pending it is fired immediately.
// Passing nil removes it; after that returns no interrupt is in progress.
func (l *Lifecycle) SetInterrupt(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interrupt = fn
	if fn != nil && l.forced.Load() {
		fn()
	}
}

// Teardown runs fn exactly once across all callers and then marks the
// worker Destroyed. It reports whether this call ran fn.
func (l *Lifecycle) Teardown(fn func()) bool {
	ran := false
	l.teardown.Do(func() {
		ran = true
		l.exited.Store(true)
		defer func() {
			l.state.Store(int32(Destroyed))
			l.destroyed.Store(true)
			l.closeQuit()
			close(l.done)
		}()
		if fn != nil {
			fn()
		}
	})
	return ran
}

// Checkpoint returns ErrTerminated once any stop has been requested.
func (l *Lifecycle) Checkpoint() error {
	if l.shouldTerminate.Load() {
		return core.ErrTerminated
	}
	return nil
}

// ShouldTerminate reports whether a stop was requested.
func (l *Lifecycle) ShouldTerminate() bool { return l.shouldTerminate.Load() }

// Forced reports whether the stop was a forced one.
func (l *Lifecycle) Forced() bool { return l.forced.Load() }

// Exited reports whether the worker has started unwinding for good.
func (l *Lifecycle) Exited() bool { return l.exited.Load() }

// Destroyed reports whether teardown has completed.
func (l *Lifecycle) Destroyed() bool { return l.destroyed.Load() }

// Quit is closed when any stop is requested.
func (l *Lifecycle) Quit() <-chan struct{} { return l.quit }

// Killed is closed when a forced stop is requested.
func (l *Lifecycle) Killed() <-chan struct{} { return l.killed }

// Done is closed after teardown has finished.
func (l *Lifecycle) Done() <-chan struct{} { return l.done }

func (l *Lifecycle) closeQuit() {
	l.quitOnce.Do(func() { close(l.quit) })
}
