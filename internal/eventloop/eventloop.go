// Package eventloop is the host side of a worker: a single goroutine that
// runs posted tasks (request handlers, deliveries) and Go-backed timers one
// at a time, so host state touched only from the loop needs no locking.
package eventloop

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// minInterval is the floor for repeating timers.
const minInterval = 10 * time.Millisecond

// timerEntry is a pending one-shot or repeating timer.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for one-shot
	id       int
	fn       func()
	cleared  bool
}

// Loop runs tasks and timers serially on one goroutine.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	timers  map[int]*timerEntry
	nextID  int
	stopped bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  sync.Once

	log *zap.Logger
}

// New creates a Loop. It does nothing until Start or Run is called.
func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    log,
	}
}

// Start runs the loop on a new goroutine. Calling it again is a no-op.
func (l *Loop) Start() {
	l.running.Do(func() { go l.run() })
}

// Run runs the loop on the calling goroutine until Stop is called.
func (l *Loop) Run() {
	ran := false
	l.running.Do(func() {
		ran = true
		l.run()
	})
	if !ran {
		<-l.done
	}
}

// Post queues fn to run on the loop. It returns false once the loop has
// been stopped, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// RegisterTimer schedules fn after delay, repeating when isInterval is set.
// It returns an id for ClearTimer, or 0 if the loop is stopped.
func (l *Loop) RegisterTimer(delay time.Duration, isInterval bool, fn func()) int {
	if delay < 0 {
		delay = 0
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return 0
	}
	l.nextID++
	id := l.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
		fn:       fn,
	}
	if isInterval {
		if delay < minInterval {
			delay = minInterval
		}
		entry.interval = delay
	}
	l.timers[id] = entry
	l.mu.Unlock()
	l.signal()
	return id
}

// ClearTimer cancels a timer by id. Unknown ids are ignored.
func (l *Loop) ClearTimer(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.cleared = true
		delete(l.timers, id)
	}
}

// HasPending reports whether tasks or timers are outstanding.
func (l *Loop) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) > 0 || len(l.timers) > 0
}

// Stop ends the loop after the task in progress. Queued tasks and timers
// are discarded; code waiting on a posted task should also watch Closing.
// Safe to call from a task and more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.tasks = nil
		l.timers = make(map[int]*timerEntry)
		l.mu.Unlock()
		close(l.stop)
	})
}

// Closing is closed as soon as Stop is called. From then on no further task
// starts, whether or not the loop was ever started.
func (l *Loop) Closing() <-chan struct{} { return l.stop }

// Done is closed when the loop goroutine has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, task := range tasks {
			if l.isStopped() {
				return
			}
			l.runTask("task", task)
		}

		next, ok := l.fireDueTimers()
		if l.isStopped() {
			return
		}

		l.mu.Lock()
		more := len(l.tasks) > 0
		l.mu.Unlock()
		if more {
			continue
		}

		var timerC <-chan time.Time
		if ok {
			wait := time.Until(next)
			if wait <= 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerC = timer.C
		}

		select {
		case <-l.stop:
			return
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// fireDueTimers runs every timer whose deadline has passed and returns the
// earliest remaining deadline.
func (l *Loop) fireDueTimers() (time.Time, bool) {
	now := time.Now()

	l.mu.Lock()
	var due []*timerEntry
	for _, t := range l.timers {
		if !t.cleared && !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	l.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		l.mu.Lock()
		if t.cleared || l.stopped {
			l.mu.Unlock()
			continue
		}
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
		} else {
			delete(l.timers, t.id)
		}
		fn := t.fn
		l.mu.Unlock()

		l.runTask(fmt.Sprintf("timer %d", t.id), fn)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range l.timers {
		if t.cleared {
			continue
		}
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

func (l *Loop) runTask(what string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("eventloop: panic in "+what, zap.Any("panic", r))
		}
	}()
	fn()
}

func (l *Loop) isStopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}
