package webworker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/bridge"
	"github.com/cryguy/webworker/internal/codec"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
	"github.com/cryguy/webworker/internal/lifecycle"
	"github.com/cryguy/webworker/internal/metrics"
	"github.com/cryguy/webworker/internal/workerrt"
)

// Host methods the bootstrap calls that a Worker answers itself.
const (
	methodStdout        = "$.onstdout"
	methodStderr        = "$.onstderr"
	methodAck           = "$.ack"
	methodSetTimeout    = "setTimeout"
	methodSetInterval   = "setInterval"
	methodClearTimeout  = "clearTimeout"
	methodClearInterval = "clearInterval"
)

// CallbackPrefix marks a script function passed to the host. The part after
// the prefix is the id to Deliver to.
const CallbackPrefix = "callback:"

// Worker is the host handle for one script worker: it owns the worker
// goroutine, both channels and the event loop that serves bridge calls.
type Worker struct {
	id     string
	wc     workerrt.Context
	cfg    core.Config
	engine core.EngineFactory
	codec  *codec.Codec

	onRequest RequestHandler
	log       *zap.Logger
	stdout    io.Writer
	stderr    io.Writer
	metrics   *metrics.Metrics

	loop     *eventloop.Loop
	ownsLoop bool

	lc      *lifecycle.Lifecycle
	mailbox *bridge.Mailbox
	bridge  *bridge.SyncBridge

	mu       sync.Mutex
	queue    []bridge.Callback // acknowledged deliveries waiting their turn
	awaiting string            // id of the delivery not yet acked
	timers   map[int]string    // timer id to callback id
	started  bool
	closed   bool // set by teardown; no mailbox puts after it
	err      error
}

// New creates a worker for source, rooted at rootPath for compile and
// require. onRequest serves defineRemoteMethod calls the Worker does not
// answer itself; it runs on the worker's event loop. The worker does
// nothing until Start.
func New(rootPath, source string, onRequest RequestHandler, opts ...Option) (*Worker, error) {
	o := options{
		cfg:    core.DefaultConfig(),
		stdout: os.Stdout,
		stderr: os.Stderr,
		engine: newEngine,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.cfg = o.cfg.Normalize()
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if rootPath == "" {
		rootPath = "."
	}

	id := uuid.NewString()
	w := &Worker{
		id:        id,
		wc:        workerrt.Context{ID: id, RootPath: rootPath, Source: source},
		cfg:       o.cfg,
		engine:    o.engine,
		codec:     codec.FromConfig(o.cfg),
		onRequest: onRequest,
		log:       o.log.With(zap.String("worker", id)),
		stdout:    o.stdout,
		stderr:    o.stderr,
		metrics:   o.metrics,
		loop:      o.loop,
		lc:        lifecycle.New(),
		mailbox:   bridge.NewMailbox(),
		timers:    make(map[int]string),
	}
	if w.loop == nil {
		w.loop = eventloop.New(w.log)
		w.ownsLoop = true
	}
	w.bridge = bridge.NewSyncBridge(bridge.SyncOptions{
		Codec:   w.codec,
		Loop:    w.loop,
		Handler: w.handle,
		Kill:    w.lc.Killed(),
		Logger:  w.log,
		Observe: w.metrics.ObserveCall,
	})
	return w, nil
}

// ID returns the worker's unique id.
func (w *Worker) ID() string { return w.id }

// State returns the lifecycle state.
func (w *Worker) State() lifecycle.State { return w.lc.State() }

// Destroyed reports whether teardown has completed.
func (w *Worker) Destroyed() bool { return w.lc.Destroyed() }

// Done is closed once the worker has been torn down.
func (w *Worker) Done() <-chan struct{} { return w.lc.Done() }

// Err returns the CompileError or RuntimeError that ended the worker, if
// any. It is only meaningful after Done is closed.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Wait blocks until the worker is torn down or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.lc.Done():
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start spawns the worker goroutine with initArgs as the script's start
// arguments. It is valid once.
func (w *Worker) Start(initArgs any) error {
	buf, err := w.codec.Encode(initArgs)
	if err != nil {
		return fmt.Errorf("encoding start arguments: %w", err)
	}
	if err := w.lc.Start(); err != nil {
		buf.Release()
		return err
	}
	if w.ownsLoop {
		w.loop.Start()
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	w.metrics.WorkerStarted()

	go w.run(buf)
	return nil
}

func (w *Worker) run(initArgs *codec.Buffer) {
	var err error
	defer func() {
		w.lc.Teardown(func() { w.teardown(err) })
	}()
	err = workerrt.Run(w.wc, initArgs, workerrt.Options{
		Engine:    w.engine,
		Config:    w.cfg,
		Lifecycle: w.lc,
		Bridge:    w.bridge,
		Mailbox:   w.mailbox,
		Codec:     w.codec,
		Stdout:    w.stdout,
		Stderr:    w.stderr,
		Logger:    w.log,
		Metrics:   w.metrics,
	})
}

// teardown runs exactly once, on the worker goroutine or on the caller of
// Terminate for a worker that never started.
func (w *Worker) teardown(err error) {
	w.mu.Lock()
	w.closed = true
	for _, cb := range w.queue {
		cb.Payload.Release()
	}
	w.queue = nil
	w.awaiting = ""
	timers := w.timers
	w.timers = make(map[int]string)
	w.err = err
	started := w.started
	w.mu.Unlock()
	w.mailbox.Drain()

	for id := range timers {
		w.loop.ClearTimer(id)
	}
	if w.ownsLoop {
		w.loop.Stop()
	}

	reason := "completed"
	switch {
	case w.lc.Forced():
		reason = "forced"
	case w.lc.ShouldTerminate():
		reason = "terminated"
	case err != nil:
		reason = "error"
	}
	w.metrics.WorkerStopped(reason, started)
	if err != nil {
		w.log.Error("worker stopped", zap.String("reason", reason), zap.Error(err))
		return
	}
	w.log.Debug("worker stopped", zap.String("reason", reason))
}

// Send puts payload in the worker's mailbox under id. It never blocks; an
// unread earlier delivery is dropped. Use Deliver when every delivery must
// arrive.
func (w *Worker) Send(id string, payload any) error {
	buf, err := w.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %q: %w", id, err)
	}
	return w.SendBuffer(id, buf)
}

// SendBuffer is Send for an already encoded payload. The worker takes
// ownership of buf, also when an error is returned.
func (w *Worker) SendBuffer(id string, buf *codec.Buffer) error {
	w.mu.Lock()
	if err := w.checkLive("send"); err != nil {
		w.mu.Unlock()
		buf.Release()
		return err
	}
	dropped := w.mailbox.Put(bridge.Callback{ID: id, Payload: buf})
	w.mu.Unlock()
	w.metrics.CallbackSent(dropped)
	if dropped {
		w.log.Debug("mailbox: unread delivery dropped", zap.String("callback", id))
	}
	return nil
}

// Deliver calls the script function registered under id with args. Unlike
// Send it queues: the next delivery is put in the mailbox only after the
// script acknowledges the previous one, so nothing is dropped. id must come
// from a function the script passed to the host (see CallbackPrefix).
func (w *Worker) Deliver(id string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	buf, err := w.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("encoding delivery for %q: %w", id, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkLive("deliver"); err != nil {
		buf.Release()
		return err
	}
	cb := bridge.Callback{ID: id, Payload: buf}
	if w.awaiting != "" {
		w.queue = append(w.queue, cb)
		return nil
	}
	w.awaiting = id
	w.mailbox.Put(cb)
	w.metrics.CallbackSent(false)
	return nil
}

// ack releases the next queued delivery once the script has taken id.
func (w *Worker) ack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.awaiting != id {
		return
	}
	w.awaiting = ""
	if len(w.queue) == 0 || w.closed || w.lc.ShouldTerminate() {
		return
	}
	next := w.queue[0]
	w.queue = w.queue[1:]
	w.awaiting = next.ID
	w.mailbox.Put(next)
	w.metrics.CallbackSent(false)
}

// Terminate asks the worker to stop at its next idle point or checkpoint.
// It returns immediately; use Done or Wait to observe teardown. Calling it
// again, or on a destroyed worker, does nothing.
func (w *Worker) Terminate() {
	if w.lc.Terminate() {
		w.lc.Teardown(func() { w.teardown(nil) })
	}
}

// ForceTerminate stops the worker wherever it is, including inside a
// running script or a blocked defineRemoteMethod.
func (w *Worker) ForceTerminate() {
	if w.lc.ForceTerminate() {
		w.lc.Teardown(func() { w.teardown(nil) })
	}
}

// checkLive must be called with w.mu held.
func (w *Worker) checkLive(op string) error {
	if w.closed || w.lc.Destroyed() || w.lc.ShouldTerminate() {
		return &core.LifecycleError{Op: op, State: w.lc.State().String()}
	}
	return nil
}

// handle runs on the event loop for every defineRemoteMethod call.
func (w *Worker) handle(name string, args any) (any, error) {
	list, _ := args.([]any)
	switch name {
	case methodStdout:
		writeLines(w.stdout, list)
		return nil, nil
	case methodStderr:
		writeLines(w.stderr, list)
		return nil, nil
	case methodAck:
		if len(list) > 0 {
			if id, ok := list[0].(string); ok {
				w.ack(id)
			}
		}
		return nil, nil
	case methodSetTimeout, methodSetInterval:
		return w.setTimer(list, name == methodSetInterval)
	case methodClearTimeout, methodClearInterval:
		if len(list) > 0 {
			if id, ok := toInt(list[0]); ok {
				w.clearTimer(id)
			}
		}
		return nil, nil
	}
	if w.onRequest == nil {
		return nil, fmt.Errorf("no host method %q", name)
	}
	return w.onRequest(name, args)
}

func (w *Worker) setTimer(args []any, repeat bool) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("timer without callback")
	}
	token, _ := args[0].(string)
	id, ok := CallbackID(token)
	if !ok {
		return nil, fmt.Errorf("timer callback must be a function, got %v", args[0])
	}
	var delay time.Duration
	if len(args) > 1 {
		if ms, ok := toFloat(args[1]); ok && ms > 0 {
			delay = time.Duration(ms * float64(time.Millisecond))
		}
	}
	var rest []any
	if len(args) > 2 {
		rest = args[2:]
	}

	var timerID int
	timerID = w.loop.RegisterTimer(delay, repeat, func() {
		if !repeat {
			w.mu.Lock()
			delete(w.timers, timerID)
			w.mu.Unlock()
		} else if w.queued(id) {
			// the previous tick has not been taken yet
			return
		}
		if err := w.Deliver(id, rest...); err != nil {
			w.clearTimer(timerID)
		}
	})
	if timerID == 0 {
		return nil, core.ErrTerminated
	}
	w.mu.Lock()
	w.timers[timerID] = id
	w.mu.Unlock()
	return timerID, nil
}

// clearTimer cancels a timer and drops its deliveries still in the queue.
func (w *Worker) clearTimer(timerID int) {
	w.mu.Lock()
	id, ok := w.timers[timerID]
	delete(w.timers, timerID)
	if ok {
		kept := w.queue[:0]
		for _, cb := range w.queue {
			if cb.ID == id {
				cb.Payload.Release()
				continue
			}
			kept = append(kept, cb)
		}
		w.queue = kept
	}
	w.mu.Unlock()
	if ok {
		w.loop.ClearTimer(timerID)
	}
}

// queued reports whether a delivery for id is waiting in the queue.
func (w *Worker) queued(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cb := range w.queue {
		if cb.ID == id {
			return true
		}
	}
	return false
}

// CallbackID extracts the delivery id from a "callback:<id>" token.
func CallbackID(token string) (string, bool) {
	if !strings.HasPrefix(token, CallbackPrefix) {
		return "", false
	}
	return token[len(CallbackPrefix):], true
}

func writeLines(out io.Writer, args []any) {
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			parts[i] = s
		} else {
			parts[i] = fmt.Sprint(a)
		}
	}
	fmt.Fprintln(out, strings.Join(parts, " "))
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	return int(f), ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
