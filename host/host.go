// Package host is the message-passing face of a worker: postMessage and
// onmessage in both directions, host functions handed to the script, and
// an optional deadline after which the worker is force-terminated.
package host

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/webworker"
)

const (
	methodPrePostMessage = "$.prePostMessage"
	methodOnMessage      = "$.onmessage"
	definePrefix         = "method:$.define."
	methodPrefix         = "method:"
)

// Method is a host function the script can call. Function arguments the
// script passed arrive as Callback values.
type Method func(args []any) (any, error)

// Callback calls back into a script function that was passed to the host.
// Deliveries are queued, never dropped.
type Callback func(args ...any) error

// Options configures a WebWorker. Every field is optional.
type Options struct {
	// RootPath is where compile and require resolve files.
	RootPath string
	// Defines are passed to the script as its start arguments, each one
	// callable as args.<name>(...).
	Defines map[string]Method
	// Timeout force-terminates the worker once it elapses.
	Timeout time.Duration

	OnStdout  func(line string)
	OnStderr  func(line string)
	OnMessage func(msg any)
	// OnError receives the error that ended the worker, if any.
	OnError func(err error)
	// Handler serves any other defineRemoteMethod call.
	Handler webworker.RequestHandler

	Config  *webworker.Config
	Logger  *zap.Logger
	Metrics *webworker.Metrics
	Engine  webworker.EngineFactory
}

// WebWorker runs one script and exchanges messages with it.
type WebWorker struct {
	w    *webworker.Worker
	opts Options

	mu      sync.Mutex
	sender  string // callback id of the script's message handler
	pending []any  // messages posted before the script listened
	refs    map[string]Method
	nextRef int

	timer *time.Timer
}

// New starts source in a new worker.
func New(source string, opts Options) (*WebWorker, error) {
	ww := &WebWorker{opts: opts, refs: make(map[string]Method)}

	wopts := []webworker.Option{
		webworker.WithStdout(lineWriter(opts.OnStdout)),
		webworker.WithStderr(lineWriter(opts.OnStderr)),
	}
	if opts.Config != nil {
		wopts = append(wopts, webworker.WithConfig(*opts.Config))
	}
	if opts.Logger != nil {
		wopts = append(wopts, webworker.WithLogger(opts.Logger))
	}
	if opts.Metrics != nil {
		wopts = append(wopts, webworker.WithMetrics(opts.Metrics))
	}
	if opts.Engine != nil {
		wopts = append(wopts, webworker.WithEngine(opts.Engine))
	}
	w, err := webworker.New(opts.RootPath, source, ww.onRequest, wopts...)
	if err != nil {
		return nil, err
	}
	ww.w = w

	defines := make(map[string]any, len(opts.Defines))
	for name := range opts.Defines {
		defines[name] = definePrefix + name
	}
	if opts.Timeout > 0 {
		ww.timer = time.AfterFunc(opts.Timeout, w.ForceTerminate)
	}
	if err := w.Start(defines); err != nil {
		ww.stopTimer()
		return nil, err
	}
	go ww.watch()
	return ww, nil
}

// Worker returns the underlying worker handle.
func (ww *WebWorker) Worker() *webworker.Worker { return ww.w }

// PostMessage sends msg to the script's onmessage handler. Messages posted
// before the script installs one are queued. Method values inside a map
// become functions the script can call.
func (ww *WebWorker) PostMessage(msg any) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	msg = ww.normalize(msg)
	if ww.sender == "" {
		ww.pending = append(ww.pending, msg)
		return nil
	}
	return ww.w.Deliver(ww.sender, msg)
}

// Terminate stops the worker cooperatively.
func (ww *WebWorker) Terminate() {
	ww.stopTimer()
	ww.w.Terminate()
}

// ForceTerminate stops the worker wherever it is.
func (ww *WebWorker) ForceTerminate() {
	ww.stopTimer()
	ww.w.ForceTerminate()
}

// Wait blocks until the worker is torn down and returns the error that
// ended it, if any.
func (ww *WebWorker) Wait(ctx context.Context) error {
	return ww.w.Wait(ctx)
}

func (ww *WebWorker) watch() {
	<-ww.w.Done()
	ww.stopTimer()
	if err := ww.w.Err(); err != nil && ww.opts.OnError != nil {
		ww.opts.OnError(err)
	}
}

func (ww *WebWorker) stopTimer() {
	if ww.timer != nil {
		ww.timer.Stop()
	}
}

// onRequest runs on the worker's event loop.
func (ww *WebWorker) onRequest(name string, args any) (any, error) {
	raw, _ := args.([]any)
	if name == methodPrePostMessage {
		return nil, ww.openChannel(raw)
	}
	list := ww.bindCallbacks(raw)

	switch {
	case name == methodOnMessage:
		if ww.opts.OnMessage != nil && len(list) > 0 {
			ww.opts.OnMessage(list[0])
		}
		return nil, nil
	case strings.HasPrefix(name, definePrefix):
		fn, ok := ww.opts.Defines[strings.TrimPrefix(name, definePrefix)]
		if !ok {
			return nil, fmt.Errorf("%s is not a function", name)
		}
		return fn(list)
	case strings.HasPrefix(name, methodPrefix):
		ww.mu.Lock()
		fn, ok := ww.refs[name]
		ww.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%s is not a function", name)
		}
		return fn(list)
	}
	if ww.opts.Handler != nil {
		return ww.opts.Handler(name, args)
	}
	return nil, fmt.Errorf("%s is not a function", name)
}

// openChannel records the script's message handler and flushes the
// messages posted so far.
func (ww *WebWorker) openChannel(args []any) error {
	if len(args) == 0 {
		return fmt.Errorf("%s: missing handler", methodPrePostMessage)
	}
	token, _ := args[0].(string)
	id, ok := webworker.CallbackID(token)
	if !ok {
		return fmt.Errorf("%s: handler must be a function", methodPrePostMessage)
	}
	// the flush holds mu so a concurrent PostMessage queues behind it
	ww.mu.Lock()
	defer ww.mu.Unlock()
	ww.sender = id
	pending := ww.pending
	ww.pending = nil
	for _, msg := range pending {
		if err := ww.w.Deliver(id, msg); err != nil {
			return err
		}
	}
	return nil
}

// bindCallbacks replaces "callback:<id>" tokens with Callback values.
func (ww *WebWorker) bindCallbacks(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			out[i] = a
			continue
		}
		id, ok := webworker.CallbackID(s)
		if !ok {
			out[i] = a
			continue
		}
		out[i] = Callback(func(args ...any) error { return ww.w.Deliver(id, args...) })
	}
	return out
}

// normalize turns Method values in a map into "method:" references the
// script resolves back into calls. Callers hold mu.
func (ww *WebWorker) normalize(msg any) any {
	m, ok := msg.(map[string]any)
	if !ok {
		return msg
	}
	ww.nextRef++
	prefix := methodPrefix + strconv.Itoa(ww.nextRef) + "#"
	out := make(map[string]any, len(m))
	for k, v := range m {
		fn, ok := v.(Method)
		if !ok {
			if f, isFunc := v.(func([]any) (any, error)); isFunc {
				fn, ok = Method(f), true
			}
		}
		if ok {
			key := prefix + k
			ww.refs[key] = fn
			out[k] = key
			continue
		}
		out[k] = v
	}
	return out
}

// lineWriter adapts a line callback to the writer a Worker prints to.
func lineWriter(fn func(string)) io.Writer {
	if fn == nil {
		return io.Discard
	}
	return &lines{fn: fn}
}

type lines struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func (l *lines) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := string(l.buf[:i])
		l.buf = l.buf[i+1:]
		l.fn(line)
	}
	return len(p), nil
}
