// Package workerrt is the worker goroutine body: it boots a script engine,
// runs the bootstrap and the user script, and then dispatches mailbox
// deliveries until the worker is stopped.
package workerrt

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	goruntime "runtime"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/bridge"
	"github.com/cryguy/webworker/internal/codec"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/lifecycle"
	"github.com/cryguy/webworker/internal/metrics"
	"github.com/cryguy/webworker/internal/modload"
)

//go:embed glue.js
var glueJS string

//go:embed bootstrap.js
var bootstrapJS string

// Dispatch outcomes recorded in metrics.
const (
	outcomeOK           = "ok"
	outcomeUnregistered = "unregistered"
	outcomeProtocol     = "protocol"
	outcomeError        = "error"
)

// Context is what the host hands to a worker at spawn time.
type Context struct {
	ID       string
	RootPath string
	Source   string
}

// Options wires a worker goroutine to its host-side collaborators.
type Options struct {
	Engine    core.EngineFactory
	Config    core.Config
	Lifecycle *lifecycle.Lifecycle
	Bridge    *bridge.SyncBridge
	Mailbox   *bridge.Mailbox
	Codec     *codec.Codec
	Loader    *modload.Loader
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// runner is the per-worker state. Every field is owned by the worker
// goroutine; registered functions close over it instead of looking it up.
type runner struct {
	wc       Context
	opts     Options
	rt       core.JSRuntime
	bt       core.BinaryTransferer
	registry *bridge.Registry
	log      *zap.Logger
}

// Run is the worker goroutine body. It locks the goroutine to its OS thread,
// owns the engine for its whole life and returns once the worker has
// stopped. Stops caused by Terminate or ForceTerminate return nil; a
// CompileError or RuntimeError is returned otherwise. initArgs is always
// consumed.
func Run(wc Context, initArgs *codec.Buffer, opts Options) (err error) {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	if opts.Codec == nil {
		opts.Codec = codec.FromConfig(opts.Config)
	}
	if opts.Loader == nil {
		opts.Loader = modload.New(wc.RootPath, opts.Config.TranspileModules)
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	lc := opts.Lifecycle

	r := &runner{
		wc:       wc,
		opts:     opts,
		registry: bridge.NewRegistry(),
		log:      opts.Logger.With(zap.String("worker", wc.ID)),
	}

	if !lc.MarkRunning() {
		initArgs.Release()
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			if lc.Forced() {
				err = nil
				return
			}
			r.log.Error("worker panic", zap.Any("panic", rec))
			err = &core.RuntimeError{Op: "worker", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	rt, err := opts.Engine(opts.Config)
	if err != nil {
		initArgs.Release()
		return &core.CompileError{Name: "engine", Err: err}
	}
	r.rt = rt
	r.bt, _ = rt.(core.BinaryTransferer)
	defer r.cleanup()
	lc.SetInterrupt(rt.Interrupt)

	if err := r.boot(initArgs); err != nil {
		if r.stopped(err) {
			return nil
		}
		return err
	}
	r.log.Debug("worker booted")
	return r.loop()
}

// cleanup is the single release point for everything the goroutine owns.
func (r *runner) cleanup() {
	r.opts.Lifecycle.SetInterrupt(nil)
	r.rt.Close()
	r.registry.Clear()
}

// stopped reports whether err is the result of a requested stop rather
// than a script failure.
func (r *runner) stopped(err error) bool {
	lc := r.opts.Lifecycle
	return lc.Forced() || (errors.Is(err, core.ErrTerminated) && lc.ShouldTerminate())
}

func (r *runner) boot(initArgs *codec.Buffer) error {
	if err := r.install(); err != nil {
		initArgs.Release()
		return &core.CompileError{Name: "globals", Err: err}
	}

	var args any
	if initArgs != nil {
		var err error
		if args, err = r.opts.Codec.Decode(initArgs); err != nil {
			r.report("ProtocolError", err.Error(), "")
			return &core.CompileError{Name: "start arguments", Err: err}
		}
	}
	text, err := r.opts.Codec.ToJSON(args, r.put())
	if err != nil {
		return &core.CompileError{Name: "start arguments", Err: err}
	}
	if err := r.rt.SetGlobal("__ww_start_args", text); err != nil {
		return &core.CompileError{Name: "start arguments", Err: err}
	}

	if err := r.rt.Eval("globalThis.__ww_bootstrap = " + bootstrapJS); err != nil {
		r.report("SyntaxError", err.Error(), "")
		return &core.CompileError{Name: "bootstrap", Err: err}
	}
	user := "globalThis.__ww_user = (function (self, args, __dirname) {\n" + r.wc.Source + "\n})"
	if err := r.rt.Eval(user); err != nil {
		if r.stopped(err) {
			return err
		}
		r.report("SyntaxError", err.Error(), "")
		return &core.CompileError{Name: "worker script", Err: err}
	}

	if err := r.rt.SetGlobal("__ww_root", r.wc.RootPath); err != nil {
		return &core.CompileError{Name: "bootstrap", Err: err}
	}
	res, err := r.rt.EvalString("__ww.guard(function () { __ww.boot(globalThis.__ww_root); })")
	r.rt.RunMicrotasks()
	if err != nil {
		return &core.CompileError{Name: "worker script", Err: err}
	}
	if res != "" {
		if r.opts.Lifecycle.ShouldTerminate() {
			return core.ErrTerminated
		}
		return &core.CompileError{Name: "worker script", Err: errors.New(res)}
	}
	return nil
}

// loop waits on the mailbox and dispatches until a stop is requested or a
// callback throws.
func (r *runner) loop() error {
	lc := r.opts.Lifecycle
	for {
		cb, ok := r.opts.Mailbox.Wait(lc.Quit())
		if !ok {
			return nil
		}
		if lc.ShouldTerminate() {
			cb.Payload.Release()
			return nil
		}
		outcome, err := r.dispatch(cb)
		r.opts.Metrics.Dispatched(outcome)
		if err != nil {
			if r.stopped(err) {
				return nil
			}
			r.log.Error("callback failed", zap.String("callback", cb.ID), zap.Error(err))
			return err
		}
	}
}

func (r *runner) dispatch(cb bridge.Callback) (string, error) {
	h, err := r.registry.Lookup(cb.ID)
	if err != nil {
		cb.Payload.Release()
		return outcomeUnregistered, r.raise(err)
	}
	v, err := r.opts.Codec.Decode(cb.Payload)
	if err != nil {
		return outcomeProtocol, r.raise(err)
	}
	text, err := r.opts.Codec.ToJSON(v, r.put())
	if err != nil {
		return outcomeProtocol, r.raise(&core.ProtocolError{Op: "deliver", Reason: cb.ID, Err: err})
	}
	if err := r.rt.SetGlobal("__ww_payload", text); err != nil {
		return outcomeError, &core.RuntimeError{Op: "dispatch " + cb.ID, Err: err}
	}

	res, err := r.rt.EvalString("__ww.guard(function () { __ww.dispatch(" + strconv.Itoa(int(h)) + "); })")
	r.rt.RunMicrotasks()
	if err != nil {
		return outcomeError, &core.RuntimeError{Op: "dispatch " + cb.ID, Err: err}
	}
	if res != "" {
		if r.opts.Lifecycle.ShouldTerminate() {
			return outcomeError, core.ErrTerminated
		}
		return outcomeError, &core.RuntimeError{Op: "dispatch " + cb.ID, Err: errors.New(res)}
	}
	return outcomeOK, nil
}

// raise throws err into the script as a named Error: self.onerror gets it
// when set, the error stream otherwise. Only a throwing onerror is fatal.
func (r *runner) raise(err error) error {
	r.log.Debug("raising script error", zap.Error(err))
	if e := r.rt.SetGlobal("__ww_err_name", core.ScriptErrorName(err)); e != nil {
		return &core.RuntimeError{Op: "raise", Err: e}
	}
	if e := r.rt.SetGlobal("__ww_err_message", err.Error()); e != nil {
		return &core.RuntimeError{Op: "raise", Err: e}
	}
	res, e := r.rt.EvalString("__ww.guard(function () { __ww.raise(); })")
	r.rt.RunMicrotasks()
	if e != nil {
		return &core.RuntimeError{Op: "onerror", Err: e}
	}
	if res != "" {
		return &core.RuntimeError{Op: "onerror", Err: errors.New(res)}
	}
	return nil
}

// report writes an uncaught script error to the error stream and the log.
func (r *runner) report(name, message, stack string) {
	line := name + ": " + message
	if stack != "" {
		line += "\n" + stack
	}
	fmt.Fprintln(r.opts.Stderr, line)
	r.log.Error("uncaught script error", zap.String("name", name), zap.String("message", message))
}

// put parks outgoing byte slices as engine buffers when the engine can take
// them directly. Slots are numbered per conversion.
func (r *runner) put() codec.PutFunc {
	if r.bt == nil {
		return nil
	}
	n := 0
	return func(data []byte) (int, error) {
		slot := n
		n++
		return slot, r.bt.WriteBinaryToJS("__ww_in_"+strconv.Itoa(slot), data)
	}
}

func (r *runner) get(n int) ([]byte, error) {
	if r.bt == nil {
		return nil, fmt.Errorf("binary slot %d: engine has no binary transfer", n)
	}
	return r.bt.ReadBinaryFromJS("__ww_out_" + strconv.Itoa(n))
}

// envelope encodes err for the glue, which rethrows it with the given name.
func envelope(err error) string {
	text, _ := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(map[string]string{
		"name":    core.ScriptErrorName(err),
		"message": err.Error(),
	})
	return "!" + text
}
