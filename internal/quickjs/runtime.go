//go:build !v8

// Package quickjs runs workers on modernc.org/quickjs, a pure Go port of
// QuickJS. It is the default engine; build with -tags v8 for V8.
package quickjs

import (
	"fmt"
	"strings"
	"sync/atomic"

	"modernc.org/libc"
	"modernc.org/quickjs"

	"github.com/cryguy/webworker/internal/core"
)

// qjsRuntime implements core.JSRuntime for one QuickJS VM.
type qjsRuntime struct {
	vm          *quickjs.VM
	closed      atomic.Bool
	interrupted atomic.Bool

	// direct C API access for binary transfer; see binary.go
	tls         *libc.TLS
	ctx         uintptr
	useFallback bool
}

var _ core.JSRuntime = (*qjsRuntime)(nil)
var _ core.BinaryTransferer = (*qjsRuntime)(nil)

// New creates a QuickJS VM with the memory limit from cfg. It satisfies
// core.EngineFactory.
func New(cfg core.Config) (core.JSRuntime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}
	r := &qjsRuntime{vm: vm}
	r.initBinaryTransfer()
	return r, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return r.wrapErr(err)
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", r.wrapErr(err)
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, r.wrapErr(err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// RegisterFunc registers a Go function as a global JavaScript function.
// The QuickJS wrapper returns multi-value results as arrays, so (T, error)
// functions are wrapped in JS: a non-nil error is thrown as a TypeError and
// T is returned otherwise.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	return r.Eval(fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName))
}

// SetGlobal sets a global property on the VM's global object.
func (r *qjsRuntime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks pumps the QuickJS job queue.
func (r *qjsRuntime) RunMicrotasks() {
	if r.closed.Load() {
		return
	}
	executePendingJobs(r.vm)
}

// Interrupt aborts the script running in the VM. It may be called from any
// goroutine; the lifecycle guarantees it never races with Close.
func (r *qjsRuntime) Interrupt() {
	if r.closed.Load() {
		return
	}
	r.interrupted.Store(true)
	r.vm.Interrupt()
}

// Close frees the VM. Further calls are no-ops.
func (r *qjsRuntime) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.vm.Close()
}

// BinaryMode reports the buffer type ReadBinaryFromJS expects.
func (r *qjsRuntime) BinaryMode() string { return "ab" }

// wrapErr marks errors caused by Interrupt so callers can tell a forced
// stop from a script exception.
func (r *qjsRuntime) wrapErr(err error) error {
	if r.interrupted.Load() || strings.Contains(err.Error(), "interrupted") {
		return fmt.Errorf("%w: %v", core.ErrTerminated, err)
	}
	return err
}
