//go:build v8

// Package v8engine runs workers on V8 through github.com/tommie/v8go. It is
// selected with -tags v8.
package v8engine

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	v8 "github.com/tommie/v8go"

	"github.com/cryguy/webworker/internal/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// origin is the script name V8 reports in stack traces.
const origin = "worker.js"

// v8Runtime implements core.JSRuntime for one isolate and context.
type v8Runtime struct {
	iso         *v8.Isolate
	ctx         *v8.Context
	closed      atomic.Bool
	interrupted atomic.Bool
}

var _ core.JSRuntime = (*v8Runtime)(nil)
var _ core.BinaryTransferer = (*v8Runtime)(nil)

// New creates an isolate with a heap limit from cfg and a fresh context. It
// satisfies core.EngineFactory.
func New(cfg core.Config) (core.JSRuntime, error) {
	var iso *v8.Isolate
	if heap := uint64(cfg.MemoryLimitMB) << 20; heap > 0 {
		iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	} else {
		iso = v8.NewIsolate()
	}
	return &v8Runtime{iso: iso, ctx: v8.NewContext(iso)}, nil
}

func (r *v8Runtime) run(js string) (*v8.Value, error) {
	val, err := r.ctx.RunScript(js, origin)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	return val, nil
}

func (r *v8Runtime) Eval(js string) error {
	_, err := r.run(js)
	return err
}

func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.run(js)
	if err != nil || val == nil || val.IsUndefined() || val.IsNull() {
		return "", err
	}
	return val.String(), nil
}

func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.run(js)
	if err != nil {
		return false, err
	}
	if val == nil || !val.IsBoolean() {
		return false, fmt.Errorf("expected bool from script")
	}
	return val.Boolean(), nil
}

// RegisterFunc exposes fn as a global. Parameters may be string, int,
// int64, float64 or bool; so may a single result, optionally followed by an
// error, which is thrown as a TypeError.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("registering %s: expected function, got %T", name, fn)
	}
	if ft.NumOut() > 2 || (ft.NumOut() == 2 && !ft.Out(1).Implements(errorType)) {
		return fmt.Errorf("registering %s: unsupported results %s", name, ft)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		in := make([]reflect.Value, ft.NumIn())
		for i := range in {
			if i < len(args) {
				in[i] = fromJS(args[i], ft.In(i))
			} else {
				in[i] = reflect.Zero(ft.In(i))
			}
		}
		out := fv.Call(in)
		if len(out) == 2 && !out[1].IsNil() {
			return r.throwTypeError(fmt.Sprintf("calling %s: %v", name, out[1].Interface()))
		}
		if len(out) == 0 {
			return nil
		}
		v, err := r.toJS(out[0].Interface())
		if err != nil {
			return r.throwTypeError(fmt.Sprintf("calling %s: %v", name, err))
		}
		return v
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func (r *v8Runtime) throwTypeError(msg string) *v8.Value {
	jsMsg, _ := v8.NewValue(r.iso, msg)
	exc := jsMsg
	if ctor, err := r.ctx.Global().Get("TypeError"); err == nil {
		if fn, err := ctor.AsFunction(); err == nil {
			if e, err := fn.Call(v8.Undefined(r.iso), jsMsg); err == nil {
				exc = e
			}
		}
	}
	return r.iso.ThrowException(exc)
}

func (r *v8Runtime) SetGlobal(name string, value any) error {
	v, err := r.toJS(value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, v)
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	if r.closed.Load() {
		return
	}
	r.ctx.PerformMicrotaskCheckpoint()
}

// Interrupt terminates the script running in the isolate. V8 allows this
// from any thread.
func (r *v8Runtime) Interrupt() {
	if r.closed.Load() {
		return
	}
	r.interrupted.Store(true)
	r.iso.TerminateExecution()
}

// Close disposes of the context and the isolate. Further calls are no-ops.
func (r *v8Runtime) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.ctx.Close()
	r.iso.Dispose()
}

// BinaryMode reports that ReadBinaryFromJS expects a SharedArrayBuffer.
func (r *v8Runtime) BinaryMode() string { return "sab" }

func (r *v8Runtime) wrapErr(err error) error {
	if r.interrupted.Load() {
		return fmt.Errorf("%w: %v", core.ErrTerminated, err)
	}
	return err
}

// ReadBinaryFromJS copies the SharedArrayBuffer at globalThis[globalName]
// and deletes the global.
func (r *v8Runtime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	defer func() { _, _ = r.ctx.RunScript("delete globalThis["+strconv.Quote(globalName)+"]", origin) }()

	val, err := r.ctx.Global().Get(globalName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", globalName, err)
	}
	data, release, err := val.SharedArrayBufferGetContents()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", globalName, err)
	}
	defer release()
	return append([]byte{}, data...), nil
}

// WriteBinaryToJS fills a SharedArrayBuffer from Go and leaves an
// ArrayBuffer copy of it at globalThis[globalName].
func (r *v8Runtime) WriteBinaryToJS(globalName string, data []byte) error {
	key := strconv.Quote(globalName)
	if _, err := r.ctx.RunScript(fmt.Sprintf("globalThis[%s] = new SharedArrayBuffer(%d)", key, len(data)), origin); err != nil {
		return fmt.Errorf("allocating %s: %w", globalName, err)
	}
	if len(data) > 0 {
		val, err := r.ctx.Global().Get(globalName)
		if err != nil {
			return fmt.Errorf("writing %s: %w", globalName, err)
		}
		buf, release, err := val.SharedArrayBufferGetContents()
		if err != nil {
			return fmt.Errorf("writing %s: %w", globalName, err)
		}
		copy(buf, data)
		release()
	}
	// typed array slice copies into a plain ArrayBuffer
	script := fmt.Sprintf("globalThis[%s] = new Uint8Array(globalThis[%s]).slice().buffer", key, key)
	if _, err := r.ctx.RunScript(script, origin); err != nil {
		return fmt.Errorf("copying %s: %w", globalName, err)
	}
	return nil
}

func fromJS(val *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String()).Convert(t)
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer())).Convert(t)
	case reflect.Int64:
		return reflect.ValueOf(val.Integer()).Convert(t)
	case reflect.Float64:
		return reflect.ValueOf(val.Number()).Convert(t)
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean()).Convert(t)
	default:
		return reflect.Zero(t)
	}
}

// toJS converts a Go value. Scalars map directly; anything else goes
// through JSON.
func (r *v8Runtime) toJS(value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(r.iso), nil
	case string, bool, float64, int32:
		return v8.NewValue(r.iso, v)
	case int:
		return r.number(int64(v))
	case int64:
		return r.number(v)
	case *v8.Value:
		return v, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	return r.ctx.RunScript("JSON.parse("+strconv.Quote(string(data))+")", origin)
}

// number keeps integers outside int32 as doubles instead of truncating.
func (r *v8Runtime) number(n int64) (*v8.Value, error) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return v8.NewValue(r.iso, int32(n))
	}
	return v8.NewValue(r.iso, float64(n))
}
