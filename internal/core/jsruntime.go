package core

// JSRuntime abstracts the JavaScript engine (QuickJS or V8) behind the
// small surface the worker runtime needs. Every method except Interrupt must
// be called from the goroutine that created the runtime.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// Arguments and results are limited to string, int, float64 and bool.
	// On (T, error) signatures a non-nil error is thrown as a TypeError.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	RunMicrotasks()

	// Interrupt aborts the script currently running in the engine. It is the
	// only method that may be called from another goroutine.
	Interrupt()

	// Close disposes of the engine. The runtime must not be used afterwards.
	Close()
}

// BinaryTransferer is an optional interface that JSRuntime implementations
// can provide for moving byte payloads into JS without a JSON detour.
// V8 implements it using SharedArrayBuffer; QuickJS uses direct ArrayBuffer
// access via the libquickjs C API.
type BinaryTransferer interface {
	// ReadBinaryFromJS reads binary data from a JS buffer stored at the
	// given global variable name and returns it as Go bytes.
	ReadBinaryFromJS(globalName string) ([]byte, error)

	// WriteBinaryToJS writes Go bytes into a JS ArrayBuffer at the given
	// global variable name.
	WriteBinaryToJS(globalName string, data []byte) error

	// BinaryMode names the buffer type ReadBinaryFromJS expects: "ab" for
	// ArrayBuffer, "sab" for SharedArrayBuffer.
	BinaryMode() string
}

// EngineFactory creates a fresh engine for one worker.
type EngineFactory func(cfg Config) (JSRuntime, error)

// RequestHandler serves a defineRemoteMethod call on the host side. It runs
// on the host event loop; the worker stays blocked until it returns.
type RequestHandler func(name string, args any) (any, error)
