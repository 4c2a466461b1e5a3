// Package bridge holds the two channels between a worker and its host: the
// synchronous call bridge (worker to host) and the callback mailbox (host to
// worker), plus the worker-side callback registry.
package bridge

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/codec"
	"github.com/cryguy/webworker/internal/core"
)

const (
	reqPending int32 = iota
	reqServing
	reqAnswered
	reqAbandoned
)

// Request is one synchronous call in flight. The worker fills Name and Args
// and hands it to the host loop; the host alone touches it until done is
// closed.
type Request struct {
	Name string
	Args *codec.Buffer

	result *codec.Buffer
	err    error
	state  atomic.Int32
	done   chan struct{}
}

// Poster runs functions on the host event loop. Closing is closed once the
// loop stops taking tasks; anything queued but not yet run is dropped.
type Poster interface {
	Post(fn func()) bool
	Closing() <-chan struct{}
}

// CallObserver is notified after every completed host call.
type CallObserver func(name string, elapsed time.Duration, err error)

// SyncBridge is a single-slot request/response channel. Call blocks the
// worker goroutine until the handler has run on the host loop.
type SyncBridge struct {
	codec    *codec.Codec
	loop     Poster
	handler  core.RequestHandler
	kill     <-chan struct{}
	log      *zap.Logger
	observe  CallObserver
	inflight atomic.Bool
}

// SyncOptions configures a SyncBridge.
type SyncOptions struct {
	Codec   *codec.Codec
	Loop    Poster
	Handler core.RequestHandler
	Kill    <-chan struct{} // closed on a forced stop
	Logger  *zap.Logger
	Observe CallObserver
}

// NewSyncBridge creates a SyncBridge.
func NewSyncBridge(opts SyncOptions) *SyncBridge {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &SyncBridge{
		codec:   opts.Codec,
		loop:    opts.Loop,
		handler: opts.Handler,
		kill:    opts.Kill,
		log:     opts.Logger,
		observe: opts.Observe,
	}
}

// Call sends name and args to the host handler and blocks until it answers.
// A cooperative stop does not interrupt it; only a forced stop or the host
// loop shutting down does. It must only be called from the worker
// goroutine.
func (b *SyncBridge) Call(name string, args any) (any, error) {
	if !b.inflight.CompareAndSwap(false, true) {
		return nil, core.ErrBridgeBusy
	}
	defer b.inflight.Store(false)

	select {
	case <-b.kill:
		return nil, core.ErrTerminated
	default:
	}

	buf, err := b.codec.Encode(args)
	if err != nil {
		return nil, &core.ProtocolError{Op: "encode arguments", Reason: name, Err: err}
	}
	req := &Request{Name: name, Args: buf, done: make(chan struct{})}

	if !b.loop.Post(func() { b.serve(req) }) {
		buf.Release()
		return nil, core.ErrTerminated
	}

	select {
	case <-req.done:
	case <-b.kill:
		if req.state.CompareAndSwap(reqPending, reqAbandoned) ||
			req.state.CompareAndSwap(reqServing, reqAbandoned) {
			// the host releases whatever it still holds when it gets there
			req.Args.Release()
			return nil, core.ErrTerminated
		}
		<-req.done
		req.result.Release()
		return nil, core.ErrTerminated
	case <-b.loop.Closing():
		if req.state.CompareAndSwap(reqPending, reqAbandoned) {
			// dropped with the loop's queue
			req.Args.Release()
			return nil, core.ErrTerminated
		}
		// the loop finishes the task in progress
		<-req.done
	}

	if req.err != nil {
		return nil, req.err
	}
	v, err := b.codec.Decode(req.result)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// InFlight reports whether a call is waiting for the host.
func (b *SyncBridge) InFlight() bool { return b.inflight.Load() }

// serve runs on the host loop.
func (b *SyncBridge) serve(req *Request) {
	defer close(req.done)

	if !req.state.CompareAndSwap(reqPending, reqServing) {
		req.Args.Release()
		return
	}

	start := time.Now()
	var result *codec.Buffer
	args, err := b.codec.Decode(req.Args)
	if err == nil {
		var val any
		val, err = b.invoke(req.Name, args)
		if err == nil {
			result, err = b.codec.Encode(val)
			if err != nil {
				err = &core.ProtocolError{Op: "encode result", Reason: req.Name, Err: err}
			}
		}
	}
	if b.observe != nil {
		b.observe(req.Name, time.Since(start), err)
	}

	if !req.state.CompareAndSwap(reqServing, reqAnswered) {
		result.Release()
		b.log.Debug("bridge: dropped answer for abandoned call", zap.String("method", req.Name))
		return
	}
	req.result = result
	req.err = err
}

func (b *SyncBridge) invoke(name string, args any) (val any, err error) {
	if b.handler == nil {
		return nil, &core.RemoteError{Method: name, Err: fmt.Errorf("no request handler")}
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bridge: request handler panicked", zap.String("method", name), zap.Any("panic", r))
			err = &core.RemoteError{Method: name, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	val, err = b.handler(name, args)
	if err != nil {
		return nil, &core.RemoteError{Method: name, Err: err}
	}
	return val, nil
}
