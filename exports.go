package webworker

import (
	"github.com/cryguy/webworker/internal/codec"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
	"github.com/cryguy/webworker/internal/lifecycle"
	"github.com/cryguy/webworker/internal/metrics"
)

// Type aliases re-exporting internal types so embedders can name them
// without importing internal packages.

type RequestHandler = core.RequestHandler
type Config = core.Config
type JSRuntime = core.JSRuntime
type EngineFactory = core.EngineFactory
type Buffer = codec.Buffer
type State = lifecycle.State
type Metrics = metrics.Metrics
type Loop = eventloop.Loop

type CompileError = core.CompileError
type RuntimeError = core.RuntimeError
type ProtocolError = core.ProtocolError
type LifecycleError = core.LifecycleError
type UnregisteredCallbackError = core.UnregisteredCallbackError
type RemoteError = core.RemoteError

// Lifecycle states re-exported from lifecycle.
const (
	StateCreated          = lifecycle.Created
	StateStarted          = lifecycle.Started
	StateRunning          = lifecycle.Running
	StateTerminating      = lifecycle.CooperativeTerminating
	StateForceTerminating = lifecycle.ForcedTerminating
	StateDestroyed        = lifecycle.Destroyed
)

// Sentinel errors re-exported from core.
var (
	ErrTerminated     = core.ErrTerminated
	ErrBridgeBusy     = core.ErrBridgeBusy
	ErrBufferReleased = core.ErrBufferReleased
)

// Functions re-exported from internal packages.
var (
	DefaultConfig = core.DefaultConfig
	LoadConfig    = core.LoadConfig
	Encode        = codec.Default.Encode
	NewBuffer     = codec.NewBuffer
	NewMetrics    = metrics.New
	NewLoop       = eventloop.New
)
