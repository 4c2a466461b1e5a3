package webworker

import (
	"io"

	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
	"github.com/cryguy/webworker/internal/metrics"
)

type options struct {
	cfg     core.Config
	log     *zap.Logger
	stdout  io.Writer
	stderr  io.Writer
	metrics *metrics.Metrics
	loop    *eventloop.Loop
	engine  core.EngineFactory
}

// Option configures a Worker.
type Option func(*options)

// WithConfig sets the engine and codec limits.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithStdout sets where writeln and console.log go. Defaults to os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithStderr sets where uncaught errors and console.error go. Defaults to
// os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithMetrics records worker activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLoop runs the worker's host side on a shared event loop. The caller
// starts and stops it; without this option each worker runs its own.
func WithLoop(l *eventloop.Loop) Option {
	return func(o *options) { o.loop = l }
}

// WithEngine replaces the script engine the worker boots.
func WithEngine(f core.EngineFactory) Option {
	return func(o *options) { o.engine = f }
}
