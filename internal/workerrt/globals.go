package workerrt

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/bridge"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/modload"
)

// install registers the raw Go functions the glue wraps and evaluates the
// glue itself. Results come back as "=" + value or "!" + error envelope so
// the glue controls which Error name the script sees.
func (r *runner) install() error {
	funcs := []struct {
		name string
		fn   any
	}{
		{"__ww_writeln", r.writeln},
		{"__ww_report", r.report},
		{"__ww_compile", r.compile},
		{"__ww_checkpoint", r.checkpoint},
		{"__ww_call", r.call},
		{"__ww_queue", r.queue},
	}
	for _, f := range funcs {
		if err := r.rt.RegisterFunc(f.name, f.fn); err != nil {
			return fmt.Errorf("registering %s: %w", f.name, err)
		}
	}
	mode := ""
	if r.bt != nil {
		mode = r.bt.BinaryMode()
	}
	if err := r.rt.SetGlobal("__ww_binmode", mode); err != nil {
		return fmt.Errorf("setting binary mode: %w", err)
	}
	if err := r.rt.Eval(glueJS); err != nil {
		return fmt.Errorf("evaluating glue: %w", err)
	}
	return nil
}

func (r *runner) writeln(text string) {
	fmt.Fprintln(r.opts.Stdout, text)
}

// compile returns "" when the file cannot be read, which the glue turns
// into false.
func (r *runner) compile(path string) string {
	src, err := r.opts.Loader.Load(path)
	if err != nil {
		if errors.Is(err, modload.ErrNotFound) || errors.Is(err, modload.ErrOutsideRoot) {
			r.log.Debug("compile: unreadable module", zap.String("path", path), zap.Error(err))
			return ""
		}
		return envelope(&core.CompileError{Name: path, Err: err})
	}
	return "=" + src
}

func (r *runner) checkpoint() string {
	if err := r.opts.Lifecycle.Checkpoint(); err != nil {
		return envelope(err)
	}
	return ""
}

func (r *runner) call(name, argsJSON string) string {
	args, err := r.opts.Codec.FromJSON(argsJSON, r.get)
	if err != nil {
		return envelope(&core.ProtocolError{Op: "encode arguments", Reason: name, Err: err})
	}
	v, err := r.opts.Bridge.Call(name, args)
	if err != nil {
		return envelope(err)
	}
	text, err := r.opts.Codec.ToJSON(v, r.put())
	if err != nil {
		return envelope(&core.ProtocolError{Op: "decode result", Reason: name, Err: err})
	}
	return "=" + text
}

// queue records a script handle under id and returns the handle it
// replaced, or -1.
func (r *runner) queue(id string, h int) int {
	prev, replaced := r.registry.Set(id, bridge.Handle(h))
	if !replaced {
		return -1
	}
	return int(prev)
}
