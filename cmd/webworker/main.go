// Command webworker runs a script in a worker, either attached to the
// terminal or behind a WebSocket endpoint.
//
//	webworker run [-timeout d] script.js
//	webworker serve [-addr :8080] [-metrics] script.js
//
// Configuration is read from WEBWORKER_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/cryguy/webworker/host"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/hostapi"
	"github.com/cryguy/webworker/internal/logging"
	"github.com/cryguy/webworker/internal/modload"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := core.LoadConfig("webworker")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.FromLevel(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, cfg, log, os.Args[2:])
	case "serve":
		err = serveCmd(ctx, cfg, log, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("webworker failed", zap.Error(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: webworker run [-timeout d] script.js")
	fmt.Fprintln(os.Stderr, "       webworker serve [-addr :8080] [-metrics] script.js")
}

// script is a loaded entry point ready to hand to host.New.
type script struct {
	root   string
	source string
}

// loadScript reads path, bundling it first when it uses import/export.
func loadScript(path string, cfg core.Config) (script, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return script{}, err
	}
	root, name := filepath.Dir(abs), filepath.Base(abs)
	src, err := os.ReadFile(abs)
	if err != nil {
		return script{}, fmt.Errorf("reading script: %w", err)
	}
	if filepath.Ext(name) == ".ts" || (cfg.TranspileModules && modload.NeedsTransform(string(src))) {
		bundled, err := modload.New(root, cfg.TranspileModules).Bundle(name)
		if err != nil {
			return script{}, err
		}
		return script{root: root, source: bundled}, nil
	}
	return script{root: root, source: string(src)}, nil
}

// database opens the SQL store named by cfg.DBPath, if any. The returned
// close func is never nil.
func database(cfg core.Config, log *zap.Logger) (map[string]host.Method, func(), error) {
	if cfg.DBPath == "" {
		return nil, func() {}, nil
	}
	store, err := hostapi.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	log.Info("sql store attached", zap.String("path", store.Path))
	return store.Defines(), func() { _ = store.Close() }, nil
}
