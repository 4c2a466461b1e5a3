package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/cryguy/webworker/host"
	"github.com/cryguy/webworker/internal/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func runCmd(ctx context.Context, cfg core.Config, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 0, "force-terminate the worker after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
		return errors.New("run: expected one script")
	}
	sc, err := loadScript(fs.Arg(0), cfg)
	if err != nil {
		return err
	}
	defines, closeDB, err := database(cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	return runAttached(ctx, sc, host.Options{
		RootPath: sc.root,
		Defines:  defines,
		Timeout:  *timeout,
		Config:   &cfg,
		Logger:   log,
	}, os.Stdin, os.Stdout, os.Stderr)
}

// runAttached runs one worker against a terminal: stdin lines are posted
// as messages, messages from the script are printed as JSON lines.
func runAttached(ctx context.Context, sc script, opts host.Options, in io.Reader, out, errOut io.Writer) error {
	opts.OnStdout = func(line string) { fmt.Fprintln(out, line) }
	opts.OnStderr = func(line string) { fmt.Fprintln(errOut, line) }
	opts.OnMessage = func(msg any) {
		text, err := json.MarshalToString(msg)
		if err != nil {
			fmt.Fprintf(errOut, "message: %v\n", err)
			return
		}
		fmt.Fprintln(out, text)
	}

	ww, err := host.New(sc.source, opts)
	if err != nil {
		return err
	}

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if err := ww.PostMessage(parseMessage(scanner.Bytes())); err != nil {
				return
			}
		}
	}()

	select {
	case <-ww.Worker().Done():
	case <-ctx.Done():
		ww.Terminate()
		// a script spinning without checkpoint() never sees the request
		select {
		case <-ww.Worker().Done():
		case <-time.After(2 * time.Second):
			ww.ForceTerminate()
		}
	}
	return ww.Wait(context.Background())
}

// parseMessage decodes a JSON message, falling back to the raw text.
func parseMessage(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return normalizeJSON(v)
	}
	return string(data)
}

// normalizeJSON turns whole float64 numbers into int64 so they cross to the
// script the way script integers come back.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalizeJSON(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeJSON(t[k])
		}
		return t
	default:
		return v
	}
}
