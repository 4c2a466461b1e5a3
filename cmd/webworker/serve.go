package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cryguy/webworker/host"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/metrics"
)

// maxMessageBytes bounds a single WebSocket frame read from a client.
const maxMessageBytes = 1 << 20

func serveCmd(ctx context.Context, cfg core.Config, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":8080", "listen address")
	withMetrics := fs.Bool("metrics", false, "expose Prometheus metrics on /metrics")
	timeout := fs.Duration("timeout", 0, "force-terminate each worker after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
		return errors.New("serve: expected one script")
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

	srv := &server{
		script:  sc,
		cfg:     cfg,
		log:     log,
		defines: defines,
		timeout: *timeout,
	}
	mux := http.NewServeMux()
	mux.Handle("/", srv)
	if *withMetrics {
		srv.metrics = metrics.New(prometheus.DefaultRegisterer)
		mux.Handle("/metrics", promhttp.Handler())
	}

	hs := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	log.Info("listening", zap.String("addr", *addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

// server starts one worker per WebSocket connection. Text frames are JSON
// messages (plain text when they do not parse), binary frames arrive in the
// script as Uint8Array.
type server struct {
	script  script
	cfg     core.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	defines map[string]host.Method
	timeout time.Duration
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cfg := s.cfg
	ww, err := host.New(s.script.source, host.Options{
		RootPath:  s.script.root,
		Defines:   s.defines,
		Timeout:   s.timeout,
		Config:    &cfg,
		Logger:    s.log,
		Metrics:   s.metrics,
		OnMessage: func(msg any) { s.write(ctx, conn, msg) },
		OnStdout:  func(line string) { s.log.Info(line, zap.String("stream", "stdout")) },
		OnStderr:  func(line string) { s.log.Warn(line, zap.String("stream", "stderr")) },
	})
	if err != nil {
		s.log.Error("starting worker", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "worker failed to start")
		return
	}
	log := s.log.With(zap.String("worker", ww.Worker().ID()))
	log.Debug("connection opened")

	go func() {
		<-ww.Worker().Done()
		status, reason := websocket.StatusNormalClosure, ""
		if err := ww.Worker().Err(); err != nil {
			status, reason = websocket.StatusInternalError, "worker failed"
		}
		_ = conn.Close(status, reason)
		cancel()
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var msg any
		if typ == websocket.MessageBinary {
			msg = data
		} else {
			msg = parseMessage(data)
		}
		if err := ww.PostMessage(msg); err != nil {
			break
		}
	}

	ww.Terminate()
	select {
	case <-ww.Worker().Done():
	case <-time.After(2 * time.Second):
		ww.ForceTerminate()
	}
	log.Debug("connection closed", zap.Error(ww.Worker().Err()))
}

func (s *server) write(ctx context.Context, conn *websocket.Conn, msg any) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if b, ok := msg.([]byte); ok {
		err = conn.Write(writeCtx, websocket.MessageBinary, b)
	} else {
		var text []byte
		if text, err = json.Marshal(msg); err == nil {
			err = conn.Write(writeCtx, websocket.MessageText, text)
		}
	}
	if err != nil {
		s.log.Debug("websocket write failed", zap.Error(err))
	}
}
