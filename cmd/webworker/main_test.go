//go:build !v8

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/webworker/host"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/logging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeScript(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
	return dir
}

func TestLoadScript_BundlesModules(t *testing.T) {
	dir := writeScript(t, map[string]string{
		"main.js": "import { twice } from './lib.js';\nconsole.log(twice(4));\n",
		"lib.js":  "export function twice(n) { return n * 2; }\n",
	})
	sc, err := loadScript(filepath.Join(dir, "main.js"), core.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, dir, sc.root)
	assert.NotContains(t, sc.source, "import {")

	plain := writeScript(t, map[string]string{"main.js": "writeln('x');"})
	sc, err = loadScript(filepath.Join(plain, "main.js"), core.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "writeln('x');", sc.source)
}

func TestRunAttached(t *testing.T) {
	dir := writeScript(t, map[string]string{"main.js": `
		var seen = 0;
		onmessage = function (e) {
			seen++;
			postMessage({got: e.data, seen: seen});
		};
		console.log('started');
	`})
	sc, err := loadScript(filepath.Join(dir, "main.js"), core.DefaultConfig())
	require.NoError(t, err)

	out, errOut := &syncBuffer{}, &syncBuffer{}
	in := strings.NewReader("{\"n\": 1}\nplain text\n")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runAttached(ctx, sc, host.Options{RootPath: sc.root, Logger: logging.Nop()}, in, out, errOut)
	}()

	require.Eventually(t, func() bool { return strings.Count(out.String(), "\n") == 3 },
		5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runAttached did not return")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, "started", lines[0])
	assert.JSONEq(t, `{"got": {"n": 1}, "seen": 1}`, lines[1])
	assert.JSONEq(t, `{"got": "plain text", "seen": 2}`, lines[2])
	assert.Empty(t, errOut.String())
}

func TestParseMessage(t *testing.T) {
	assert.Equal(t, map[string]any{"a": int64(1), "b": 1.5}, parseMessage([]byte(`{"a":1,"b":1.5}`)))
	assert.Equal(t, []any{int64(1), "x"}, parseMessage([]byte(`[1,"x"]`)))
	assert.Equal(t, "not json", parseMessage([]byte("not json")))
}

func TestServe_EchoOverWebSocket(t *testing.T) {
	dir := writeScript(t, map[string]string{"main.js": `
		onmessage = function (e) {
			if (e.data instanceof Uint8Array) {
				postMessage(e.data.length);
				return;
			}
			postMessage({echo: e.data});
		};
	`})
	sc, err := loadScript(filepath.Join(dir, "main.js"), core.DefaultConfig())
	require.NoError(t, err)

	srv := &server{script: sc, cfg: core.DefaultConfig(), log: logging.Nop()}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.URL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"hello":"world"}`)))
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.JSONEq(t, `{"echo":{"hello":"world"}}`, string(data))

	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}))
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
}

func TestServe_ScriptFailureClosesConnection(t *testing.T) {
	dir := writeScript(t, map[string]string{"main.js": `throw new Error('boom');`})
	sc, err := loadScript(filepath.Join(dir, "main.js"), core.DefaultConfig())
	require.NoError(t, err)

	ts := httptest.NewServer(&server{script: sc, cfg: core.DefaultConfig(), log: logging.Nop()})
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.URL, nil)
	require.NoError(t, err)

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
}

func TestDatabase_OpensGivenPath(t *testing.T) {
	cfg := core.DefaultConfig()
	none, closeNone, err := database(cfg, logging.Nop())
	require.NoError(t, err)
	assert.Nil(t, none)
	closeNone()

	cfg.DBPath = filepath.Join(t.TempDir(), "data", "app.db")
	defines, closeDB, err := database(cfg, logging.Nop())
	require.NoError(t, err)
	defer closeDB()
	require.Contains(t, defines, "sql")

	_, err = defines["sql"]([]any{"CREATE TABLE t (x)"})
	require.NoError(t, err)
	assert.FileExists(t, cfg.DBPath)
}
