//go:build !v8

package host

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/webworker"
)

type collector struct {
	mu    sync.Mutex
	items []any
}

func (c *collector) add(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, v)
}

func (c *collector) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.items...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func start(t *testing.T, source string, opts Options) *WebWorker {
	t.Helper()
	if opts.RootPath == "" {
		opts.RootPath = t.TempDir()
	}
	ww, err := New(source, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ww.ForceTerminate()
		<-ww.Worker().Done()
	})
	return ww
}

func TestWebWorker_PingPong(t *testing.T) {
	msgs := &collector{}
	ww := start(t, `
		onmessage = function (e) {
			postMessage({echo: e.data.n * 2});
		};
	`, Options{OnMessage: msgs.add})

	// posted before the script may have installed its handler
	for i := 1; i <= 3; i++ {
		require.NoError(t, ww.PostMessage(map[string]any{"n": i}))
	}
	require.Eventually(t, func() bool { return msgs.len() == 3 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []any{
		map[string]any{"echo": int64(2)},
		map[string]any{"echo": int64(4)},
		map[string]any{"echo": int64(6)},
	}, msgs.snapshot())
}

func TestWebWorker_OrderAcrossChannelOpen(t *testing.T) {
	const n = 200
	msgs := &collector{}
	ww := start(t, `
		var seen = [];
		setTimeout(function () {
			onmessage = function (e) {
				seen.push(e.data);
				if (seen.length === 200) postMessage(seen);
			};
		}, 5);
	`, Options{OnMessage: msgs.add})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			assert.NoError(t, ww.PostMessage(int64(i)))
			if i%20 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	wg.Wait()

	require.Eventually(t, func() bool { return msgs.len() == 1 }, 5*time.Second, 5*time.Millisecond)
	want := make([]any, n)
	for i := range want {
		want[i] = int64(i)
	}
	assert.Equal(t, want, msgs.snapshot()[0])
}

func TestWebWorker_Defines(t *testing.T) {
	lines := &collector{}
	ww := start(t, `
		var sum = args.add(2, 3);
		console.log('sum', sum);
		args.later(function (v) { console.log('later', v); });
	`, Options{
		OnStdout: func(line string) { lines.add(line) },
		Defines: map[string]Method{
			"add": func(args []any) (any, error) {
				return args[0].(int64) + args[1].(int64), nil
			},
			"later": func(args []any) (any, error) {
				cb := args[0].(Callback)
				return nil, cb("called")
			},
		},
	})

	require.Eventually(t, func() bool { return lines.len() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{"sum 5", "later called"}, lines.snapshot())
	ww.Terminate()
	assert.NoError(t, ww.Wait(context.Background()))
}

func TestWebWorker_MethodsInMessages(t *testing.T) {
	got := make(chan any, 1)
	ww := start(t, `
		onmessage = function (e) { e.data.reply('from script', e.data.tag); };
	`, Options{})
	err := ww.PostMessage(map[string]any{
		"tag": "t1",
		"reply": Method(func(args []any) (any, error) {
			got <- args
			return nil, nil
		}),
	})
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, []any{"from script", "t1"}, v)
	case <-time.After(5 * time.Second):
		t.Fatal("method in message was not called")
	}
}

func TestWebWorker_UnknownMethod(t *testing.T) {
	lines := &collector{}
	start(t, `
		try { defineRemoteMethod('nope', []); }
		catch (e) { console.log(e.name + ' ' + e.message); }
	`, Options{OnStdout: func(line string) { lines.add(line) }})

	require.Eventually(t, func() bool { return lines.len() == 1 }, 5*time.Second, 5*time.Millisecond)
	line := lines.snapshot()[0].(string)
	assert.True(t, strings.HasPrefix(line, "RemoteError "), line)
	assert.Contains(t, line, "nope is not a function")
}

func TestWebWorker_HandlerFallback(t *testing.T) {
	ww := start(t, `defineRemoteMethod('store', ['k', 'v']);`, Options{
		Handler: func(name string, args any) (any, error) {
			if name == "store" {
				return nil, errors.New("read only")
			}
			return nil, nil
		},
	})

	// the uncaught RemoteError fails the script body
	err := ww.Wait(context.Background())
	var ce *webworker.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "read only")
}

func TestWebWorker_TimeoutForcesTermination(t *testing.T) {
	errs := make(chan error, 1)
	ww := start(t, `while (true) {}`, Options{
		Timeout: 50 * time.Millisecond,
		OnError: func(err error) { errs <- err },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ww.Wait(ctx))
	assert.True(t, ww.Worker().Destroyed())
	select {
	case err := <-errs:
		t.Fatalf("forced stop reported as error: %v", err)
	default:
	}
}

func TestWebWorker_OnErrorAndStderr(t *testing.T) {
	errs := make(chan error, 1)
	stderr := &collector{}
	start(t, `throw new TypeError('bad')`, Options{
		OnError:  func(err error) { errs <- err },
		OnStderr: func(line string) { stderr.add(line) },
	})

	select {
	case err := <-errs:
		var ce *webworker.CompileError
		assert.ErrorAs(t, err, &ce)
	case <-time.After(5 * time.Second):
		t.Fatal("OnError was not called")
	}
	require.NotZero(t, stderr.len())
	assert.Contains(t, stderr.snapshot()[0], "TypeError: bad")
}

func TestLineWriter(t *testing.T) {
	got := &collector{}
	w := lineWriter(func(s string) { got.add(s) })
	_, _ = w.Write([]byte("a\nb"))
	_, _ = w.Write([]byte("c\n\nd"))
	assert.Equal(t, []any{"a", "bc", ""}, got.snapshot())
}
