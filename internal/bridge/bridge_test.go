package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/webworker/internal/codec"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
)

func newLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(nil)
	l.Start()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
	return l
}

func TestSyncBridge_BlocksUntilHandlerReturns(t *testing.T) {
	loop := newLoop(t)
	release := make(chan struct{})
	var gotName string
	var gotArgs any

	b := NewSyncBridge(SyncOptions{
		Loop: loop,
		Handler: func(name string, args any) (any, error) {
			gotName, gotArgs = name, args
			<-release
			return map[string]any{"ok": true, "echo": args}, nil
		},
		Kill: make(chan struct{}),
	})

	type result struct {
		v   any
		err error
	}
	out := make(chan result, 1)
	go func() {
		v, err := b.Call("foo", map[string]any{"a": 1})
		out <- result{v, err}
	}()

	select {
	case <-out:
		t.Fatal("Call returned before the handler finished")
	case <-time.After(30 * time.Millisecond):
	}
	assert.True(t, b.InFlight())

	close(release)
	r := <-out
	require.NoError(t, r.err)
	assert.Equal(t, "foo", gotName)
	assert.Equal(t, map[string]any{"a": int64(1)}, gotArgs)
	assert.Equal(t, map[string]any{"ok": true, "echo": map[string]any{"a": int64(1)}}, r.v)
	assert.False(t, b.InFlight())
}

func TestSyncBridge_HandlerError(t *testing.T) {
	loop := newLoop(t)
	b := NewSyncBridge(SyncOptions{
		Loop:    loop,
		Handler: func(string, any) (any, error) { return nil, errors.New("nope") },
		Kill:    make(chan struct{}),
	})

	_, err := b.Call("m", nil)
	var re *core.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "m", re.Method)
	assert.Equal(t, "RemoteError", core.ScriptErrorName(err))
}

func TestSyncBridge_HandlerPanic(t *testing.T) {
	loop := newLoop(t)
	b := NewSyncBridge(SyncOptions{
		Loop:    loop,
		Handler: func(string, any) (any, error) { panic("kaboom") },
		Kill:    make(chan struct{}),
	})

	_, err := b.Call("m", nil)
	var re *core.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, err.Error(), "kaboom")

	_, err = NewSyncBridge(SyncOptions{Loop: loop, Kill: make(chan struct{})}).Call("x", nil)
	require.ErrorAs(t, err, &re)
}

func TestSyncBridge_UnencodableValues(t *testing.T) {
	loop := newLoop(t)
	b := NewSyncBridge(SyncOptions{
		Loop:    loop,
		Handler: func(string, any) (any, error) { return make(chan int), nil },
		Kill:    make(chan struct{}),
	})

	_, err := b.Call("m", struct{}{})
	var pe *core.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "encode arguments", pe.Op)

	_, err = b.Call("m", "fine")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "encode result", pe.Op)
	assert.Equal(t, "ProtocolError", core.ScriptErrorName(err))
}

func TestSyncBridge_NotReentrant(t *testing.T) {
	loop := newLoop(t)
	var b *SyncBridge
	var inner error
	b = NewSyncBridge(SyncOptions{
		Loop: loop,
		Handler: func(string, any) (any, error) {
			_, inner = b.Call("again", nil)
			return "outer", nil
		},
		Kill: make(chan struct{}),
	})

	v, err := b.Call("first", nil)
	require.NoError(t, err)
	assert.Equal(t, "outer", v)
	assert.ErrorIs(t, inner, core.ErrBridgeBusy)
}

func TestSyncBridge_KillWhileBlocked(t *testing.T) {
	loop := newLoop(t)
	kill := make(chan struct{})
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var observed atomic.Int32

	b := NewSyncBridge(SyncOptions{
		Loop: loop,
		Handler: func(string, any) (any, error) {
			close(entered)
			<-unblock
			return "late", nil
		},
		Kill:    kill,
		Observe: func(string, time.Duration, error) { observed.Add(1) },
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Call("slow", "x")
		errCh <- err
	}()

	<-entered
	close(kill)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, core.ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("Call did not return after kill")
	}

	close(unblock)
	assert.Eventually(t, func() bool { return observed.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := b.Call("after", nil)
	assert.ErrorIs(t, err, core.ErrTerminated)
}

func TestSyncBridge_LoopStopsWithCallQueued(t *testing.T) {
	loop := eventloop.New(nil)
	loop.Start()
	t.Cleanup(func() { <-loop.Done() })

	busy := make(chan struct{})
	entered := make(chan struct{})
	require.True(t, loop.Post(func() {
		close(entered)
		<-busy
	}))
	<-entered

	var served atomic.Bool
	b := NewSyncBridge(SyncOptions{
		Loop: loop,
		Handler: func(string, any) (any, error) {
			served.Store(true)
			return "never", nil
		},
		Kill: make(chan struct{}),
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Call("queued", "x")
		errCh <- err
	}()
	require.Eventually(t, b.InFlight, time.Second, time.Millisecond)

	loop.Stop()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, core.ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("Call still blocked after the loop stopped")
	}
	close(busy)
	<-loop.Done()
	assert.False(t, served.Load())
	assert.False(t, b.InFlight())
}

func TestSyncBridge_AnswerSurvivesLoopStopDuringServe(t *testing.T) {
	loop := eventloop.New(nil)
	loop.Start()
	t.Cleanup(func() { <-loop.Done() })

	b := NewSyncBridge(SyncOptions{
		Loop: loop,
		Handler: func(string, any) (any, error) {
			loop.Stop()
			return "kept", nil
		},
		Kill: make(chan struct{}),
	})
	v, err := b.Call("m", nil)
	require.NoError(t, err)
	assert.Equal(t, "kept", v)
}

func TestSyncBridge_StoppedLoop(t *testing.T) {
	loop := eventloop.New(nil)
	loop.Stop()
	b := NewSyncBridge(SyncOptions{Loop: loop, Kill: make(chan struct{})})
	_, err := b.Call("m", nil)
	assert.ErrorIs(t, err, core.ErrTerminated)
}

func TestMailbox_DeliversOnce(t *testing.T) {
	m := NewMailbox()
	quit := make(chan struct{})

	payload, err := codec.Default.Encode(map[string]any{"n": 1})
	require.NoError(t, err)
	assert.False(t, m.Put(Callback{ID: "tick", Payload: payload}))
	assert.True(t, m.Pending())

	cb, ok := m.Wait(quit)
	require.True(t, ok)
	assert.Equal(t, "tick", cb.ID)
	v, err := codec.Default.Decode(cb.Payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(1)}, v)

	assert.False(t, m.Pending())
	assert.False(t, m.Drain())
}

func TestMailbox_OverwriteReleasesPrevious(t *testing.T) {
	m := NewMailbox()
	first, _ := codec.Default.Encode("first")
	second, _ := codec.Default.Encode("second")

	m.Put(Callback{ID: "a", Payload: first})
	assert.True(t, m.Put(Callback{ID: "b", Payload: second}))
	assert.True(t, first.Released())
	assert.Equal(t, uint64(1), m.Dropped())

	cb, ok := m.Wait(make(chan struct{}))
	require.True(t, ok)
	assert.Equal(t, "b", cb.ID)
	assert.Same(t, second, cb.Payload)
}

func TestMailbox_QuitWins(t *testing.T) {
	m := NewMailbox()
	quit := make(chan struct{})
	close(quit)

	p, _ := codec.Default.Encode(1)
	m.Put(Callback{ID: "x", Payload: p})
	_, ok := m.Wait(quit)
	assert.False(t, ok)
	assert.True(t, m.Pending(), "item is left for teardown")

	assert.True(t, m.Drain())
	assert.True(t, p.Released())
}

func TestMailbox_WaitWakesOnPut(t *testing.T) {
	m := NewMailbox()
	got := make(chan string, 1)
	go func() {
		cb, ok := m.Wait(make(chan struct{}))
		if ok {
			got <- cb.ID
		}
	}()
	time.Sleep(10 * time.Millisecond)
	m.Put(Callback{ID: "wake"})
	select {
	case id := <-got:
		assert.Equal(t, "wake", id)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake")
	}
}

func TestMailbox_ConcurrentPutsNeverBlock(t *testing.T) {
	m := NewMailbox()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _ := codec.Default.Encode("x")
			m.Put(Callback{ID: "c", Payload: p})
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(31), m.Dropped())
	assert.True(t, m.Pending())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("missing")
	var ue *core.UnregisteredCallbackError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "missing", ue.ID)
	assert.Equal(t, "UnregisteredCallbackError", core.ScriptErrorName(err))

	_, replaced := r.Set("tick", 1)
	assert.False(t, replaced)
	prev, replaced := r.Set("tick", 2)
	assert.True(t, replaced)
	assert.Equal(t, Handle(1), prev)

	h, err := r.Lookup("tick")
	require.NoError(t, err)
	assert.Equal(t, Handle(2), h)
	assert.Equal(t, 1, r.Len())

	r.Clear()
	r.Clear()
	assert.Zero(t, r.Len())
}
