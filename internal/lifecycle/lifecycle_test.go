package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/webworker/internal/core"
)

func TestStartOnlyFromCreated(t *testing.T) {
	l := New()
	require.NoError(t, l.Start())
	assert.Equal(t, Started, l.State())

	err := l.Start()
	var lcErr *core.LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "start", lcErr.Op)
	assert.Equal(t, "started", lcErr.State)
}

func TestCooperativeTerminate(t *testing.T) {
	l := New()
	require.NoError(t, l.Start())
	require.True(t, l.MarkRunning())

	assert.False(t, l.Terminate(), "running worker tears itself down")
	assert.Equal(t, CooperativeTerminating, l.State())
	assert.True(t, l.ShouldTerminate())
	assert.False(t, l.Forced())
	assert.ErrorIs(t, l.Checkpoint(), core.ErrTerminated)

	select {
	case <-l.Quit():
	default:
		t.Fatal("quit not closed")
	}
	select {
	case <-l.Killed():
		t.Fatal("killed closed by cooperative terminate")
	default:
	}

	assert.False(t, l.Terminate(), "second terminate is a no-op")
	assert.True(t, l.Teardown(nil))
	assert.Equal(t, Destroyed, l.State())
	assert.True(t, l.Destroyed())
	assert.True(t, l.Exited())
}

func TestTerminateBeforeStart(t *testing.T) {
	l := New()
	assert.True(t, l.Terminate(), "caller must tear down an unstarted worker")
	assert.Error(t, l.Start())
	assert.True(t, l.Teardown(nil))
	<-l.Done()

	assert.False(t, l.Terminate())
	assert.False(t, l.ForceTerminate())
	assert.Equal(t, Destroyed, l.State())
}

func TestTerminateWinsRaceWithRunning(t *testing.T) {
	l := New()
	require.NoError(t, l.Start())
	assert.False(t, l.Terminate())
	assert.False(t, l.MarkRunning())
}

func TestForceTerminateFiresInterrupt(t *testing.T) {
	l := New()
	require.NoError(t, l.Start())
	require.True(t, l.MarkRunning())

	var fired atomic.Int32
	l.SetInterrupt(func() { fired.Add(1) })

	assert.False(t, l.ForceTerminate())
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, ForcedTerminating, l.State())
	assert.True(t, l.Forced())
	<-l.Killed()
	<-l.Quit()

	assert.False(t, l.ForceTerminate())
	assert.Equal(t, int32(2), fired.Load(), "repeat force before teardown interrupts again")

	l.SetInterrupt(nil)
	l.Teardown(nil)
	assert.False(t, l.ForceTerminate())
	assert.Equal(t, int32(2), fired.Load(), "no interrupt after destroy")
}

func TestForceUpgradesCooperative(t *testing.T) {
	l := New()
	require.NoError(t, l.Start())
	require.True(t, l.MarkRunning())
	l.Terminate()
	l.ForceTerminate()
	assert.Equal(t, ForcedTerminating, l.State())
}

func TestInterruptInstalledAfterForce(t *testing.T) {
	l := New()
	require.NoError(t, l.Start())
	l.ForceTerminate()

	var fired atomic.Bool
	l.SetInterrupt(func() { fired.Store(true) })
	assert.True(t, fired.Load())
}

func TestTeardownExactlyOnce(t *testing.T) {
	l := New()
	require.NoError(t, l.Start())
	require.True(t, l.MarkRunning())

	var runs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				l.Terminate()
			} else {
				l.ForceTerminate()
			}
			l.Teardown(func() { runs.Add(1) })
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, l.Destroyed())
}

func TestTeardownPanicStillDestroys(t *testing.T) {
	l := New()
	assert.Panics(t, func() {
		l.Teardown(func() { panic("boom") })
	})
	assert.True(t, l.Destroyed())
	<-l.Done()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "destroyed", Destroyed.String())
	assert.True(t, ForcedTerminating.Terminating())
	assert.False(t, Running.Terminating())
}
