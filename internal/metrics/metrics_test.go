package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Records(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.WorkerStarted()
	m.ObserveCall("log", time.Millisecond, nil)
	m.ObserveCall("log", time.Millisecond, errors.New("x"))
	m.CallbackSent(false)
	m.CallbackSent(true)
	m.Dispatched("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeCalls.WithLabelValues("log", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeCalls.WithLabelValues("log", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallbacksSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallbacksDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("ok")))

	m.WorkerStopped("terminate", true)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Teardowns.WithLabelValues("terminate")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.WorkerStarted()
		m.WorkerStopped("x", true)
		m.ObserveCall("m", 0, nil)
		m.CallbackSent(true)
		m.Dispatched("ok")
	})
}
