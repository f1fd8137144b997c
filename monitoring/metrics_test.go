package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMonitor_TrackIntent(t *testing.T) {
	m := NewMonitor()
	before := testutil.ToFloat64(intentOperations.WithLabelValues("create", "error"))

	m.TrackIntent("create", errors.New("boom"))
	m.TrackIntent("create", nil)

	assert.Equal(t, before+1, testutil.ToFloat64(intentOperations.WithLabelValues("create", "error")))
}

func TestMonitor_NilIsNoop(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.TrackIntent("create", nil)
		m.TrackNotification("webhook", "applied")
		m.ObserveJob("reconcile", time.Second, nil)
		m.SetBreakerState("sandbox", 2)
	})
}

func TestMonitor_BreakerState(t *testing.T) {
	m := NewMonitor()
	m.SetBreakerState("mercadopago", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(breakerState.WithLabelValues("mercadopago")))
}
