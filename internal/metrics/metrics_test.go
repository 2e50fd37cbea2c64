// internal/metrics/metrics_test.go
package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordOutcome(t *testing.T) {
	RecordOutcome("blue", true)
	RecordOutcome("blue", true)
	RecordOutcome("blue", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(outcomesTotal.WithLabelValues("blue", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(outcomesTotal.WithLabelValues("blue", "failure")))
}

func TestSetSourceAvailable(t *testing.T) {
	SetSourceAvailable(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(sourceAvailable))

	SetSourceAvailable(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(sourceAvailable))
}

func TestSetActivePool(t *testing.T) {
	SetActivePool("green", "blue")
	assert.Equal(t, 1.0, testutil.ToFloat64(activePool.WithLabelValues("green")))
	assert.Equal(t, 0.0, testutil.ToFloat64(activePool.WithLabelValues("blue")))

	SetActivePool("blue", "green")
	assert.Equal(t, 1.0, testutil.ToFloat64(activePool.WithLabelValues("blue")))
	assert.Equal(t, 0.0, testutil.ToFloat64(activePool.WithLabelValues("green")))
}

func TestSetPoolHealth(t *testing.T) {
	SetPoolHealth("green", 0.42, 2)

	assert.InDelta(t, 0.42, testutil.ToFloat64(errorRate.WithLabelValues("green")), 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(healthState.WithLabelValues("green")))
}

func TestRecordDelivery(t *testing.T) {
	RecordDelivery("webhook", nil)
	RecordDelivery("webhook", assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(alertDeliveries.WithLabelValues("webhook", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(alertDeliveries.WithLabelValues("webhook", "error")))
}
