package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveOperation(t *testing.T) {
	ok := LifecycleOperationsTotal.WithLabelValues("test_op", "ok")
	failed := LifecycleOperationsTotal.WithLabelValues("test_op", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	ObserveOperation("test_op", nil)
	ObserveOperation("test_op", errors.New("boom"))
	ObserveOperation("test_op", nil)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}

func TestMustRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegister("metrics-test")
		MustRegister("metrics-test")
	})
	HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequests.WithLabelValues("metrics-test", "GET", "/healthz", "200")))
}
