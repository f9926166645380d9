package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.Request(OutcomeSuccess)
	m.Request(OutcomeSuccess)
	m.Request(OutcomeDecode)
	m.Request(OutcomeCanceled)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeCanceled)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeDecode)), 0)

	m.InferenceStarted()
	m.InferenceStarted()
	assert.InDelta(t, 2, testutil.ToFloat64(m.inFlight), 0)
	m.InferenceFinished(150*time.Millisecond, 12, true)
	m.InferenceFinished(time.Second, 0, false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.inFlight), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.inferenceSeconds))

	m.CacheLookup(CacheHit)
	m.CacheLookup(CacheMiss)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheLookups.WithLabelValues(CacheHit)), 0)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := Nop()
	m.Request(OutcomeValidation)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `captioner_requests_total{outcome="validation_error"} 1`)
	assert.Contains(t, string(body), "captioner_inference_in_flight 0")
}

func TestDoubleRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
